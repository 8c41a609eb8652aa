package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"

	"golang.org/x/oauth2"
)

// Category groups failures by origin. The category, not the underlying
// error text, drives retry and notification decisions.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryNetwork        Category = "network"
	CategoryStorage        Category = "storage"
	CategoryConfiguration  Category = "configuration"
	CategoryUnknown        Category = "unknown"
)

// OAuth error codes as constants (RFC 6749 section 5.2, RFC 8628 section 3.5,
// RFC 9126 section 2.3)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeSlowDown                = "slow_down"
	ErrorCodeExpiredToken            = "expired_token"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidRequestURI       = "invalid_request_uri"
	ErrorCodeRequestURINotSupported  = "request_uri_not_supported"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
)

// Classified is an error enriched with recovery metadata.
// Message carries internal detail for logs; UserMessage is the only field
// the notification layer may surface.
type Classified struct {
	Category    Category
	Code        string // OAuth wire error code, when the provider supplied one
	Message     string
	UserMessage string
	Retryable   bool
	Recovery    string // operator hint, e.g. "verify the client secret"
	Err         error  // wrapped cause
}

// Error implements the error interface
func (e *Classified) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the wrapped cause, if any
func (e *Classified) Unwrap() error {
	return e.Err
}

// Key identifies an error for duplicate-notification suppression.
// Errors with the same category and wire code collapse into one key.
func (e *Classified) Key() string {
	if e.Code != "" {
		return string(e.Category) + ":" + e.Code
	}
	return string(e.Category)
}

// New creates a classified error with the category's default retryability
// and user message.
func New(cat Category, message string) *Classified {
	return &Classified{
		Category:    cat,
		Message:     message,
		UserMessage: defaultUserMessage(cat),
		Retryable:   defaultRetryable(cat),
	}
}

// Wrap classifies an underlying error under an explicit category.
func Wrap(err error, cat Category, message string) *Classified {
	c := New(cat, message)
	c.Err = err
	return c
}

// WithUserMessage overrides the user-facing message and returns the error
// for chaining during construction.
func (e *Classified) WithUserMessage(msg string) *Classified {
	e.UserMessage = msg
	return e
}

// WithRecovery attaches an operator recovery hint.
func (e *Classified) WithRecovery(hint string) *Classified {
	e.Recovery = hint
	return e
}

// defaultRetryable applies the taxonomy's baseline: transport and storage
// failures may be transient, everything else needs intervention.
func defaultRetryable(cat Category) bool {
	switch cat {
	case CategoryNetwork, CategoryStorage:
		return true
	default:
		return false
	}
}

func defaultUserMessage(cat Category) string {
	switch cat {
	case CategoryAuthentication:
		return "Authentication failed. Please start the flow again."
	case CategoryValidation:
		return "The request is missing or has invalid parameters."
	case CategoryNetwork:
		return "Could not reach the authorization server. Check your connection and try again."
	case CategoryStorage:
		return "Temporary storage problem. Please retry."
	case CategoryConfiguration:
		return "The flow configuration is incomplete or unsupported."
	default:
		return "An unexpected error occurred."
	}
}

// Classify pattern-matches any error into the taxonomy. Already-classified
// errors pass through unchanged so upstream decisions stick.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}

	var classified *Classified
	if errors.As(err, &classified) {
		return classified
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return classifyRetrieve(retrieveErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, CategoryNetwork, "request timed out")
	}
	if errors.Is(err, context.Canceled) {
		c := Wrap(err, CategoryUnknown, "operation canceled")
		c.Retryable = false
		return c
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(err, CategoryNetwork, netErr.Error())
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return Wrap(err, CategoryStorage, err.Error())
	}

	return Wrap(err, CategoryUnknown, err.Error())
}

// classifyRetrieve maps a token-endpoint error response. The oauth2 package
// surfaces the parsed error, error_description, and HTTP status.
func classifyRetrieve(re *oauth2.RetrieveError) *Classified {
	if re.ErrorCode != "" {
		c := FromWireCode(re.ErrorCode, re.ErrorDescription)
		c.Err = re
		return c
	}

	// No parsed body. Fall back to the HTTP status.
	if re.Response != nil && re.Response.StatusCode >= 500 {
		return Wrap(re, CategoryNetwork, fmt.Sprintf("authorization server returned status %d", re.Response.StatusCode))
	}
	return Wrap(re, CategoryUnknown, re.Error())
}

// FromWireCode classifies an OAuth error code received on the wire.
// Authentication failures are retryable only when the grant itself expired,
// since a fresh authorization can mint a new one.
func FromWireCode(code, description string) *Classified {
	c := &Classified{Code: code, Message: description}
	if c.Message == "" {
		c.Message = code
	}

	switch code {
	case ErrorCodeInvalidClient, ErrorCodeUnauthorizedClient, ErrorCodeAccessDenied:
		c.Category = CategoryAuthentication
		c.Retryable = false
		c.Recovery = "verify the client id, secret, and grant permissions in the environment"
	case ErrorCodeInvalidGrant:
		c.Category = CategoryAuthentication
		c.Retryable = isExpiredGrant(description)
		c.Recovery = "restart the flow to obtain a fresh grant"
	case ErrorCodeExpiredToken:
		c.Category = CategoryAuthentication
		c.Retryable = true // expired-grant signature: a new authorization can succeed
		c.Recovery = "restart the flow to obtain a fresh grant"
	case ErrorCodeInvalidRequest, ErrorCodeInvalidScope, ErrorCodeInvalidRedirectURI,
		ErrorCodeInvalidRequestURI, ErrorCodeUnsupportedResponseType:
		c.Category = CategoryValidation
		c.Retryable = false
		c.Recovery = "correct the request parameters before retrying"
	case ErrorCodeUnsupportedGrantType, ErrorCodeRequestURINotSupported:
		c.Category = CategoryConfiguration
		c.Retryable = false
		c.Recovery = "enable the grant type on the application, or choose another flow"
	case ErrorCodeServerError, ErrorCodeTemporarilyUnavailable:
		c.Category = CategoryNetwork
		c.Retryable = true
		c.Recovery = "the authorization server is having trouble; retry with backoff"
	case ErrorCodeAuthorizationPending, ErrorCodeSlowDown:
		// Device-flow progress signals, not failures. Callers handle these
		// before classification; mapping them keeps Classify total.
		c.Category = CategoryNetwork
		c.Retryable = true
	default:
		c.Category = CategoryUnknown
		c.Retryable = false
	}

	c.UserMessage = defaultUserMessage(c.Category)
	return c
}

// isExpiredGrant reports whether an invalid_grant description carries the
// expired-grant signature rather than a revoked or malformed one.
func isExpiredGrant(description string) bool {
	return strings.Contains(strings.ToLower(description), "expired")
}

// IsRetryable reports whether err classifies as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}
