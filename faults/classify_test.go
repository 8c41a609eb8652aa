package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"testing"

	"golang.org/x/oauth2"
)

func TestClassified_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Classified
		want string
	}{
		{
			name: "with wire code",
			err:  &Classified{Category: CategoryAuthentication, Code: "invalid_grant", Message: "grant expired"},
			want: "authentication (invalid_grant): grant expired",
		},
		{
			name: "without wire code",
			err:  &Classified{Category: CategoryNetwork, Message: "connection refused"},
			want: "network: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_DefaultRetryability(t *testing.T) {
	tests := []struct {
		category  Category
		retryable bool
	}{
		{CategoryAuthentication, false},
		{CategoryValidation, false},
		{CategoryNetwork, true},
		{CategoryStorage, true},
		{CategoryConfiguration, false},
		{CategoryUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			c := New(tt.category, "test")
			if c.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", c.Retryable, tt.retryable)
			}
			if c.UserMessage == "" {
				t.Error("UserMessage should have a default")
			}
		})
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("underlying")
	c := Wrap(cause, CategoryStorage, "save failed")

	if !errors.Is(c, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if c.Category != CategoryStorage {
		t.Errorf("Category = %q, want %q", c.Category, CategoryStorage)
	}
}

func TestClassify_PassesThroughClassified(t *testing.T) {
	original := New(CategoryConfiguration, "missing environment id")
	wrapped := fmt.Errorf("start flow: %w", original)

	got := Classify(wrapped)
	if got != original {
		t.Error("Classify should return the original classified error unchanged")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCategory  Category
		wantRetryable bool
	}{
		{
			name:          "deadline exceeded",
			err:           context.DeadlineExceeded,
			wantCategory:  CategoryNetwork,
			wantRetryable: true,
		},
		{
			name:          "canceled",
			err:           context.Canceled,
			wantCategory:  CategoryUnknown,
			wantRetryable: false,
		},
		{
			name:          "file not found",
			err:           fs.ErrNotExist,
			wantCategory:  CategoryStorage,
			wantRetryable: true,
		},
		{
			name:          "path error",
			err:           &fs.PathError{Op: "open", Path: "/tmp/x", Err: fs.ErrPermission},
			wantCategory:  CategoryStorage,
			wantRetryable: true,
		},
		{
			name:          "plain error",
			err:           errors.New("something odd"),
			wantCategory:  CategoryUnknown,
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Category != tt.wantCategory {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCategory)
			}
			if got.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestClassify_RetrieveError(t *testing.T) {
	tests := []struct {
		name          string
		retrieveErr   *oauth2.RetrieveError
		wantCategory  Category
		wantCode      string
		wantRetryable bool
	}{
		{
			name: "invalid client",
			retrieveErr: &oauth2.RetrieveError{
				ErrorCode:        "invalid_client",
				ErrorDescription: "client authentication failed",
			},
			wantCategory:  CategoryAuthentication,
			wantCode:      "invalid_client",
			wantRetryable: false,
		},
		{
			name: "server error code",
			retrieveErr: &oauth2.RetrieveError{
				ErrorCode: "server_error",
			},
			wantCategory:  CategoryNetwork,
			wantCode:      "server_error",
			wantRetryable: true,
		},
		{
			name: "unparsed 503",
			retrieveErr: &oauth2.RetrieveError{
				Response: &http.Response{StatusCode: http.StatusServiceUnavailable},
				Body:     []byte("upstream unavailable"),
			},
			wantCategory:  CategoryNetwork,
			wantCode:      "",
			wantRetryable: true,
		},
		{
			name: "unparsed 418",
			retrieveErr: &oauth2.RetrieveError{
				Response: &http.Response{StatusCode: http.StatusTeapot},
			},
			wantCategory:  CategoryUnknown,
			wantCode:      "",
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.retrieveErr)
			if got.Category != tt.wantCategory {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCategory)
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.wantRetryable)
			}
			if !errors.Is(got, tt.retrieveErr) {
				t.Error("classified error should wrap the retrieve error")
			}
		})
	}
}

func TestFromWireCode(t *testing.T) {
	tests := []struct {
		code          string
		description   string
		wantCategory  Category
		wantRetryable bool
	}{
		{ErrorCodeInvalidClient, "", CategoryAuthentication, false},
		{ErrorCodeUnauthorizedClient, "", CategoryAuthentication, false},
		{ErrorCodeAccessDenied, "", CategoryAuthentication, false},
		{ErrorCodeInvalidGrant, "authorization code is malformed", CategoryAuthentication, false},
		{ErrorCodeInvalidGrant, "refresh token expired", CategoryAuthentication, true},
		{ErrorCodeExpiredToken, "", CategoryAuthentication, true},
		{ErrorCodeInvalidRequest, "", CategoryValidation, false},
		{ErrorCodeInvalidScope, "", CategoryValidation, false},
		{ErrorCodeInvalidRedirectURI, "", CategoryValidation, false},
		{ErrorCodeInvalidRequestURI, "", CategoryValidation, false},
		{ErrorCodeUnsupportedResponseType, "", CategoryValidation, false},
		{ErrorCodeUnsupportedGrantType, "", CategoryConfiguration, false},
		{ErrorCodeRequestURINotSupported, "", CategoryConfiguration, false},
		{ErrorCodeServerError, "", CategoryNetwork, true},
		{ErrorCodeTemporarilyUnavailable, "", CategoryNetwork, true},
		{"some_future_code", "", CategoryUnknown, false},
	}

	for _, tt := range tests {
		name := tt.code
		if tt.description != "" {
			name = tt.code + "/" + tt.description
		}
		t.Run(name, func(t *testing.T) {
			got := FromWireCode(tt.code, tt.description)
			if got.Category != tt.wantCategory {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCategory)
			}
			if got.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.wantRetryable)
			}
			if got.Code != tt.code {
				t.Errorf("Code = %q, want %q", got.Code, tt.code)
			}
		})
	}
}

func TestClassified_Key(t *testing.T) {
	tests := []struct {
		name string
		err  *Classified
		want string
	}{
		{
			name: "category and code",
			err:  &Classified{Category: CategoryAuthentication, Code: "invalid_grant"},
			want: "authentication:invalid_grant",
		},
		{
			name: "category only",
			err:  &Classified{Category: CategoryNetwork},
			want: "network",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("IsRetryable(nil) should be false")
	}
	if !IsRetryable(New(CategoryNetwork, "down")) {
		t.Error("network errors should be retryable")
	}
	if IsRetryable(New(CategoryValidation, "bad input")) {
		t.Error("validation errors should never be retryable")
	}
}
