package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/curtismu7/oauth-playground/faults"
	"github.com/curtismu7/oauth-playground/instrumentation"
)

// ErrPARMissingRequestURI reports a provider that accepted a pushed
// authorization request but returned no request_uri to redeem it with
var ErrPARMissingRequestURI = errors.New("flow: PAR response is missing request_uri")

// PARConfig holds the pushed authorization request gateway configuration
type PARConfig struct {
	// Credentials is the client identity used to authenticate the push
	Credentials Credentials

	// Endpoint is the pushed authorization request endpoint URL
	Endpoint string

	// AssertionAudience overrides the audience claim on JWT client
	// assertions. Defaults to the PAR endpoint itself; some providers
	// expect the issuer or the token endpoint instead.
	AssertionAudience string

	// HTTPClient is the client for the push. Defaults to a client with a
	// 30 second timeout.
	HTTPClient *http.Client

	// Logger for push outcomes. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records push outcomes. Optional.
	Metrics *instrumentation.Metrics
}

// PARGateway pushes assembled authorization parameters to the provider's
// PAR endpoint ahead of the front-channel redirect, per RFC 9126
type PARGateway struct {
	creds      Credentials
	endpoint   string
	audience   string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
}

// PARResult is the provider's handle for a pushed request
type PARResult struct {
	// RequestURI is redeemed on the authorization URL in place of the
	// pushed parameters
	RequestURI string

	// ExpiresIn is how long the provider keeps the pushed request
	ExpiresIn time.Duration
}

// NewPARGateway creates a pushed authorization request gateway
func NewPARGateway(cfg PARConfig) (*PARGateway, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "invalid credentials")
	}
	if cfg.Endpoint == "" {
		return nil, faults.New(faults.CategoryConfiguration, "PAR endpoint is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	audience := cfg.AssertionAudience
	if audience == "" {
		audience = cfg.Endpoint
	}
	return &PARGateway{
		creds:      cfg.Credentials,
		endpoint:   cfg.Endpoint,
		audience:   audience,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Push sends the assembled authorization parameters to the PAR endpoint
// and returns the request_uri to redeem on the front channel. The params
// are exactly what Build assembled; Push adds only client authentication.
func (g *PARGateway) Push(ctx context.Context, params url.Values) (*PARResult, error) {
	if len(params) == 0 {
		return nil, faults.New(faults.CategoryValidation, "no authorization parameters to push")
	}

	body := url.Values{}
	for key, vals := range params {
		body[key] = append([]string(nil), vals...)
	}

	useBasic := false
	switch g.creds.EffectiveAuthMethod() {
	case AuthMethodNone:
	case AuthMethodClientSecretBasic:
		useBasic = true
	case AuthMethodClientSecretPost:
		body.Set("client_secret", g.creds.ClientSecret)
	case AuthMethodClientSecretJWT, AuthMethodPrivateKeyJWT:
		assertion, err := ClientAssertion(g.creds, g.audience)
		if err != nil {
			return nil, err
		}
		body.Set("client_assertion_type", clientAssertionType)
		body.Set("client_assertion", assertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, strings.NewReader(body.Encode()))
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "building PAR request")
	}
	if useBasic {
		req.SetBasicAuth(g.creds.ClientID, g.creds.ClientSecret)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.metrics.RecordPARPush(ctx, "network_error")
		return nil, faults.Wrap(err, faults.CategoryNetwork, "pushing authorization request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var payload struct {
			RequestURI string `json:"request_uri"`
			ExpiresIn  int    `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			g.metrics.RecordPARPush(ctx, "bad_response")
			return nil, faults.Wrap(err, faults.CategoryValidation, "decoding PAR response")
		}
		if payload.RequestURI == "" {
			g.metrics.RecordPARPush(ctx, "bad_response")
			return nil, faults.Wrap(ErrPARMissingRequestURI, faults.CategoryValidation,
				"provider accepted the push")
		}
		g.metrics.RecordPARPush(ctx, "success")
		g.logger.Debug("Pushed authorization request",
			"request_uri", payload.RequestURI,
			"expires_in", payload.ExpiresIn)
		return &PARResult{
			RequestURI: payload.RequestURI,
			ExpiresIn:  time.Duration(payload.ExpiresIn) * time.Second,
		}, nil
	}

	g.metrics.RecordPARPush(ctx, "rejected")
	return nil, wireError(resp, "PAR push")
}

// wireError converts a non-2xx token-style JSON error response into a
// classified error. Responses that do not carry a wire error code fall
// back on the HTTP status: 5xx is a retryable provider problem, anything
// else is unknown.
func wireError(resp *http.Response, operation string) error {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return faults.FromWireCode(payload.Error, payload.ErrorDescription)
	}
	if resp.StatusCode >= 500 {
		return faults.New(faults.CategoryNetwork,
			fmt.Sprintf("%s failed with status %d", operation, resp.StatusCode))
	}
	return faults.New(faults.CategoryUnknown,
		fmt.Sprintf("%s failed with status %d", operation, resp.StatusCode))
}
