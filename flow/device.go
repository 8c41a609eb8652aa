package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/curtismu7/oauth-playground/faults"
	"github.com/curtismu7/oauth-playground/instrumentation"
)

const (
	// deviceGrantType is the device access token request grant type
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// defaultPollInterval applies when the provider omits an interval
	defaultPollInterval = 5 * time.Second

	// slowDownStep is added to the interval on every slow_down response
	slowDownStep = 5 * time.Second
)

// DeviceConfig holds the device authorization flow configuration
type DeviceConfig struct {
	// Credentials is the client identity for the device flow
	Credentials Credentials

	// DeviceEndpoint is the device authorization endpoint URL
	DeviceEndpoint string

	// TokenEndpoint is the token endpoint polled for the result
	TokenEndpoint string

	// AssertionAudience overrides the audience claim on JWT client
	// assertions. Defaults to the token endpoint.
	AssertionAudience string

	// HTTPClient is the client for device requests. Defaults to a client
	// with a 30 second timeout.
	HTTPClient *http.Client

	// Logger for poll progress. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records poll outcomes. Optional.
	Metrics *instrumentation.Metrics
}

// DeviceFlow drives one device authorization from request to token.
// A DeviceFlow handles a single authorization: Request and Poll each run
// once, and a fresh flow is needed to start over.
type DeviceFlow struct {
	creds      Credentials
	deviceURL  string
	tokenURL   string
	audience   string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *instrumentation.Metrics

	// slowStep is how much slow_down stretches the poll interval.
	// Tests shrink it to keep poll loops fast.
	slowStep time.Duration

	requested atomic.Bool
	polling   atomic.Bool
}

// NewDeviceFlow creates a device authorization flow
func NewDeviceFlow(cfg DeviceConfig) (*DeviceFlow, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "invalid credentials")
	}
	if cfg.DeviceEndpoint == "" {
		return nil, faults.New(faults.CategoryConfiguration, "device authorization endpoint is required")
	}
	if cfg.TokenEndpoint == "" {
		return nil, faults.New(faults.CategoryConfiguration, "token endpoint is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	audience := cfg.AssertionAudience
	if audience == "" {
		audience = cfg.TokenEndpoint
	}
	return &DeviceFlow{
		creds:      cfg.Credentials,
		deviceURL:  cfg.DeviceEndpoint,
		tokenURL:   cfg.TokenEndpoint,
		audience:   audience,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		slowStep:   slowDownStep,
	}, nil
}

// Request asks the provider for a device and user code pair. The user
// takes the user code to the verification URI on another device while
// Poll waits for them.
func (d *DeviceFlow) Request(ctx context.Context, scopes []string) (*DeviceAuthorization, error) {
	if !d.requested.CompareAndSwap(false, true) {
		return nil, faults.New(faults.CategoryConfiguration,
			"device authorization was already requested on this flow")
	}

	if len(scopes) == 0 {
		scopes = d.creds.Scopes
	}
	form := url.Values{}
	form.Set("client_id", d.creds.ClientID)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	useBasic, err := d.authenticateForm(form)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.deviceURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "building device authorization request")
	}
	if useBasic {
		req.SetBasicAuth(d.creds.ClientID, d.creds.ClientSecret)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryNetwork, "requesting device authorization")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, wireError(resp, "device authorization")
	}

	var payload struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, faults.Wrap(err, faults.CategoryValidation, "decoding device authorization response")
	}
	if payload.DeviceCode == "" || payload.UserCode == "" {
		return nil, faults.New(faults.CategoryValidation,
			"device authorization response is missing device_code or user_code")
	}
	if payload.ExpiresIn <= 0 {
		return nil, faults.New(faults.CategoryValidation,
			"device authorization response is missing expires_in")
	}

	auth := &DeviceAuthorization{
		DeviceCode:              payload.DeviceCode,
		UserCode:                payload.UserCode,
		VerificationURI:         payload.VerificationURI,
		VerificationURIComplete: payload.VerificationURIComplete,
		Interval:                time.Duration(payload.Interval) * time.Second,
		ExpiresAt:               time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	if auth.Interval <= 0 {
		auth.Interval = defaultPollInterval
	}

	d.logger.Info("Device authorization started",
		"user_code", auth.UserCode,
		"verification_uri", auth.VerificationURI,
		"expires_in", payload.ExpiresIn)
	return auth, nil
}

// Poll waits for the user to approve or deny the authorization. It polls
// at the provider's cadence, stretches the cadence on slow_down, rides
// out transient network failures, and stops on its own once the device
// code's lifetime runs out. Cancel the context to abandon early.
func (d *DeviceFlow) Poll(ctx context.Context, auth *DeviceAuthorization) (*TokenSet, error) {
	if auth == nil || auth.DeviceCode == "" {
		return nil, faults.New(faults.CategoryValidation, "device authorization is required")
	}
	if !d.polling.CompareAndSwap(false, true) {
		return nil, faults.New(faults.CategoryConfiguration,
			"polling was already started on this flow")
	}

	interval := auth.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		// The lifetime check runs before each wait so an expired code is
		// reported promptly instead of after one more sleep.
		if !auth.ExpiresAt.IsZero() && !time.Now().Before(auth.ExpiresAt) {
			d.metrics.RecordDevicePoll(ctx, "expired")
			return nil, deviceExpiredError(nil)
		}

		select {
		case <-ctx.Done():
			return nil, faults.Classify(ctx.Err())
		case <-timer.C:
		}

		tokens, err := d.PollOnce(ctx, auth.DeviceCode)
		if err == nil {
			d.metrics.RecordDevicePoll(ctx, "success")
			d.logger.Info("Device authorization completed")
			return tokens, nil
		}

		classified := faults.Classify(err)
		switch classified.Code {
		case faults.ErrorCodeAuthorizationPending:
			d.metrics.RecordDevicePoll(ctx, "pending")
		case faults.ErrorCodeSlowDown:
			interval += d.slowStep
			d.metrics.RecordDevicePoll(ctx, "slow_down")
			d.logger.Debug("Provider asked to slow down", "interval", interval)
		case faults.ErrorCodeAccessDenied:
			d.metrics.RecordDevicePoll(ctx, "denied")
			denied := faults.Wrap(err, faults.CategoryAuthentication,
				"the user denied the authorization request")
			denied.Code = faults.ErrorCodeAccessDenied
			return nil, denied
		case faults.ErrorCodeExpiredToken:
			d.metrics.RecordDevicePoll(ctx, "expired")
			return nil, deviceExpiredError(err)
		default:
			if classified.Category != faults.CategoryNetwork {
				return nil, err
			}
			// Transient failure between device and provider. The code is
			// still live, so keep polling at the same cadence.
			d.metrics.RecordDevicePoll(ctx, "network_error")
			d.logger.Warn("Device poll failed, continuing", "error", err)
		}

		timer.Reset(interval)
	}
}

// PollOnce performs a single token request for the device code
func (d *DeviceFlow) PollOnce(ctx context.Context, deviceCode string) (*TokenSet, error) {
	if deviceCode == "" {
		return nil, faults.New(faults.CategoryValidation, "device code is required")
	}

	form := url.Values{}
	form.Set("grant_type", deviceGrantType)
	form.Set("device_code", deviceCode)
	form.Set("client_id", d.creds.ClientID)
	useBasic, err := d.authenticateForm(form)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "building device token request")
	}
	if useBasic {
		req.SetBasicAuth(d.creds.ClientID, d.creds.ClientSecret)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, faults.Classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, wireError(resp, "device token poll")
	}
	return parseTokenSet(resp.Body)
}

// authenticateForm adds form-borne client authentication and reports
// whether the request should carry basic auth instead
func (d *DeviceFlow) authenticateForm(form url.Values) (bool, error) {
	switch d.creds.EffectiveAuthMethod() {
	case AuthMethodClientSecretBasic:
		return true, nil
	case AuthMethodClientSecretPost:
		form.Set("client_secret", d.creds.ClientSecret)
	case AuthMethodClientSecretJWT, AuthMethodPrivateKeyJWT:
		assertion, err := ClientAssertion(d.creds, d.audience)
		if err != nil {
			return false, err
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
	}
	return false, nil
}

// deviceExpiredError reports a device code that ran out before the user
// finished, whether noticed locally or by the provider
func deviceExpiredError(cause error) *faults.Classified {
	var c *faults.Classified
	if cause != nil {
		c = faults.Wrap(cause, faults.CategoryAuthentication,
			"device code expired before the user completed authorization")
	} else {
		c = faults.New(faults.CategoryAuthentication,
			"device code expired before the user completed authorization")
	}
	c.Code = faults.ErrorCodeExpiredToken
	return c.WithRecovery("start a new device authorization to get a fresh code")
}
