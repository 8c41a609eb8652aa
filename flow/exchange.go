package flow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/curtismu7/oauth-playground/faults"
	"github.com/curtismu7/oauth-playground/instrumentation"
)

// ExchangeConfig holds the token exchange coordinator configuration
type ExchangeConfig struct {
	// Credentials is the client identity presented to the token endpoint
	Credentials Credentials

	// TokenEndpoint is the token endpoint URL
	TokenEndpoint string

	// AssertionAudience overrides the audience claim on JWT client
	// assertions. Defaults to the token endpoint itself.
	AssertionAudience string

	// HTTPClient is the client for token requests. Defaults to a client
	// with a 30 second timeout.
	HTTPClient *http.Client

	// Retry governs retryable token request failures
	Retry faults.Policy

	// Logger for exchange outcomes. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records exchange outcomes and latency. Optional.
	Metrics *instrumentation.Metrics
}

// Exchanger redeems grants at the token endpoint: authorization codes,
// refresh tokens, and client credentials all go through the same
// client-authentication and retry handling.
type Exchanger struct {
	creds      Credentials
	endpoint   string
	audience   string
	httpClient *http.Client
	retry      faults.Policy
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
}

// ExchangeInput describes one authorization-code redemption
type ExchangeInput struct {
	// FlowType is the flow the code came from. Only flows that issue
	// authorization codes can exchange one.
	FlowType FlowType

	// Code is the authorization code from the callback
	Code string

	// Verifier is the proof-key verifier minted when the flow started
	Verifier string

	// UsedPKCE records whether the authorization request carried a
	// challenge. When set, exchanging without a verifier is refused
	// locally instead of burning the code on a doomed request.
	UsedPKCE bool
}

// NewExchanger creates a token exchange coordinator
func NewExchanger(cfg ExchangeConfig) (*Exchanger, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "invalid credentials")
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
	return &Exchanger{
		creds:      cfg.Credentials,
		endpoint:   cfg.TokenEndpoint,
		audience:   audience,
		httpClient: cfg.HTTPClient,
		retry:      cfg.Retry,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Exchange redeems an authorization code for tokens. Input problems are
// caught locally before any network traffic; an authorization code is
// single-use and a doomed request would burn it.
func (e *Exchanger) Exchange(ctx context.Context, in ExchangeInput) (*TokenSet, error) {
	if err := checkExchangeInput(in, e.creds.RedirectURI); err != nil {
		return nil, err
	}

	start := time.Now()
	tokens, err := e.exchangeCode(ctx, in)
	e.recordExchange(ctx, "authorization_code", start, err)
	return tokens, err
}

func (e *Exchanger) exchangeCode(ctx context.Context, in ExchangeInput) (*TokenSet, error) {
	method := e.creds.EffectiveAuthMethod()
	if method == AuthMethodClientSecretJWT || method == AuthMethodPrivateKeyJWT {
		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", in.Code)
		if e.creds.RedirectURI != "" {
			form.Set("redirect_uri", e.creds.RedirectURI)
		}
		if in.Verifier != "" {
			form.Set("code_verifier", in.Verifier)
		}
		return e.postWithAssertion(ctx, "token exchange", form)
	}

	conf := e.oauth2Config()
	var opts []oauth2.AuthCodeOption
	if in.Verifier != "" {
		opts = append(opts, oauth2.VerifierOption(in.Verifier))
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	var token *oauth2.Token
	err := faults.Do(ctx, e.retry, "token exchange", func(ctx context.Context) error {
		tok, err := conf.Exchange(ctx, in.Code, opts...)
		if err != nil {
			return faults.Classify(err)
		}
		token = tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newTokenSet(token), nil
}

// Refresh redeems a refresh token for a fresh token set
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, faults.New(faults.CategoryValidation, "refresh token is required")
	}

	start := time.Now()
	tokens, err := e.refresh(ctx, refreshToken)
	e.recordExchange(ctx, "refresh_token", start, err)
	return tokens, err
}

func (e *Exchanger) refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	method := e.creds.EffectiveAuthMethod()
	if method == AuthMethodClientSecretJWT || method == AuthMethodPrivateKeyJWT {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)
		return e.postWithAssertion(ctx, "token refresh", form)
	}

	conf := e.oauth2Config()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	var token *oauth2.Token
	err := faults.Do(ctx, e.retry, "token refresh", func(ctx context.Context) error {
		src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return faults.Classify(err)
		}
		token = tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newTokenSet(token), nil
}

// ClientCredentials fetches tokens under the client's own authority.
// The grant authenticates with the client credentials alone, so a public
// client has nothing to present.
func (e *Exchanger) ClientCredentials(ctx context.Context, scopes []string) (*TokenSet, error) {
	start := time.Now()
	tokens, err := e.clientCredentials(ctx, scopes)
	e.recordExchange(ctx, "client_credentials", start, err)
	return tokens, err
}

func (e *Exchanger) clientCredentials(ctx context.Context, scopes []string) (*TokenSet, error) {
	if len(scopes) == 0 {
		scopes = e.creds.Scopes
	}

	switch method := e.creds.EffectiveAuthMethod(); method {
	case AuthMethodNone:
		return nil, faults.New(faults.CategoryConfiguration,
			"the client-credentials flow requires a confidential client").
			WithRecovery("configure a client secret or a private key")
	case AuthMethodClientSecretJWT, AuthMethodPrivateKeyJWT:
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		if len(scopes) > 0 {
			form.Set("scope", strings.Join(scopes, " "))
		}
		return e.postWithAssertion(ctx, "client-credentials grant", form)
	default:
		conf := &clientcredentials.Config{
			ClientID:     e.creds.ClientID,
			ClientSecret: e.creds.ClientSecret,
			TokenURL:     e.endpoint,
			Scopes:       scopes,
			AuthStyle:    authStyleFor(method),
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

		var token *oauth2.Token
		err := faults.Do(ctx, e.retry, "client-credentials grant", func(ctx context.Context) error {
			tok, err := conf.Token(ctx)
			if err != nil {
				return faults.Classify(err)
			}
			token = tok
			return nil
		})
		if err != nil {
			return nil, err
		}
		return newTokenSet(token), nil
	}
}

func (e *Exchanger) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.creds.ClientID,
		ClientSecret: e.creds.ClientSecret,
		RedirectURL:  e.creds.RedirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  e.endpoint,
			AuthStyle: authStyleFor(e.creds.EffectiveAuthMethod()),
		},
	}
}

// postWithAssertion sends a token request authenticated by a JWT client
// assertion. The oauth2 package has no assertion support, so these
// requests are posted directly.
func (e *Exchanger) postWithAssertion(ctx context.Context, name string, form url.Values) (*TokenSet, error) {
	assertion, err := ClientAssertion(e.creds, e.audience)
	if err != nil {
		return nil, err
	}
	form.Set("client_id", e.creds.ClientID)
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)

	var tokens *TokenSet
	err = faults.Do(ctx, e.retry, name, func(ctx context.Context) error {
		ts, err := postTokenForm(ctx, e.httpClient, e.endpoint, form, name)
		if err != nil {
			return err
		}
		tokens = ts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (e *Exchanger) recordExchange(ctx context.Context, grantType string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.metrics.RecordTokenExchange(ctx, grantType, outcome, time.Since(start).Seconds())
	if err != nil {
		e.logger.Warn("Token request failed", "grant_type", grantType, "error", err)
	} else {
		e.logger.Debug("Token request succeeded", "grant_type", grantType)
	}
}

// checkExchangeInput validates an exchange locally before any network
// traffic happens
func checkExchangeInput(in ExchangeInput, redirectURI string) error {
	switch in.FlowType {
	case FlowAuthorizationCode, FlowHybrid:
	default:
		return faults.New(faults.CategoryValidation,
			"the "+string(in.FlowType)+" flow has no authorization code to exchange")
	}
	if in.Code == "" {
		return faults.New(faults.CategoryValidation, "authorization code is required")
	}
	if !in.UsedPKCE && redirectURI == "" {
		return faults.New(faults.CategoryValidation,
			"a redirect URI is required when the flow did not use PKCE")
	}
	if in.UsedPKCE && in.Verifier == "" {
		return faults.New(faults.CategoryValidation,
			"the flow started with PKCE but no verifier was provided").
			WithRecovery("recover the verifier from the proof-key store, or restart the flow")
	}
	// RFC 7636 §4.1 bounds
	if in.Verifier != "" && (len(in.Verifier) < 43 || len(in.Verifier) > 128) {
		return faults.New(faults.CategoryValidation, "code verifier length is outside the 43-128 character range")
	}
	return nil
}

func authStyleFor(method TokenAuthMethod) oauth2.AuthStyle {
	switch method {
	case AuthMethodClientSecretBasic:
		return oauth2.AuthStyleInHeader
	case AuthMethodClientSecretPost:
		return oauth2.AuthStyleInParams
	default:
		return oauth2.AuthStyleAutoDetect
	}
}

// tokenResponse is the token endpoint's JSON shape
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope"`
}

// postTokenForm posts a form to the token endpoint and parses the
// response into a token set. Wire errors come back classified.
func postTokenForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, operation string) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "building token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, faults.Classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, wireError(resp, operation)
	}
	return parseTokenSet(resp.Body)
}

// parseTokenSet decodes a successful token endpoint response body
func parseTokenSet(body io.Reader) (*TokenSet, error) {
	var payload tokenResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, faults.Wrap(err, faults.CategoryValidation, "decoding token response")
	}
	if payload.AccessToken == "" && payload.IDToken == "" {
		return nil, faults.New(faults.CategoryValidation, "token response carries no tokens")
	}

	tokens := &TokenSet{
		AccessToken:  payload.AccessToken,
		TokenType:    payload.TokenType,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		Scope:        payload.Scope,
	}
	if tokens.TokenType == "" {
		tokens.TokenType = "Bearer"
	}
	if payload.ExpiresIn > 0 {
		tokens.Expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return tokens, nil
}
