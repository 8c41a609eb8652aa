package flow

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// FlowType identifies which authorization flow is being exercised
type FlowType string

// Supported flow types
const (
	FlowAuthorizationCode FlowType = "authorization-code"
	FlowImplicit          FlowType = "implicit"
	FlowHybrid            FlowType = "hybrid"
	FlowDeviceCode        FlowType = "device-code"
	FlowClientCredentials FlowType = "client-credentials"
)

// Valid reports whether the flow type is one this engine knows
func (f FlowType) Valid() bool {
	switch f {
	case FlowAuthorizationCode, FlowImplicit, FlowHybrid, FlowDeviceCode, FlowClientCredentials:
		return true
	}
	return false
}

// UsesAuthorizationEndpoint reports whether the flow starts with a
// front-channel authorization request
func (f FlowType) UsesAuthorizationEndpoint() bool {
	switch f {
	case FlowAuthorizationCode, FlowImplicit, FlowHybrid:
		return true
	}
	return false
}

// SpecVersion selects which protocol profile the request conforms to
type SpecVersion string

// Supported protocol profiles
const (
	SpecOAuth2  SpecVersion = "oauth2"
	SpecOAuth21 SpecVersion = "oauth21"
	SpecOIDC    SpecVersion = "oidc"
)

// Valid reports whether the profile is one this engine knows
func (s SpecVersion) Valid() bool {
	switch s {
	case SpecOAuth2, SpecOAuth21, SpecOIDC:
		return true
	}
	return false
}

// ResponseMode is how the authorization response comes back
type ResponseMode string

// Supported response modes. ResponseModePiFlow is the PingOne-proprietary
// mode where the authorization endpoint answers with a flow object instead
// of redirecting.
const (
	ResponseModeQuery    ResponseMode = "query"
	ResponseModeFragment ResponseMode = "fragment"
	ResponseModeFormPost ResponseMode = "form_post"
	ResponseModePiFlow   ResponseMode = "pi.flow"
)

// Valid reports whether the response mode is one this engine knows
func (m ResponseMode) Valid() bool {
	switch m {
	case ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost, ResponseModePiFlow:
		return true
	}
	return false
}

// TokenAuthMethod is how the client authenticates to the token, device,
// and PAR endpoints
type TokenAuthMethod string

// Supported client authentication methods
const (
	AuthMethodNone              TokenAuthMethod = "none"
	AuthMethodClientSecretBasic TokenAuthMethod = "client_secret_basic"
	AuthMethodClientSecretPost  TokenAuthMethod = "client_secret_post"
	AuthMethodClientSecretJWT   TokenAuthMethod = "client_secret_jwt"
	AuthMethodPrivateKeyJWT     TokenAuthMethod = "private_key_jwt"
)

// Credentials is the immutable client identity a flow runs under.
// Validate once at construction; nothing mutates it afterwards.
type Credentials struct {
	// ClientID is the OAuth client identifier
	ClientID string

	// ClientSecret authenticates confidential clients. Leave empty for
	// public clients using PKCE.
	ClientSecret string

	// RedirectURI receives the authorization response
	RedirectURI string

	// Scopes are the default scopes requested when a flow does not
	// override them
	Scopes []string

	// AuthMethod selects the client authentication scheme. Empty defaults
	// to client_secret_basic when a secret is set and none otherwise.
	AuthMethod TokenAuthMethod

	// PrivateKey signs private_key_jwt client assertions
	PrivateKey *rsa.PrivateKey

	// PrivateKeyID is the kid header advertised with private_key_jwt
	// assertions so the provider can pick the right registered key
	PrivateKeyID string
}

// Validate checks the credentials for internal consistency
func (c Credentials) Validate() error {
	if c.ClientID == "" {
		return errors.New("flow: client ID is required")
	}
	if c.RedirectURI != "" {
		u, err := url.Parse(c.RedirectURI)
		if err != nil {
			return fmt.Errorf("flow: invalid redirect URI: %w", err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("flow: redirect URI must be absolute, got %q", c.RedirectURI)
		}
	}
	switch c.AuthMethod {
	case "", AuthMethodNone:
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost, AuthMethodClientSecretJWT:
		if c.ClientSecret == "" {
			return fmt.Errorf("flow: auth method %s requires a client secret", c.AuthMethod)
		}
	case AuthMethodPrivateKeyJWT:
		if c.PrivateKey == nil {
			return errors.New("flow: auth method private_key_jwt requires a private key")
		}
	default:
		return fmt.Errorf("flow: unknown auth method %q", c.AuthMethod)
	}
	return nil
}

// EffectiveAuthMethod resolves the default authentication scheme
func (c Credentials) EffectiveAuthMethod() TokenAuthMethod {
	if c.AuthMethod != "" {
		return c.AuthMethod
	}
	if c.ClientSecret != "" {
		return AuthMethodClientSecretBasic
	}
	return AuthMethodNone
}

// TokenSet is the normalized result of a successful token request
type TokenSet struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	Scope        string
	Expiry       time.Time
}

// newTokenSet normalizes an oauth2 token, lifting the extra fields the
// library keeps in its raw map
func newTokenSet(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	return ts
}

// Valid reports whether the set holds a usable access token
func (t *TokenSet) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || time.Now().Before(t.Expiry)
}

// DeviceAuthorization is the provider's answer to a device authorization
// request, RFC 8628 section 3.2
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string

	// Interval is the minimum wait between token polls
	Interval time.Duration

	// ExpiresAt is when the device code stops being exchangeable
	ExpiresAt time.Time
}
