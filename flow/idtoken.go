package flow

import (
	"context"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/curtismu7/oauth-playground/faults"
)

// VerifierConfig holds the ID token verifier configuration
type VerifierConfig struct {
	// IssuerURL is the expected iss claim and the discovery base
	IssuerURL string

	// ClientID is the expected audience
	ClientID string

	// HTTPClient fetches the discovery document and JWKS. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// KeySet overrides JWKS discovery with a fixed key set. When set, no
	// discovery request is made.
	KeySet oidc.KeySet
}

// IDTokenVerifier checks ID token signatures and standard claims, and
// binds the token back to the flow that requested it through the nonce
type IDTokenVerifier struct {
	verifier *oidc.IDTokenVerifier
	states   *StateNonceManager
}

// IDTokenClaims is the verified claim set of an ID token
type IDTokenClaims struct {
	Issuer   string
	Subject  string
	Audience []string
	Nonce    string
	Email    string
	Name     string
	ACR      string
	AuthTime time.Time
	IssuedAt time.Time
	Expiry   time.Time

	// Raw holds every claim for inspection
	Raw map[string]any
}

// NewIDTokenVerifier creates an ID token verifier. Without a fixed key
// set it discovers the provider's JWKS, so construction performs one
// network round trip.
func NewIDTokenVerifier(ctx context.Context, cfg VerifierConfig, states *StateNonceManager) (*IDTokenVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, faults.New(faults.CategoryConfiguration, "issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, faults.New(faults.CategoryConfiguration, "client ID is required")
	}

	oidcConfig := &oidc.Config{ClientID: cfg.ClientID}
	if cfg.KeySet != nil {
		return &IDTokenVerifier{
			verifier: oidc.NewVerifier(cfg.IssuerURL, cfg.KeySet, oidcConfig),
			states:   states,
		}, nil
	}

	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryNetwork, "discovering OIDC provider")
	}
	return &IDTokenVerifier{
		verifier: provider.Verifier(oidcConfig),
		states:   states,
	}, nil
}

// Verify checks the token's signature, issuer, audience, and expiry, and
// compares its nonce against the digest stored when the flow started.
// An empty nonceDigest skips the nonce comparison, which is correct for
// flows that never sent one.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawIDToken, nonceDigest string) (*IDTokenClaims, error) {
	if rawIDToken == "" {
		return nil, faults.New(faults.CategoryValidation, "ID token is required")
	}

	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryAuthentication, "ID token verification failed").
			WithRecovery("restart the flow to get a freshly signed token")
	}

	var payload struct {
		Nonce    string `json:"nonce"`
		Email    string `json:"email"`
		Name     string `json:"name"`
		ACR      string `json:"acr"`
		AuthTime int64  `json:"auth_time"`
	}
	if err := idToken.Claims(&payload); err != nil {
		return nil, faults.Wrap(err, faults.CategoryValidation, "extracting ID token claims")
	}
	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, faults.Wrap(err, faults.CategoryValidation, "extracting ID token claims")
	}

	if v.states != nil {
		if err := v.states.ValidateNonce(payload.Nonce, nonceDigest); err != nil {
			return nil, err
		}
	}

	claims := &IDTokenClaims{
		Issuer:   idToken.Issuer,
		Subject:  idToken.Subject,
		Audience: idToken.Audience,
		Nonce:    payload.Nonce,
		Email:    payload.Email,
		Name:     payload.Name,
		ACR:      payload.ACR,
		IssuedAt: idToken.IssuedAt,
		Expiry:   idToken.Expiry,
		Raw:      raw,
	}
	if payload.AuthTime > 0 {
		claims.AuthTime = time.Unix(payload.AuthTime, 0)
	}
	return claims, nil
}
