// Package testutil runs a scripted stand-in for a PingOne authorization
// server inside httptest, so tests can drive complete flows over real
// HTTP without a live environment.
package testutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/curtismu7/oauth-playground/pingone"
)

// authRequest is the slice of an authorization request the token
// endpoint needs when the code comes back
type authRequest struct {
	challenge string
	method    string
	nonce     string
	openid    bool
}

// IdP is a scripted authorization server. It issues codes bound to the
// proof-key challenge of the request, redeems them exactly once with
// PKCE verification, mints RS256 ID tokens, answers device polls, and
// accepts pushed authorization requests.
//
// Mutate the exported knobs before the request under test; the zero
// value of each selects the happy path.
type IdP struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey
	KeyID  string

	ClientID     string
	ClientSecret string

	// PendingPolls is how many device token polls answer
	// authorization_pending before the token is issued
	PendingPolls int

	// DeviceError, when set, makes every device poll answer this wire
	// error instead of ever issuing a token
	DeviceError string

	mu         sync.Mutex
	codes      map[string]authRequest
	pushed     map[string]url.Values
	tokenForms []url.Values
	tokenSeq   int
	parSeq     int
	deviceSeq  int
	polls      int
}

// NewIdP starts the scripted server and shuts it down with the test
func NewIdP(t *testing.T) *IdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating IdP key: %v", err)
	}

	idp := &IdP{
		Key:          key,
		KeyID:        "idp-key-1",
		ClientID:     "playground-client",
		ClientSecret: "top-secret",
		PendingPolls: 1,
		codes:        make(map[string]authRequest),
		pushed:       make(map[string]url.Values),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /as/token", idp.handleToken)
	mux.HandleFunc("POST /as/device_authorization", idp.handleDeviceAuthorization)
	mux.HandleFunc("POST /as/par", idp.handlePAR)
	mux.HandleFunc("GET /as/jwks", idp.handleJWKS)
	mux.HandleFunc("GET /as/.well-known/openid-configuration", idp.handleDiscovery)

	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Server.Close)
	return idp
}

// Issuer returns the issuer URL of the scripted server
func (i *IdP) Issuer() string {
	return i.Server.URL + "/as"
}

// Endpoints returns the endpoint set of the scripted server, in the
// shape the engine configuration takes
func (i *IdP) Endpoints() pingone.Endpoints {
	base := i.Issuer()
	return pingone.Endpoints{
		Issuer:              base,
		Authorization:       base + "/authorize",
		Token:               base + "/token",
		DeviceAuthorization: base + "/device_authorization",
		PushedAuthorization: base + "/par",
		UserInfo:            base + "/userinfo",
		JWKS:                base + "/jwks",
		Revocation:          base + "/revoke",
	}
}

// KeySet returns the signing key as a static key set, for verifying ID
// tokens without the discovery round trip
func (i *IdP) KeySet() oidc.KeySet {
	return &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&i.Key.PublicKey}}
}

// Approve plays the browser leg of a redirect flow: it parses an
// authorization URL, resolves a pushed request_uri if present, issues a
// code bound to the request's challenge and nonce, and returns the
// callback URL the provider would redirect the browser to.
func (i *IdP) Approve(authorizationURL string) (string, error) {
	u, err := url.Parse(authorizationURL)
	if err != nil {
		return "", fmt.Errorf("parsing authorization URL: %w", err)
	}
	params := u.Query()

	if requestURI := params.Get("request_uri"); requestURI != "" {
		i.mu.Lock()
		stored, ok := i.pushed[requestURI]
		i.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("unknown request_uri %q", requestURI)
		}
		params = stored
	}

	redirect := params.Get("redirect_uri")
	if redirect == "" {
		return "", fmt.Errorf("authorization request has no redirect_uri")
	}

	responseTypes := strings.Fields(params.Get("response_type"))
	mode := params.Get("response_mode")
	if mode == "" {
		if slices.Contains(responseTypes, "token") || slices.Contains(responseTypes, "id_token") {
			mode = "fragment"
		} else {
			mode = "query"
		}
	}

	vals := url.Values{}
	vals.Set("state", params.Get("state"))
	if slices.Contains(responseTypes, "code") {
		vals.Set("code", i.issueCode(params))
	}
	if slices.Contains(responseTypes, "token") {
		vals.Set("access_token", i.nextAccessToken())
		vals.Set("token_type", "Bearer")
		vals.Set("expires_in", "3600")
	}
	if slices.Contains(responseTypes, "id_token") {
		vals.Set("id_token", i.MintIDToken(params.Get("nonce")))
	}

	ru, err := url.Parse(redirect)
	if err != nil {
		return "", fmt.Errorf("parsing redirect_uri: %w", err)
	}
	if mode == "query" {
		q := ru.Query()
		for k, v := range vals {
			q[k] = v
		}
		ru.RawQuery = q.Encode()
	} else {
		ru.Fragment = vals.Encode()
	}
	return ru.String(), nil
}

// MintIDToken signs an ID token for the configured client. Mutators run
// against the claims before signing, so tests can break individual
// fields.
func (i *IdP) MintIDToken(nonce string, mutate ...func(jwt.MapClaims)) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       i.Issuer(),
		"aud":       i.ClientID,
		"sub":       "user-1",
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
		"auth_time": now.Unix(),
		"email":     "user@example.com",
		"name":      "Ada User",
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for _, m := range mutate {
		m(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.KeyID
	signed, err := token.SignedString(i.Key)
	if err != nil {
		panic(fmt.Sprintf("signing ID token: %v", err))
	}
	return signed
}

// TokenForms returns a copy of every form posted to the token endpoint,
// in order
func (i *IdP) TokenForms() []url.Values {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.tokenForms)
}

// Polls returns how many device token polls arrived
func (i *IdP) Polls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.polls
}

func (i *IdP) issueCode(params url.Values) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	code := fmt.Sprintf("code-%d", len(i.codes)+1)
	i.codes[code] = authRequest{
		challenge: params.Get("code_challenge"),
		method:    params.Get("code_challenge_method"),
		nonce:     params.Get("nonce"),
		openid:    slices.Contains(strings.Fields(params.Get("scope")), "openid"),
	}
	return code
}

func (i *IdP) nextAccessToken() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokenSeq++
	return fmt.Sprintf("at-%d", i.tokenSeq)
}

// authenticate checks the client identity however the request presented
// it. Assertions are accepted by presence; their signatures are checked
// by the package tests that mint them.
func (i *IdP) authenticate(r *http.Request) bool {
	if id, secret, ok := r.BasicAuth(); ok {
		return id == i.ClientID && secret == i.ClientSecret
	}
	if r.PostFormValue("client_assertion") != "" {
		return true
	}
	if r.PostFormValue("client_id") != i.ClientID {
		return false
	}
	if secret := r.PostFormValue("client_secret"); secret != "" {
		return secret == i.ClientSecret
	}
	return true
}

func (i *IdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeWireError(w, "invalid_request", "unparsable form")
		return
	}
	i.mu.Lock()
	i.tokenForms = append(i.tokenForms, cloneValues(r.PostForm))
	i.mu.Unlock()

	if !i.authenticate(r) {
		writeWireError(w, "invalid_client", "client authentication failed")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		i.redeemCode(w, r)
	case "refresh_token":
		i.redeemRefreshToken(w, r)
	case "client_credentials":
		i.writeTokens(w, tokenOptions{scope: r.PostFormValue("scope")})
	case "urn:ietf:params:oauth:grant-type:device_code":
		i.answerDevicePoll(w, r)
	default:
		writeWireError(w, "unsupported_grant_type", "unknown grant type")
	}
}

func (i *IdP) redeemCode(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	reg, ok := i.codes[r.PostFormValue("code")]
	// Codes are single use.
	delete(i.codes, r.PostFormValue("code"))
	i.mu.Unlock()

	if !ok {
		writeWireError(w, "invalid_grant", "unknown or already redeemed code")
		return
	}
	if reg.challenge != "" {
		verifier := r.PostFormValue("code_verifier")
		if verifier == "" {
			writeWireError(w, "invalid_grant", "code verifier is required")
			return
		}
		if !challengeMatches(reg, verifier) {
			writeWireError(w, "invalid_grant", "PKCE verification failed")
			return
		}
	}

	opts := tokenOptions{refresh: true}
	if reg.openid || reg.nonce != "" {
		opts.idToken = i.MintIDToken(reg.nonce)
	}
	i.writeTokens(w, opts)
}

func (i *IdP) redeemRefreshToken(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.PostFormValue("refresh_token"), "rt-") {
		writeWireError(w, "invalid_grant", "unknown refresh token")
		return
	}
	i.writeTokens(w, tokenOptions{refresh: true})
}

func (i *IdP) answerDevicePoll(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.PostFormValue("device_code"), "dev-") {
		writeWireError(w, "invalid_grant", "unknown device code")
		return
	}

	i.mu.Lock()
	i.polls++
	pending := i.polls <= i.PendingPolls
	deviceErr := i.DeviceError
	i.mu.Unlock()

	if deviceErr != "" {
		writeWireError(w, deviceErr, "scripted device outcome")
		return
	}
	if pending {
		writeWireError(w, "authorization_pending", "user has not approved yet")
		return
	}
	i.writeTokens(w, tokenOptions{refresh: true})
}

func (i *IdP) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeWireError(w, "invalid_request", "unparsable form")
		return
	}
	if !i.authenticate(r) {
		writeWireError(w, "invalid_client", "client authentication failed")
		return
	}

	i.mu.Lock()
	i.deviceSeq++
	seq := i.deviceSeq
	i.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":               fmt.Sprintf("dev-%d", seq),
		"user_code":                 "WDJB-MJHT",
		"verification_uri":          i.Issuer() + "/device",
		"verification_uri_complete": i.Issuer() + "/device?user_code=WDJB-MJHT",
		"expires_in":                1800,
		"interval":                  1,
	})
}

func (i *IdP) handlePAR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeWireError(w, "invalid_request", "unparsable form")
		return
	}
	if !i.authenticate(r) {
		writeWireError(w, "invalid_client", "client authentication failed")
		return
	}
	if r.PostFormValue("request_uri") != "" {
		writeWireError(w, "invalid_request", "request_uri must not be pushed")
		return
	}

	i.mu.Lock()
	i.parSeq++
	requestURI := fmt.Sprintf("urn:ietf:params:oauth:request_uri:%d", i.parSeq)
	i.pushed[requestURI] = cloneValues(r.PostForm)
	i.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  60,
	})
}

func (i *IdP) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := &i.Key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": i.KeyID,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (i *IdP) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	ep := i.Endpoints()
	writeJSON(w, http.StatusOK, pingone.Document{
		Issuer:                             ep.Issuer,
		AuthorizationEndpoint:              ep.Authorization,
		TokenEndpoint:                      ep.Token,
		DeviceAuthorizationEndpoint:        ep.DeviceAuthorization,
		PushedAuthorizationRequestEndpoint: ep.PushedAuthorization,
		UserInfoEndpoint:                   ep.UserInfo,
		RevocationEndpoint:                 ep.Revocation,
		JWKSUri:                            ep.JWKS,
		ScopesSupported:                    []string{"openid", "profile", "email"},
		ResponseTypesSupported:             []string{"code", "token", "id_token"},
		CodeChallengeMethodsSupported:      []string{"S256", "plain"},
	})
}

type tokenOptions struct {
	refresh bool
	idToken string
	scope   string
}

func (i *IdP) writeTokens(w http.ResponseWriter, opts tokenOptions) {
	body := map[string]any{
		"access_token": i.nextAccessToken(),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if opts.refresh {
		i.mu.Lock()
		body["refresh_token"] = fmt.Sprintf("rt-%d", i.tokenSeq)
		i.mu.Unlock()
	}
	if opts.idToken != "" {
		body["id_token"] = opts.idToken
	}
	if opts.scope != "" {
		body["scope"] = opts.scope
	}
	writeJSON(w, http.StatusOK, body)
}

func challengeMatches(reg authRequest, verifier string) bool {
	switch reg.method {
	case "plain":
		return verifier == reg.challenge
	default:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]) == reg.challenge
	}
}

func writeWireError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = slices.Clone(vals)
	}
	return out
}
