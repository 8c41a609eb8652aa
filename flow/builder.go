package flow

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/curtismu7/oauth-playground/faults"
)

// reservedParams are assembled by the builder itself and cannot be
// smuggled in through Extra.
var reservedParams = map[string]bool{
	"client_id":             true,
	"response_type":         true,
	"redirect_uri":          true,
	"scope":                 true,
	"state":                 true,
	"nonce":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
	"response_mode":         true,
	"request_uri":           true,
}

// BuilderConfig holds the authorization request builder configuration
type BuilderConfig struct {
	// Credentials is the client identity requests are built for
	Credentials Credentials

	// Endpoint is the authorization endpoint URL
	Endpoint string
}

// Builder assembles authorization request URLs for every front-channel
// flow under one set of rules. The same builder serves authorization-code,
// implicit, and hybrid requests; per-flow differences live in the input
// validation and the response_type, not in separate builders.
type Builder struct {
	creds    Credentials
	endpoint string
}

// NewBuilder creates an authorization request builder
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "invalid credentials")
	}
	if cfg.Endpoint == "" {
		return nil, faults.New(faults.CategoryConfiguration, "authorization endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "invalid authorization endpoint")
	}
	return &Builder{creds: cfg.Credentials, endpoint: cfg.Endpoint}, nil
}

// BuildInput describes one authorization request
type BuildInput struct {
	// FlowType selects the flow. Only front-channel flows build
	// authorization requests; device-code and client-credentials are
	// rejected as configuration errors.
	FlowType FlowType

	// SpecVersion selects the protocol profile. Empty defaults to oauth2.
	SpecVersion SpecVersion

	// State binds the callback to this request. Required.
	State string

	// Nonce binds the ID token to this request. Required for implicit and
	// hybrid, not attached otherwise.
	Nonce string

	// Challenge and ChallengeMethod attach proof-key parameters. The
	// oauth21 profile requires them on the authorization-code flow.
	Challenge       string
	ChallengeMethod string

	// Scopes override the credential defaults when non-empty
	Scopes []string

	// OfflineAccess asks for a refresh token by scope on OIDC
	// authorization-code requests
	OfflineAccess bool

	// ResponseMode explicitly selects how the response comes back. It wins
	// over FragmentModeLegacy and the flow default.
	ResponseMode ResponseMode

	// FragmentModeLegacy is the deprecated toggle that forced fragment
	// responses before response modes were first-class. An explicit
	// ResponseMode wins over it.
	FragmentModeLegacy bool

	// ResponseType overrides the default response type for the flow.
	// Mostly useful for hybrid variants like "code token".
	ResponseType string

	// Optional request parameters, attached only when present
	Prompt      string
	LoginHint   string
	IDTokenHint string
	MaxAge      *int
	ACRValues   string
	UILocales   string
	Display     string

	// Extra passes provider-specific parameters through untouched.
	// Keys the builder assembles itself are rejected.
	Extra url.Values
}

// BuildResult is an assembled authorization request
type BuildResult struct {
	// URL is the complete authorization request URL
	URL string

	// Params is the assembled parameter set. A PAR push sends exactly
	// these values to the PAR endpoint instead of the front channel.
	Params url.Values

	// ResponseType actually requested
	ResponseType string

	// ResponseMode in effect, including the flow default when the URL
	// carries no response_mode parameter
	ResponseMode ResponseMode

	// Scopes actually requested
	Scopes []string
}

// Build assembles the authorization request for the flow
func (b *Builder) Build(in BuildInput) (*BuildResult, error) {
	if in.FlowType == FlowDeviceCode || in.FlowType == FlowClientCredentials {
		return nil, faults.New(faults.CategoryConfiguration,
			"the "+string(in.FlowType)+" flow does not use the authorization endpoint").
			WithRecovery("start the flow through its own entry point instead of building an authorization URL")
	}
	if !in.FlowType.Valid() {
		return nil, faults.New(faults.CategoryValidation, "unknown flow type "+strconv.Quote(string(in.FlowType)))
	}

	spec := in.SpecVersion
	if spec == "" {
		spec = SpecOAuth2
	}
	if !spec.Valid() {
		return nil, faults.New(faults.CategoryValidation, "unknown spec version "+strconv.Quote(string(in.SpecVersion)))
	}
	if spec == SpecOAuth21 && in.FlowType != FlowAuthorizationCode {
		return nil, faults.New(faults.CategoryConfiguration,
			"the oauth21 profile omits the "+string(in.FlowType)+" flow").
			WithRecovery("use the authorization-code flow with PKCE, or select the oauth2 profile")
	}

	if in.State == "" {
		return nil, faults.New(faults.CategoryValidation, "state is required")
	}

	responseType, err := responseTypeFor(in.FlowType, spec, in.ResponseType)
	if err != nil {
		return nil, err
	}
	mode, includeMode, err := responseModeFor(in)
	if err != nil {
		return nil, err
	}
	if err := checkProofKey(in, spec); err != nil {
		return nil, err
	}
	scopes := b.effectiveScopes(in, spec)

	v := url.Values{}
	v.Set("client_id", b.creds.ClientID)
	v.Set("response_type", responseType)

	// pi.flow answers inline instead of redirecting, so it is the one mode
	// that works without a redirect URI.
	if b.creds.RedirectURI == "" && mode != ResponseModePiFlow {
		return nil, faults.New(faults.CategoryValidation,
			"a redirect URI is required for "+string(mode)+" responses")
	}
	if b.creds.RedirectURI != "" {
		v.Set("redirect_uri", b.creds.RedirectURI)
	}

	if len(scopes) > 0 {
		v.Set("scope", strings.Join(scopes, " "))
	}
	v.Set("state", in.State)

	if in.FlowType == FlowImplicit || in.FlowType == FlowHybrid {
		if in.Nonce == "" {
			return nil, faults.New(faults.CategoryValidation,
				"a nonce is required for the "+string(in.FlowType)+" flow")
		}
		v.Set("nonce", in.Nonce)
	}

	if in.Challenge != "" {
		method := in.ChallengeMethod
		if method == "" {
			method = "S256"
		}
		v.Set("code_challenge", in.Challenge)
		v.Set("code_challenge_method", method)
	}

	if includeMode {
		v.Set("response_mode", string(mode))
	}

	setIfPresent(v, "prompt", in.Prompt)
	setIfPresent(v, "login_hint", in.LoginHint)
	setIfPresent(v, "id_token_hint", in.IDTokenHint)
	setIfPresent(v, "acr_values", in.ACRValues)
	setIfPresent(v, "ui_locales", in.UILocales)
	setIfPresent(v, "display", in.Display)
	if in.MaxAge != nil {
		// max_age=0 is meaningful: it forces reauthentication
		v.Set("max_age", strconv.Itoa(*in.MaxAge))
	}

	for key, vals := range in.Extra {
		if reservedParams[key] {
			return nil, faults.New(faults.CategoryValidation,
				"extra parameter "+strconv.Quote(key)+" would override a reserved parameter")
		}
		for _, val := range vals {
			v.Add(key, val)
		}
	}

	u, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "invalid authorization endpoint")
	}
	u.RawQuery = v.Encode()

	return &BuildResult{
		URL:          u.String(),
		Params:       v,
		ResponseType: responseType,
		ResponseMode: mode,
		Scopes:       scopes,
	}, nil
}

// BuildPARURL emits the minimal authorization URL for a pushed request:
// client_id and request_uri only. Everything else already lives at the
// provider under the request_uri.
func (b *Builder) BuildPARURL(requestURI string) (string, error) {
	if requestURI == "" {
		return "", faults.New(faults.CategoryValidation, "request_uri is required")
	}
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return "", faults.Wrap(err, faults.CategoryConfiguration, "invalid authorization endpoint")
	}
	v := url.Values{}
	v.Set("client_id", b.creds.ClientID)
	v.Set("request_uri", requestURI)
	u.RawQuery = v.Encode()
	return u.String(), nil
}

// responseTypeFor resolves the response_type for the flow under the
// selected profile. Response types carrying id_token need the oidc
// profile, since only it establishes the ID token semantics.
func responseTypeFor(flowType FlowType, spec SpecVersion, override string) (string, error) {
	var resolved string
	switch flowType {
	case FlowAuthorizationCode:
		if override != "" && override != "code" {
			return "", faults.New(faults.CategoryValidation,
				"the authorization-code flow always uses response_type=code")
		}
		resolved = "code"
	case FlowImplicit:
		switch override {
		case "":
			if spec == SpecOIDC {
				resolved = "id_token token"
			} else {
				resolved = "token"
			}
		case "token", "id_token", "id_token token":
			resolved = override
		default:
			return "", faults.New(faults.CategoryValidation,
				"invalid implicit response type "+strconv.Quote(override))
		}
	case FlowHybrid:
		switch override {
		case "":
			if spec == SpecOIDC {
				resolved = "code id_token"
			} else {
				resolved = "code token"
			}
		case "code id_token", "code token", "code id_token token":
			resolved = override
		default:
			return "", faults.New(faults.CategoryValidation,
				"invalid hybrid response type "+strconv.Quote(override))
		}
	default:
		return "", faults.New(faults.CategoryValidation, "unknown flow type "+strconv.Quote(string(flowType)))
	}

	if spec != SpecOIDC && strings.Contains(resolved, "id_token") {
		return "", faults.New(faults.CategoryValidation,
			"response type "+strconv.Quote(resolved)+" requires the oidc profile")
	}
	return resolved, nil
}

// flowDefaultMode is the mode providers use when the request carries no
// response_mode parameter
func flowDefaultMode(flowType FlowType) ResponseMode {
	if flowType == FlowAuthorizationCode {
		return ResponseModeQuery
	}
	return ResponseModeFragment
}

// responseModeFor resolves the effective response mode. Precedence:
// explicit mode, then the legacy fragment toggle, then the flow default.
// The parameter is only emitted when the effective mode differs from the
// default the provider would use anyway.
func responseModeFor(in BuildInput) (ResponseMode, bool, error) {
	def := flowDefaultMode(in.FlowType)
	if in.ResponseMode != "" {
		if !in.ResponseMode.Valid() {
			return "", false, faults.New(faults.CategoryValidation,
				"unknown response mode "+strconv.Quote(string(in.ResponseMode)))
		}
		return in.ResponseMode, in.ResponseMode != def, nil
	}
	if in.FragmentModeLegacy {
		return ResponseModeFragment, ResponseModeFragment != def, nil
	}
	return def, false, nil
}

// checkProofKey validates the PKCE inputs against the flow and profile
func checkProofKey(in BuildInput, spec SpecVersion) error {
	if in.Challenge == "" && in.ChallengeMethod != "" {
		return faults.New(faults.CategoryValidation, "challenge method given without a challenge")
	}
	if in.Challenge != "" {
		switch in.ChallengeMethod {
		case "", "S256", "plain":
		default:
			return faults.New(faults.CategoryValidation,
				"unknown challenge method "+strconv.Quote(in.ChallengeMethod))
		}
	}

	switch in.FlowType {
	case FlowAuthorizationCode:
		if spec == SpecOAuth21 && in.Challenge == "" {
			return faults.New(faults.CategoryValidation,
				"the oauth21 profile requires PKCE on the authorization-code flow")
		}
	case FlowImplicit:
		if in.Challenge != "" {
			return faults.New(faults.CategoryValidation,
				"the implicit flow has no token exchange to present a verifier to")
		}
	}
	return nil
}

// effectiveScopes resolves the scope list: input overrides credentials,
// the oidc profile guarantees openid, and OfflineAccess appends
// offline_access on flows that can redeem it.
func (b *Builder) effectiveScopes(in BuildInput, spec SpecVersion) []string {
	base := in.Scopes
	if len(base) == 0 {
		base = b.creds.Scopes
	}

	out := make([]string, 0, len(base)+2)
	seen := make(map[string]bool, len(base)+2)
	for _, s := range base {
		if s == "" || seen[s] {
			continue
		}
		out = append(out, s)
		seen[s] = true
	}

	if spec == SpecOIDC && !seen["openid"] {
		out = append([]string{"openid"}, out...)
		seen["openid"] = true
	}
	if in.OfflineAccess && spec == SpecOIDC && in.FlowType == FlowAuthorizationCode && !seen["offline_access"] {
		out = append(out, "offline_access")
	}
	return out
}

func setIfPresent(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
