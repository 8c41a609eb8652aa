package flow

import (
	"net/url"
	"strings"
	"testing"

	"github.com/curtismu7/oauth-playground/faults"
)

const testAuthEndpoint = "https://auth.pingone.com/env-1/as/authorize"

func testCreds() Credentials {
	return Credentials{
		ClientID:    "playground-client",
		RedirectURI: "https://app.example.com/callback",
		Scopes:      []string{"read"},
	}
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(BuilderConfig{Credentials: testCreds(), Endpoint: testAuthEndpoint})
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	return b
}

// queryOf re-parses the built URL so assertions run against what a
// browser would actually send
func queryOf(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("built URL does not parse: %v", err)
	}
	return u.Query()
}

func TestNewBuilder(t *testing.T) {
	if _, err := NewBuilder(BuilderConfig{Credentials: testCreds(), Endpoint: testAuthEndpoint}); err != nil {
		t.Errorf("NewBuilder() with valid config error = %v", err)
	}
	if _, err := NewBuilder(BuilderConfig{Credentials: Credentials{}, Endpoint: testAuthEndpoint}); err == nil {
		t.Error("NewBuilder() without client ID succeeded, want error")
	}
	if _, err := NewBuilder(BuilderConfig{Credentials: testCreds()}); err == nil {
		t.Error("NewBuilder() without endpoint succeeded, want error")
	}
}

func TestBuilder_Build_AuthorizationCodeDefaults(t *testing.T) {
	b := newTestBuilder(t)

	result, err := b.Build(BuildInput{
		FlowType: FlowAuthorizationCode,
		State:    "playground-authorization-code-abc",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if result.ResponseType != "code" {
		t.Errorf("ResponseType = %q, want %q", result.ResponseType, "code")
	}
	if result.ResponseMode != ResponseModeQuery {
		t.Errorf("ResponseMode = %q, want %q", result.ResponseMode, ResponseModeQuery)
	}

	q := queryOf(t, result.URL)
	if got := q.Get("client_id"); got != "playground-client" {
		t.Errorf("client_id = %q, want %q", got, "playground-client")
	}
	if got := q.Get("response_type"); got != "code" {
		t.Errorf("response_type = %q, want %q", got, "code")
	}
	if got := q.Get("state"); got != "playground-authorization-code-abc" {
		t.Errorf("state = %q, want the input state", got)
	}
	if got := q.Get("redirect_uri"); got != "https://app.example.com/callback" {
		t.Errorf("redirect_uri = %q, want the credential redirect", got)
	}
	if got := q.Get("scope"); got != "read" {
		t.Errorf("scope = %q, want %q", got, "read")
	}
	// The default mode needs no parameter, providers assume it
	if q.Has("response_mode") {
		t.Errorf("response_mode = %q, want absent", q.Get("response_mode"))
	}
	if q.Has("nonce") {
		t.Errorf("nonce = %q, want absent on authorization-code", q.Get("nonce"))
	}
}

func TestBuilder_Build_ParamsMatchURL(t *testing.T) {
	b := newTestBuilder(t)

	result, err := b.Build(BuildInput{
		FlowType:  FlowAuthorizationCode,
		State:     "s",
		Challenge: strings.Repeat("c", 43),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	q := queryOf(t, result.URL)
	if q.Encode() != result.Params.Encode() {
		t.Errorf("URL query = %q, Params = %q, want identical", q.Encode(), result.Params.Encode())
	}
}

func TestBuilder_Build_ResponseTypes(t *testing.T) {
	tests := []struct {
		name     string
		in       BuildInput
		want     string
		wantErr  bool
		category faults.Category
	}{
		{
			name: "implicit under oauth2",
			in:   BuildInput{FlowType: FlowImplicit, State: "s", Nonce: "n"},
			want: "token",
		},
		{
			name: "implicit under oidc",
			in:   BuildInput{FlowType: FlowImplicit, SpecVersion: SpecOIDC, State: "s", Nonce: "n"},
			want: "id_token token",
		},
		{
			name: "hybrid under oidc",
			in:   BuildInput{FlowType: FlowHybrid, SpecVersion: SpecOIDC, State: "s", Nonce: "n"},
			want: "code id_token",
		},
		{
			name: "hybrid under oauth2",
			in:   BuildInput{FlowType: FlowHybrid, State: "s", Nonce: "n"},
			want: "code token",
		},
		{
			name: "hybrid full override",
			in: BuildInput{
				FlowType: FlowHybrid, SpecVersion: SpecOIDC, State: "s", Nonce: "n",
				ResponseType: "code id_token token",
			},
			want: "code id_token token",
		},
		{
			name: "hybrid rejects arbitrary override",
			in: BuildInput{
				FlowType: FlowHybrid, SpecVersion: SpecOIDC, State: "s", Nonce: "n",
				ResponseType: "code foo",
			},
			wantErr:  true,
			category: faults.CategoryValidation,
		},
		{
			name: "id_token needs the oidc profile",
			in: BuildInput{
				FlowType: FlowImplicit, State: "s", Nonce: "n",
				ResponseType: "id_token token",
			},
			wantErr:  true,
			category: faults.CategoryValidation,
		},
		{
			name: "authorization-code rejects override",
			in: BuildInput{
				FlowType: FlowAuthorizationCode, State: "s",
				ResponseType: "token",
			},
			wantErr:  true,
			category: faults.CategoryValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(t)
			result, err := b.Build(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Build() succeeded, want error")
				}
				if cat := faults.Classify(err).Category; cat != tt.category {
					t.Errorf("Build() error category = %q, want %q", cat, tt.category)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if result.ResponseType != tt.want {
				t.Errorf("ResponseType = %q, want %q", result.ResponseType, tt.want)
			}
		})
	}
}

func TestBuilder_Build_BackChannelFlowsRejected(t *testing.T) {
	b := newTestBuilder(t)

	for _, flowType := range []FlowType{FlowDeviceCode, FlowClientCredentials} {
		t.Run(string(flowType), func(t *testing.T) {
			_, err := b.Build(BuildInput{FlowType: flowType, State: "s"})
			if err == nil {
				t.Fatal("Build() succeeded, want error")
			}
			classified := faults.Classify(err)
			if classified.Category != faults.CategoryConfiguration {
				t.Errorf("category = %q, want %q", classified.Category, faults.CategoryConfiguration)
			}
			if classified.Retryable {
				t.Error("Retryable = true, want false")
			}
		})
	}
}

func TestBuilder_Build_ResponseModePrecedence(t *testing.T) {
	tests := []struct {
		name      string
		in        BuildInput
		wantMode  ResponseMode
		wantParam string
	}{
		{
			name:      "explicit mode wins over legacy toggle",
			in:        BuildInput{FlowType: FlowAuthorizationCode, State: "s", ResponseMode: ResponseModeQuery, FragmentModeLegacy: true},
			wantMode:  ResponseModeQuery,
			wantParam: "",
		},
		{
			name:      "explicit form_post is emitted",
			in:        BuildInput{FlowType: FlowAuthorizationCode, State: "s", ResponseMode: ResponseModeFormPost},
			wantMode:  ResponseModeFormPost,
			wantParam: "form_post",
		},
		{
			name:      "legacy toggle forces fragment",
			in:        BuildInput{FlowType: FlowAuthorizationCode, State: "s", FragmentModeLegacy: true},
			wantMode:  ResponseModeFragment,
			wantParam: "fragment",
		},
		{
			name:      "legacy toggle matches the implicit default",
			in:        BuildInput{FlowType: FlowImplicit, State: "s", Nonce: "n", FragmentModeLegacy: true},
			wantMode:  ResponseModeFragment,
			wantParam: "",
		},
		{
			name:      "flow default applies without input",
			in:        BuildInput{FlowType: FlowImplicit, State: "s", Nonce: "n"},
			wantMode:  ResponseModeFragment,
			wantParam: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(t)
			result, err := b.Build(tt.in)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if result.ResponseMode != tt.wantMode {
				t.Errorf("ResponseMode = %q, want %q", result.ResponseMode, tt.wantMode)
			}
			if got := queryOf(t, result.URL).Get("response_mode"); got != tt.wantParam {
				t.Errorf("response_mode param = %q, want %q", got, tt.wantParam)
			}
		})
	}
}

func TestBuilder_Build_UnknownResponseMode(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.Build(BuildInput{FlowType: FlowAuthorizationCode, State: "s", ResponseMode: "web_message"})
	if err == nil {
		t.Fatal("Build() with unknown response mode succeeded, want error")
	}
}

func TestBuilder_Build_ProofKeyRules(t *testing.T) {
	challenge := strings.Repeat("c", 43)

	tests := []struct {
		name    string
		in      BuildInput
		wantErr bool
	}{
		{
			name:    "oauth21 requires a challenge",
			in:      BuildInput{FlowType: FlowAuthorizationCode, SpecVersion: SpecOAuth21, State: "s"},
			wantErr: true,
		},
		{
			name: "oauth21 with challenge",
			in:   BuildInput{FlowType: FlowAuthorizationCode, SpecVersion: SpecOAuth21, State: "s", Challenge: challenge},
		},
		{
			name: "oauth2 challenge is optional",
			in:   BuildInput{FlowType: FlowAuthorizationCode, State: "s"},
		},
		{
			name:    "implicit rejects a challenge",
			in:      BuildInput{FlowType: FlowImplicit, State: "s", Nonce: "n", Challenge: challenge},
			wantErr: true,
		},
		{
			name: "hybrid accepts a challenge",
			in:   BuildInput{FlowType: FlowHybrid, SpecVersion: SpecOIDC, State: "s", Nonce: "n", Challenge: challenge},
		},
		{
			name:    "method without challenge",
			in:      BuildInput{FlowType: FlowAuthorizationCode, State: "s", ChallengeMethod: "S256"},
			wantErr: true,
		},
		{
			name:    "unknown method",
			in:      BuildInput{FlowType: FlowAuthorizationCode, State: "s", Challenge: challenge, ChallengeMethod: "S512"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(t)
			_, err := b.Build(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuilder_Build_ChallengeMethodDefaultsToS256(t *testing.T) {
	b := newTestBuilder(t)

	result, err := b.Build(BuildInput{
		FlowType:  FlowAuthorizationCode,
		State:     "s",
		Challenge: strings.Repeat("c", 43),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	q := queryOf(t, result.URL)
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q, want %q", got, "S256")
	}
	if got := q.Get("code_challenge"); got != strings.Repeat("c", 43) {
		t.Errorf("code_challenge = %q, want the input challenge", got)
	}
}

func TestBuilder_Build_OAuth21OmitsLegacyFlows(t *testing.T) {
	b := newTestBuilder(t)

	for _, flowType := range []FlowType{FlowImplicit, FlowHybrid} {
		t.Run(string(flowType), func(t *testing.T) {
			_, err := b.Build(BuildInput{FlowType: flowType, SpecVersion: SpecOAuth21, State: "s", Nonce: "n"})
			if err == nil {
				t.Fatal("Build() succeeded, want error")
			}
			if cat := faults.Classify(err).Category; cat != faults.CategoryConfiguration {
				t.Errorf("category = %q, want %q", cat, faults.CategoryConfiguration)
			}
		})
	}
}

func TestBuilder_Build_NonceRules(t *testing.T) {
	b := newTestBuilder(t)

	if _, err := b.Build(BuildInput{FlowType: FlowImplicit, State: "s"}); err == nil {
		t.Error("implicit Build() without nonce succeeded, want error")
	}
	if _, err := b.Build(BuildInput{FlowType: FlowHybrid, SpecVersion: SpecOIDC, State: "s"}); err == nil {
		t.Error("hybrid Build() without nonce succeeded, want error")
	}

	result, err := b.Build(BuildInput{FlowType: FlowImplicit, State: "s", Nonce: "my-nonce"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := queryOf(t, result.URL).Get("nonce"); got != "my-nonce" {
		t.Errorf("nonce = %q, want %q", got, "my-nonce")
	}
}

func TestBuilder_Build_StateRequired(t *testing.T) {
	b := newTestBuilder(t)
	if _, err := b.Build(BuildInput{FlowType: FlowAuthorizationCode}); err == nil {
		t.Fatal("Build() without state succeeded, want error")
	}
}

func TestBuilder_Build_Scopes(t *testing.T) {
	tests := []struct {
		name string
		in   BuildInput
		want string
	}{
		{
			name: "input scopes override credentials",
			in:   BuildInput{FlowType: FlowAuthorizationCode, State: "s", Scopes: []string{"email", "profile"}},
			want: "email profile",
		},
		{
			name: "oidc guarantees openid first",
			in:   BuildInput{FlowType: FlowAuthorizationCode, SpecVersion: SpecOIDC, State: "s"},
			want: "openid read",
		},
		{
			name: "openid is not doubled",
			in:   BuildInput{FlowType: FlowAuthorizationCode, SpecVersion: SpecOIDC, State: "s", Scopes: []string{"openid", "email"}},
			want: "openid email",
		},
		{
			name: "offline access appends a scope",
			in:   BuildInput{FlowType: FlowAuthorizationCode, SpecVersion: SpecOIDC, State: "s", OfflineAccess: true},
			want: "openid read offline_access",
		},
		{
			name: "offline access needs oidc",
			in:   BuildInput{FlowType: FlowAuthorizationCode, State: "s", OfflineAccess: true},
			want: "read",
		},
		{
			name: "duplicate scopes collapse",
			in:   BuildInput{FlowType: FlowAuthorizationCode, State: "s", Scopes: []string{"read", "read", "write"}},
			want: "read write",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(t)
			result, err := b.Build(tt.in)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if got := queryOf(t, result.URL).Get("scope"); got != tt.want {
				t.Errorf("scope = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuilder_Build_OptionalParams(t *testing.T) {
	b := newTestBuilder(t)
	maxAge := 0

	result, err := b.Build(BuildInput{
		FlowType:  FlowAuthorizationCode,
		State:     "s",
		Prompt:    "login",
		LoginHint: "user@example.com",
		ACRValues: "urn:acr:phone",
		Display:   "popup",
		MaxAge:    &maxAge,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	q := queryOf(t, result.URL)
	if got := q.Get("prompt"); got != "login" {
		t.Errorf("prompt = %q, want %q", got, "login")
	}
	if got := q.Get("login_hint"); got != "user@example.com" {
		t.Errorf("login_hint = %q, want %q", got, "user@example.com")
	}
	if got := q.Get("acr_values"); got != "urn:acr:phone" {
		t.Errorf("acr_values = %q, want %q", got, "urn:acr:phone")
	}
	if got := q.Get("display"); got != "popup" {
		t.Errorf("display = %q, want %q", got, "popup")
	}
	if got := q.Get("max_age"); got != "0" {
		t.Errorf("max_age = %q, want %q", got, "0")
	}
	if q.Has("ui_locales") {
		t.Errorf("ui_locales = %q, want absent", q.Get("ui_locales"))
	}
}

func TestBuilder_Build_ExtraParams(t *testing.T) {
	b := newTestBuilder(t)

	result, err := b.Build(BuildInput{
		FlowType: FlowAuthorizationCode,
		State:    "s",
		Extra:    url.Values{"aud": {"https://api.example.com"}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := queryOf(t, result.URL).Get("aud"); got != "https://api.example.com" {
		t.Errorf("aud = %q, want the extra value", got)
	}

	_, err = b.Build(BuildInput{
		FlowType: FlowAuthorizationCode,
		State:    "s",
		Extra:    url.Values{"state": {"spoofed"}},
	})
	if err == nil {
		t.Fatal("Build() with reserved extra key succeeded, want error")
	}
}

func TestBuilder_Build_PiFlowNeedsNoRedirect(t *testing.T) {
	creds := testCreds()
	creds.RedirectURI = ""
	b, err := NewBuilder(BuilderConfig{Credentials: creds, Endpoint: testAuthEndpoint})
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}

	if _, err := b.Build(BuildInput{FlowType: FlowAuthorizationCode, State: "s"}); err == nil {
		t.Error("query Build() without redirect URI succeeded, want error")
	}

	result, err := b.Build(BuildInput{
		FlowType:     FlowAuthorizationCode,
		State:        "s",
		ResponseMode: ResponseModePiFlow,
	})
	if err != nil {
		t.Fatalf("pi.flow Build() error = %v", err)
	}
	q := queryOf(t, result.URL)
	if q.Has("redirect_uri") {
		t.Errorf("redirect_uri = %q, want absent", q.Get("redirect_uri"))
	}
	if got := q.Get("response_mode"); got != "pi.flow" {
		t.Errorf("response_mode = %q, want %q", got, "pi.flow")
	}
}

func TestBuilder_BuildPARURL(t *testing.T) {
	b := newTestBuilder(t)

	got, err := b.BuildPARURL("urn:ietf:params:oauth:request_uri:abc123")
	if err != nil {
		t.Fatalf("BuildPARURL() error = %v", err)
	}

	q := queryOf(t, got)
	if len(q) != 2 {
		t.Errorf("PAR URL carries %d params, want exactly client_id and request_uri", len(q))
	}
	if q.Get("client_id") != "playground-client" {
		t.Errorf("client_id = %q, want %q", q.Get("client_id"), "playground-client")
	}
	if q.Get("request_uri") != "urn:ietf:params:oauth:request_uri:abc123" {
		t.Errorf("request_uri = %q, want the pushed handle", q.Get("request_uri"))
	}

	if _, err := b.BuildPARURL(""); err == nil {
		t.Error("BuildPARURL() with empty request URI succeeded, want error")
	}
}
