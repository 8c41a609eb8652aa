package flow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/curtismu7/oauth-playground/faults"
)

func newPARGateway(t *testing.T, creds Credentials, endpoint string) *PARGateway {
	t.Helper()
	g, err := NewPARGateway(PARConfig{Credentials: creds, Endpoint: endpoint})
	if err != nil {
		t.Fatalf("NewPARGateway() error = %v", err)
	}
	return g
}

func buildParams() url.Values {
	return url.Values{
		"client_id":     {"playground-client"},
		"response_type": {"code"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"state":         {"playground-authorization-code-abc"},
		"scope":         {"read"},
	}
}

func TestNewPARGateway_RequiresEndpoint(t *testing.T) {
	if _, err := NewPARGateway(PARConfig{Credentials: testCreds()}); err == nil {
		t.Fatal("NewPARGateway() without endpoint succeeded, want error")
	}
}

func TestPARGateway_Push_Success(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q, want form encoding", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"request_uri":"urn:ietf:params:oauth:request_uri:abc","expires_in":60}`))
	}))
	defer server.Close()

	g := newPARGateway(t, testCreds(), server.URL)
	result, err := g.Push(context.Background(), buildParams())
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if result.RequestURI != "urn:ietf:params:oauth:request_uri:abc" {
		t.Errorf("RequestURI = %q, want the provider's handle", result.RequestURI)
	}
	if result.ExpiresIn != 60*time.Second {
		t.Errorf("ExpiresIn = %v, want %v", result.ExpiresIn, 60*time.Second)
	}
	if gotForm.Get("response_type") != "code" {
		t.Errorf("pushed response_type = %q, want %q", gotForm.Get("response_type"), "code")
	}
	if gotForm.Get("state") != "playground-authorization-code-abc" {
		t.Errorf("pushed state = %q, want the assembled state", gotForm.Get("state"))
	}
}

func TestPARGateway_Push_MissingRequestURI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"expires_in":60}`))
	}))
	defer server.Close()

	g := newPARGateway(t, testCreds(), server.URL)
	_, err := g.Push(context.Background(), buildParams())
	if err == nil {
		t.Fatal("Push() succeeded, want error for missing request_uri")
	}
	if !errors.Is(err, ErrPARMissingRequestURI) {
		t.Errorf("error = %v, want ErrPARMissingRequestURI in the chain", err)
	}
	if cat := faults.Classify(err).Category; cat != faults.CategoryValidation {
		t.Errorf("category = %q, want %q", cat, faults.CategoryValidation)
	}
}

func TestPARGateway_Push_WireError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_request","error_description":"redirect_uri not registered"}`))
	}))
	defer server.Close()

	g := newPARGateway(t, testCreds(), server.URL)
	_, err := g.Push(context.Background(), buildParams())
	if err == nil {
		t.Fatal("Push() succeeded, want wire error")
	}

	classified := faults.Classify(err)
	if classified.Code != "invalid_request" {
		t.Errorf("Code = %q, want %q", classified.Code, "invalid_request")
	}
	if classified.Retryable {
		t.Error("invalid_request Retryable = true, want false")
	}
}

func TestPARGateway_Push_ServerErrorWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	g := newPARGateway(t, testCreds(), server.URL)
	_, err := g.Push(context.Background(), buildParams())
	if err == nil {
		t.Fatal("Push() succeeded, want error")
	}

	classified := faults.Classify(err)
	if classified.Category != faults.CategoryNetwork {
		t.Errorf("category = %q, want %q", classified.Category, faults.CategoryNetwork)
	}
	if !classified.Retryable {
		t.Error("5xx without wire code Retryable = false, want true")
	}
}

func TestPARGateway_Push_ClientAuthentication(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		check func(t *testing.T, r *http.Request)
	}{
		{
			name: "basic auth on the header",
			creds: Credentials{
				ClientID:     "playground-client",
				ClientSecret: "secret",
				RedirectURI:  "https://app.example.com/callback",
				AuthMethod:   AuthMethodClientSecretBasic,
			},
			check: func(t *testing.T, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				if !ok || user != "playground-client" || pass != "secret" {
					t.Errorf("BasicAuth() = (%q, %q, %v), want client credentials", user, pass, ok)
				}
			},
		},
		{
			name: "secret in the form",
			creds: Credentials{
				ClientID:     "playground-client",
				ClientSecret: "secret",
				RedirectURI:  "https://app.example.com/callback",
				AuthMethod:   AuthMethodClientSecretPost,
			},
			check: func(t *testing.T, r *http.Request) {
				if got := r.PostFormValue("client_secret"); got != "secret" {
					t.Errorf("client_secret = %q, want %q", got, "secret")
				}
			},
		},
		{
			name: "jwt assertion in the form",
			creds: Credentials{
				ClientID:     "playground-client",
				ClientSecret: "secret",
				RedirectURI:  "https://app.example.com/callback",
				AuthMethod:   AuthMethodClientSecretJWT,
			},
			check: func(t *testing.T, r *http.Request) {
				if got := r.PostFormValue("client_assertion_type"); got != clientAssertionType {
					t.Errorf("client_assertion_type = %q, want the jwt-bearer URN", got)
				}
				if r.PostFormValue("client_assertion") == "" {
					t.Error("client_assertion is empty, want a signed JWT")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.check(t, r)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"request_uri":"urn:example:1","expires_in":60}`))
			}))
			defer server.Close()

			g := newPARGateway(t, tt.creds, server.URL)
			if _, err := g.Push(context.Background(), buildParams()); err != nil {
				t.Fatalf("Push() error = %v", err)
			}
		})
	}
}

func TestPARGateway_Push_DoesNotMutateParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"request_uri":"urn:example:1","expires_in":60}`))
	}))
	defer server.Close()

	creds := testCreds()
	creds.ClientSecret = "secret"
	creds.AuthMethod = AuthMethodClientSecretPost

	g := newPARGateway(t, creds, server.URL)
	params := buildParams()
	if _, err := g.Push(context.Background(), params); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if params.Has("client_secret") {
		t.Error("Push() leaked client_secret into the caller's params")
	}
}

func TestPARGateway_Push_EmptyParams(t *testing.T) {
	g := newPARGateway(t, testCreds(), "https://auth.pingone.com/env-1/as/par")
	if _, err := g.Push(context.Background(), nil); err == nil {
		t.Fatal("Push() with no params succeeded, want error")
	}
}
