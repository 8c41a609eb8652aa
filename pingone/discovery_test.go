package pingone

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient creates a discovery client with validation disabled so
// tests can use httptest servers on loopback addresses.
func newTestClient(httpClient *http.Client, ttl time.Duration) *DiscoveryClient {
	client := NewDiscoveryClient(httpClient, ttl, slog.Default())
	client.skipValidation = true
	return client
}

func validDiscoveryDocument() Document {
	return Document{
		Issuer:                             "https://auth.pingone.com/env-123/as",
		AuthorizationEndpoint:              "https://auth.pingone.com/env-123/as/authorize",
		TokenEndpoint:                      "https://auth.pingone.com/env-123/as/token",
		DeviceAuthorizationEndpoint:        "https://auth.pingone.com/env-123/as/device_authorization",
		PushedAuthorizationRequestEndpoint: "https://auth.pingone.com/env-123/as/par",
		UserInfoEndpoint:                   "https://auth.pingone.com/env-123/as/userinfo",
		JWKSUri:                            "https://auth.pingone.com/env-123/as/jwks",
		ScopesSupported:                    []string{"openid", "profile", "email"},
		ResponseTypesSupported:             []string{"code", "token", "id_token"},
		ResponseModesSupported:             []string{"query", "fragment", "form_post", "pi.flow"},
		CodeChallengeMethodsSupported:      []string{"S256"},
	}
}

func TestNewDiscoveryClient(t *testing.T) {
	t.Run("with default values", func(t *testing.T) {
		client := NewDiscoveryClient(nil, 0, nil)
		if client == nil {
			t.Fatal("NewDiscoveryClient() returned nil")
		}
		if client.httpClient == nil {
			t.Error("httpClient should be initialized with default")
		}
		if client.cacheTTL != 1*time.Hour {
			t.Errorf("cacheTTL = %v, want %v", client.cacheTTL, 1*time.Hour)
		}
		if client.logger == nil {
			t.Error("logger should be initialized with default")
		}
	})

	t.Run("with custom values", func(t *testing.T) {
		customClient := &http.Client{Timeout: 5 * time.Second}
		customTTL := 30 * time.Minute

		client := NewDiscoveryClient(customClient, customTTL, slog.Default())
		if client.httpClient != customClient {
			t.Error("httpClient should use custom value")
		}
		if client.cacheTTL != customTTL {
			t.Errorf("cacheTTL = %v, want %v", client.cacheTTL, customTTL)
		}
	})
}

func TestDiscoveryClient_Discover(t *testing.T) {
	t.Run("successful discovery", func(t *testing.T) {
		validDoc := validDiscoveryDocument()
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/.well-known/openid-configuration" {
				t.Errorf("unexpected path: %s", r.URL.Path)
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(validDoc); err != nil {
				t.Errorf("failed to encode response: %v", err)
			}
		}))
		defer server.Close()

		client := newTestClient(server.Client(), 1*time.Hour)
		doc, err := client.Discover(context.Background(), server.URL)
		if err != nil {
			t.Fatalf("Discover() error = %v", err)
		}

		if doc.Issuer != validDoc.Issuer {
			t.Errorf("Issuer = %v, want %v", doc.Issuer, validDoc.Issuer)
		}
		if doc.DeviceAuthorizationEndpoint != validDoc.DeviceAuthorizationEndpoint {
			t.Errorf("DeviceAuthorizationEndpoint = %v, want %v",
				doc.DeviceAuthorizationEndpoint, validDoc.DeviceAuthorizationEndpoint)
		}
		if doc.PushedAuthorizationRequestEndpoint != validDoc.PushedAuthorizationRequestEndpoint {
			t.Errorf("PushedAuthorizationRequestEndpoint = %v, want %v",
				doc.PushedAuthorizationRequestEndpoint, validDoc.PushedAuthorizationRequestEndpoint)
		}
	})

	t.Run("SECURITY: reject HTTP issuer URL", func(t *testing.T) {
		client := NewDiscoveryClient(nil, 1*time.Hour, slog.Default())
		_, err := client.Discover(context.Background(), "http://auth.example.com")
		if err == nil {
			t.Fatal("Discover() should reject HTTP issuer URL")
		}
		if !strings.Contains(err.Error(), "must use HTTPS") {
			t.Errorf("error should mention HTTPS requirement, got: %v", err)
		}
	})

	t.Run("SECURITY: reject private IP", func(t *testing.T) {
		client := NewDiscoveryClient(nil, 1*time.Hour, slog.Default())
		if _, err := client.Discover(context.Background(), "https://10.0.0.1"); err == nil {
			t.Error("Discover() should reject private IP issuer")
		}
	})

	t.Run("SECURITY: reject loopback", func(t *testing.T) {
		client := NewDiscoveryClient(nil, 1*time.Hour, slog.Default())
		if _, err := client.Discover(context.Background(), "https://127.0.0.1"); err == nil {
			t.Error("Discover() should reject loopback issuer")
		}
	})

	t.Run("non-200 response", func(t *testing.T) {
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		}))
		defer server.Close()

		client := newTestClient(server.Client(), 1*time.Hour)
		if _, err := client.Discover(context.Background(), server.URL); err == nil {
			t.Error("Discover() should fail on non-200 response")
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		client := newTestClient(server.Client(), 1*time.Hour)
		if _, err := client.Discover(context.Background(), server.URL); err == nil {
			t.Error("Discover() should fail on invalid JSON")
		}
	})

	t.Run("missing token endpoint rejected", func(t *testing.T) {
		doc := validDiscoveryDocument()
		doc.TokenEndpoint = ""
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(doc)
		}))
		defer server.Close()

		client := newTestClient(server.Client(), 1*time.Hour)
		if _, err := client.Discover(context.Background(), server.URL); err == nil {
			t.Error("Discover() should reject document without token_endpoint")
		}
	})

	t.Run("SECURITY: reject HTTP endpoint in document", func(t *testing.T) {
		doc := validDiscoveryDocument()
		doc.DeviceAuthorizationEndpoint = "http://auth.pingone.com/env-123/as/device_authorization"
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(doc)
		}))
		defer server.Close()

		client := newTestClient(server.Client(), 1*time.Hour)
		if _, err := client.Discover(context.Background(), server.URL); err == nil {
			t.Error("Discover() should reject HTTP endpoint in document")
		}
	})
}

func TestDiscoveryClient_Caching(t *testing.T) {
	var fetches atomic.Int32
	validDoc := validDiscoveryDocument()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(validDoc)
	}))
	defer server.Close()

	client := newTestClient(server.Client(), 1*time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := client.Discover(context.Background(), server.URL); err != nil {
			t.Fatalf("Discover() #%d error = %v", i, err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 (cache should serve repeats)", got)
	}

	client.ClearCache()
	if _, err := client.Discover(context.Background(), server.URL); err != nil {
		t.Fatalf("Discover() after ClearCache error = %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2 after cache clear", got)
	}
}

func TestDiscoveryClient_CacheExpiry(t *testing.T) {
	var fetches atomic.Int32
	validDoc := validDiscoveryDocument()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(validDoc)
	}))
	defer server.Close()

	client := newTestClient(server.Client(), 10*time.Millisecond)

	if _, err := client.Discover(context.Background(), server.URL); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := client.Discover(context.Background(), server.URL); err != nil {
		t.Fatalf("Discover() after expiry error = %v", err)
	}

	if got := fetches.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2 after TTL expiry", got)
	}
}
