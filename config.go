package playground

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/curtismu7/oauth-playground/faults"
	"github.com/curtismu7/oauth-playground/flow"
	"github.com/curtismu7/oauth-playground/instrumentation"
	"github.com/curtismu7/oauth-playground/pingone"
	"github.com/curtismu7/oauth-playground/pkce"
	"github.com/curtismu7/oauth-playground/storage"
	"github.com/curtismu7/oauth-playground/storage/memory"
)

// DefaultNamespace isolates stored material when the configuration does
// not name its own namespace.
const DefaultNamespace = "playground"

// defaultHTTPTimeout bounds every provider call made with the default client
const defaultHTTPTimeout = 30 * time.Second

// SettingsReader supplies per-flow preferences persisted outside the
// engine, such as the spec profile a user last selected for a flow type.
// Reads are plain lookups; the engine never writes preferences back.
type SettingsReader interface {
	// SpecVersionFor returns the preferred spec profile for a flow type.
	// The second return is false when no preference is stored.
	SpecVersionFor(flowType flow.FlowType) (flow.SpecVersion, bool)
}

// StaticSettings is a fixed SettingsReader for single-profile tools and
// tests.
type StaticSettings map[flow.FlowType]flow.SpecVersion

// SpecVersionFor implements SettingsReader
func (s StaticSettings) SpecVersionFor(flowType flow.FlowType) (flow.SpecVersion, bool) {
	v, ok := s[flowType]
	return v, ok
}

// Config holds the engine configuration. The zero value of every optional
// field selects a working default; Credentials and either Environment or
// Endpoints are required.
type Config struct {
	// Credentials is the immutable client identity every flow runs under
	Credentials flow.Credentials

	// Environment locates the PingOne authorization server. Ignored when
	// Endpoints is set.
	Environment pingone.Environment

	// Endpoints overrides the endpoint set derived from Environment, for
	// providers fronted by a gateway or for tests
	Endpoints *pingone.Endpoints

	// Settings supplies per-flow spec profiles when set. StartFlow inputs
	// that name a version explicitly win over it.
	Settings SettingsReader

	// Namespace isolates this application's stored material from other
	// tools sharing a host. Defaults to DefaultNamespace.
	Namespace string

	// PKCE controls proof-key generation for the flows that use it
	PKCE pkce.Config

	// Tiers are the proof-key store levels in priority order, fastest
	// first. Empty defaults to a single in-memory tier, which does not
	// survive a restart.
	Tiers []storage.Tier

	// MaterialTTL bounds how long saved proof-key material stays
	// loadable. Zero uses the store default of one hour.
	MaterialTTL time.Duration

	// Retry shapes backoff for token endpoint calls. The zero value uses
	// the package defaults.
	Retry faults.Policy

	// SuppressionWindow is how long duplicate error notifications are
	// dropped by Notify. Zero uses the suppressor default.
	SuppressionWindow time.Duration

	// AssertionAudience overrides the audience claim in client
	// assertions. Empty defaults to the endpoint receiving the assertion.
	AssertionAudience string

	// DisableIDTokenVerification skips ID token signature and nonce
	// checks after exchanges. Only for providers whose signing keys are
	// unreachable from the machine running the flow.
	DisableIDTokenVerification bool

	// IDTokenKeys pins the key set used for ID token verification,
	// skipping provider discovery. Nil discovers keys from the issuer.
	IDTokenKeys oidc.KeySet

	// DiscoveryTTL is how long fetched discovery documents are cached.
	// Zero uses the discovery client default.
	DiscoveryTTL time.Duration

	// HTTPClient makes every provider call. Defaults to a client with a
	// 30 second timeout.
	HTTPClient *http.Client

	// Logger receives structured flow logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation configures metrics and tracing for the engine
	Instrumentation instrumentation.Config
}

// withDefaults fills the optional fields
func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if len(c.Tiers) == 0 {
		c.Tiers = []storage.Tier{memory.New()}
	}
	return c
}
