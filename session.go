package playground

import (
	"net/url"
	"sync/atomic"
	"time"

	"github.com/curtismu7/oauth-playground/flow"
)

// StartInput selects and shapes the flow to start. Only FlowType is
// required; everything else refines the authorization request.
type StartInput struct {
	// FlowType is the flow to run. Device code and client credentials do
	// not use the authorization endpoint and start through their own
	// entry points.
	FlowType flow.FlowType

	// SpecVersion selects the spec profile. Empty consults the
	// configured SettingsReader and then falls back to oauth2.
	SpecVersion flow.SpecVersion

	// Scopes override the credential defaults for this flow
	Scopes []string

	// ResponseMode forces how the response comes back. Empty uses the
	// flow's default mode.
	ResponseMode flow.ResponseMode

	// ResponseType overrides the response type within what the flow and
	// spec profile permit
	ResponseType string

	// UsePAR pushes the request parameters to the provider first and
	// builds the short request_uri form of the authorization URL
	UsePAR bool

	// DisableProofKey turns PKCE off for flows that would otherwise use
	// it. The oauth21 profile rejects this.
	DisableProofKey bool

	// OfflineAccess asks for a refresh token on OIDC code flows
	OfflineAccess bool

	// Prompt, LoginHint, IDTokenHint, ACRValues, UILocales and Display
	// pass through to the matching authorization parameters when non-empty
	Prompt      string
	LoginHint   string
	IDTokenHint string
	ACRValues   string
	UILocales   string
	Display     string

	// MaxAge bounds the age of the user's authentication in seconds.
	// Zero is meaningful, so nil means absent.
	MaxAge *int

	// Extra carries provider-specific authorization parameters. Keys
	// that would override a reserved parameter are rejected.
	Extra url.Values
}

// FlowSession is one in-flight redirect-based authorization attempt.
// StartFlow creates it, the material store keys it by
// (namespace, flow type, session ID), and it becomes unusable once
// tokens are obtained or the flow is abandoned.
//
// The exported fields are set at creation and never mutated afterwards,
// so a session can be read from other goroutines while the browser leg
// is in flight.
type FlowSession struct {
	// ID is the unique instance id of this attempt
	ID string

	// FlowType and SpecVersion record what was started
	FlowType    flow.FlowType
	SpecVersion flow.SpecVersion

	// AuthorizationURL is where to send the browser. When the flow was
	// started with UsePAR this is the short request_uri form.
	AuthorizationURL string

	// RequestURI is the pushed authorization request reference, set only
	// when the flow was started with UsePAR
	RequestURI string

	// ResponseMode is how the callback will arrive
	ResponseMode flow.ResponseMode

	// Scopes are the effective scopes of the authorization request
	Scopes []string

	// State is the anti-forgery value embedded in the request
	State string

	// UsedPKCE records whether proof-key material was minted and saved
	UsedPKCE bool

	// CreatedAt is when the flow started
	CreatedAt time.Time

	// nonceDigest binds the eventual ID token to this request; the raw
	// nonce leaves the process inside the authorization URL and is never
	// kept
	nonceDigest string

	done atomic.Bool
}

// Finished reports whether the session already produced tokens or was
// abandoned
func (s *FlowSession) Finished() bool {
	return s.done.Load()
}

// DeviceSession is one in-flight device authorization. The user enters
// Authorization.UserCode at Authorization.VerificationURI on another
// device while PollDevice waits for approval.
type DeviceSession struct {
	// ID is the unique instance id of this attempt
	ID string

	// Authorization is the provider's device and user code grant
	Authorization *flow.DeviceAuthorization

	// CreatedAt is when the authorization was requested
	CreatedAt time.Time

	flow *flow.DeviceFlow
	done atomic.Bool
}

// Finished reports whether polling already produced tokens
func (s *DeviceSession) Finished() bool {
	return s.done.Load()
}
