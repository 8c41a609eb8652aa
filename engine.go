package playground

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/curtismu7/oauth-playground/faults"
	"github.com/curtismu7/oauth-playground/flow"
	"github.com/curtismu7/oauth-playground/instrumentation"
	"github.com/curtismu7/oauth-playground/pingone"
	"github.com/curtismu7/oauth-playground/pkce"
	"github.com/curtismu7/oauth-playground/storage"
)

// Engine runs authorization flows for one client configuration. It wires
// the URL builder, the tiered proof-key store, the state and nonce
// manager, the PAR gateway, the token exchanger and the device flow
// behind a small surface, so callers never assemble those pieces by hand.
//
// Construct one Engine per client configuration with NewEngine and share
// it; all methods are safe for concurrent use.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	endpoints pingone.Endpoints

	inst       *instrumentation.Instrumentation
	metrics    *instrumentation.Metrics
	states     *flow.StateNonceManager
	store      *pkce.Store
	builder    *flow.Builder
	par        *flow.PARGateway
	exchanger  *flow.Exchanger
	discovery  *pingone.DiscoveryClient
	suppressor *faults.Suppressor

	// verifier is built lazily because construction may need provider
	// discovery; a failed attempt is retried on the next use
	verifierMu sync.Mutex
	verifier   *flow.IDTokenVerifier

	closed atomic.Bool
}

// NewEngine validates the configuration and wires the flow components
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	if err := cfg.Credentials.Validate(); err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "invalid client credentials")
	}

	endpoints := pingone.Endpoints{}
	if cfg.Endpoints != nil {
		endpoints = *cfg.Endpoints
	} else {
		var err error
		endpoints, err = cfg.Environment.Endpoints()
		if err != nil {
			return nil, faults.Wrap(err, faults.CategoryConfiguration, "deriving provider endpoints")
		}
	}

	inst, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "setting up instrumentation")
	}
	metrics := inst.Metrics()

	store, err := pkce.NewStore(pkce.StoreConfig{
		Tiers:   cfg.Tiers,
		TTL:     cfg.MaterialTTL,
		Logger:  cfg.Logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryConfiguration, "setting up the proof-key store")
	}

	builder, err := flow.NewBuilder(flow.BuilderConfig{
		Credentials: cfg.Credentials,
		Endpoint:    endpoints.Authorization,
	})
	if err != nil {
		return nil, err
	}

	par, err := flow.NewPARGateway(flow.PARConfig{
		Credentials:       cfg.Credentials,
		Endpoint:          endpoints.PushedAuthorization,
		AssertionAudience: cfg.AssertionAudience,
		HTTPClient:        cfg.HTTPClient,
		Logger:            cfg.Logger,
		Metrics:           metrics,
	})
	if err != nil {
		return nil, err
	}

	exchanger, err := flow.NewExchanger(flow.ExchangeConfig{
		Credentials:       cfg.Credentials,
		TokenEndpoint:     endpoints.Token,
		AssertionAudience: cfg.AssertionAudience,
		HTTPClient:        cfg.HTTPClient,
		Retry:             cfg.Retry,
		Logger:            cfg.Logger,
		Metrics:           metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		logger:     cfg.Logger,
		endpoints:  endpoints,
		inst:       inst,
		metrics:    metrics,
		states:     flow.NewStateNonceManager(cfg.Namespace),
		store:      store,
		builder:    builder,
		par:        par,
		exchanger:  exchanger,
		discovery:  pingone.NewDiscoveryClient(cfg.HTTPClient, cfg.DiscoveryTTL, cfg.Logger),
		suppressor: faults.NewSuppressor(cfg.SuppressionWindow, cfg.Logger),
	}, nil
}

// Endpoints returns the endpoint set the engine was built against
func (e *Engine) Endpoints() pingone.Endpoints {
	return e.endpoints
}

// Instrumentation exposes the engine's meter and tracer wiring so the
// application can register additional instruments in the same scope.
func (e *Engine) Instrumentation() *instrumentation.Instrumentation {
	return e.inst
}

// StartFlow begins a redirect-based authorization: it mints state, nonce
// and proof-key material as the flow requires, persists the secret
// material to the leading tiers before returning, and hands back a
// session whose AuthorizationURL is ready for the browser.
//
// With UsePAR set, the request parameters are pushed to the provider
// first and the returned URL carries only client_id and request_uri.
func (e *Engine) StartFlow(ctx context.Context, in StartInput) (*FlowSession, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}

	spec := in.SpecVersion
	if spec == "" {
		spec = e.specFor(in.FlowType)
	}

	state, err := e.states.GenerateState(in.FlowType)
	if err != nil {
		return nil, err
	}

	session := &FlowSession{
		ID:          uuid.NewString(),
		FlowType:    in.FlowType,
		SpecVersion: spec,
		State:       state,
		CreatedAt:   time.Now(),
	}

	build := flow.BuildInput{
		FlowType:      in.FlowType,
		SpecVersion:   spec,
		State:         state,
		Scopes:        in.Scopes,
		OfflineAccess: in.OfflineAccess,
		ResponseMode:  in.ResponseMode,
		ResponseType:  in.ResponseType,
		Prompt:        in.Prompt,
		LoginHint:     in.LoginHint,
		IDTokenHint:   in.IDTokenHint,
		ACRValues:     in.ACRValues,
		UILocales:     in.UILocales,
		Display:       in.Display,
		MaxAge:        in.MaxAge,
		Extra:         in.Extra,
	}

	if in.FlowType == flow.FlowImplicit || in.FlowType == flow.FlowHybrid {
		nonce, digest := e.states.GenerateNonce()
		build.Nonce = nonce
		session.nonceDigest = digest
	}

	var material *pkce.Material
	if usesProofKey(in) {
		material, err = pkce.Generate(e.cfg.PKCE)
		if err != nil {
			return nil, faults.Wrap(err, faults.CategoryConfiguration, "generating proof-key material")
		}
		build.Challenge = material.Challenge
		build.ChallengeMethod = material.Method
		session.UsedPKCE = true
	}

	result, err := e.builder.Build(build)
	if err != nil {
		return nil, err
	}
	session.ResponseMode = result.ResponseMode
	session.Scopes = result.Scopes

	// The leading tiers hold the material before the URL leaves the
	// process, so a crash between redirect and callback cannot strand
	// the flow.
	if material != nil {
		err = e.store.Save(ctx, e.key(session), material,
			pkce.WithState(state), pkce.WithNonceHash(session.nonceDigest))
		if err != nil {
			return nil, faults.Wrap(err, faults.CategoryStorage, "saving proof-key material")
		}
	}

	session.AuthorizationURL = result.URL
	if in.UsePAR {
		pushed, err := e.par.Push(ctx, result.Params)
		if err != nil {
			e.discard(ctx, session)
			return nil, err
		}
		session.RequestURI = pushed.RequestURI
		session.AuthorizationURL, err = e.builder.BuildPARURL(pushed.RequestURI)
		if err != nil {
			e.discard(ctx, session)
			return nil, err
		}
	}

	e.metrics.RecordFlowStart(ctx, string(in.FlowType), string(spec))
	e.metrics.RecordAuthorizationURL(ctx, string(in.FlowType), string(result.ResponseMode))
	e.logger.Info("Flow started",
		"flow", string(in.FlowType),
		"spec", string(spec),
		"session_id", session.ID,
		"response_mode", string(result.ResponseMode),
		"pkce", session.UsedPKCE,
		"par", in.UsePAR)

	return session, nil
}

// ResumeFlow reconstructs a session from material persisted by an
// earlier process, so a flow interrupted by a restart can still finish
// its callback. The durable tiers are consulted, not just the fast ones.
//
// The resumed session has no authorization URL; it exists to validate
// the pending callback and run the exchange.
func (e *Engine) ResumeFlow(ctx context.Context, flowType flow.FlowType, instanceID string) (*FlowSession, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if !flowType.Valid() {
		return nil, faults.New(faults.CategoryValidation, "unknown flow type "+strconv.Quote(string(flowType)))
	}
	if instanceID == "" {
		return nil, faults.New(faults.CategoryValidation, "an instance id is required to resume a flow")
	}

	key := storage.Key{Namespace: e.cfg.Namespace, FlowType: string(flowType), InstanceID: instanceID}
	rec, err := e.store.LoadRecord(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, faults.Wrap(err, faults.CategoryStorage, "no stored material for this flow").
			WithRecovery("the flow may have expired or already finished; start a new one")
	}
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryStorage, "loading stored flow material")
	}

	session := &FlowSession{
		ID:          instanceID,
		FlowType:    flowType,
		SpecVersion: e.specFor(flowType),
		State:       rec.State,
		UsedPKCE:    rec.Verifier != "",
		CreatedAt:   rec.SavedAt,
		nonceDigest: rec.NonceHash,
	}
	e.logger.Info("Flow resumed", "flow", string(flowType), "session_id", instanceID)
	return session, nil
}

// HandleCallback parses the authorization response and validates it
// against the session. The state comparison runs before anything else;
// a callback that fails it is rejected even when it also carries a
// provider error, so a forged redirect cannot shape the outcome.
func (e *Engine) HandleCallback(ctx context.Context, session *FlowSession, rawURL string) (*flow.CallbackData, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if err := checkFlowSession(session); err != nil {
		return nil, err
	}

	cb, err := flow.ParseCallback(rawURL, session.ResponseMode)
	if err != nil {
		return nil, err
	}
	if err := e.states.ValidateState(session.FlowType, session.State, cb.State); err != nil {
		return nil, err
	}
	if err := cb.Err(); err != nil {
		return nil, err
	}
	return cb, nil
}

// ExchangeCode turns a validated callback into tokens. For code-bearing
// flows it loads the stored verifier and calls the token endpoint; for
// the implicit flow it lifts the tokens the callback already carries.
// Any ID token is verified, including its nonce binding, before the
// tokens are returned. On success the session is finished and its
// stored material cleared.
func (e *Engine) ExchangeCode(ctx context.Context, session *FlowSession, cb *flow.CallbackData) (*flow.TokenSet, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if err := checkFlowSession(session); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, faults.New(faults.CategoryValidation, "callback data is required")
	}

	if session.FlowType == flow.FlowImplicit {
		return e.implicitTokens(ctx, session, cb)
	}

	if cb.Code == "" {
		return nil, faults.New(faults.CategoryValidation, "the callback carried no authorization code")
	}

	verifier := ""
	if session.UsedPKCE {
		rec, err := e.loadRecord(ctx, session)
		if err != nil {
			return nil, err
		}
		verifier = rec.Verifier
	}

	tokens, err := e.exchanger.Exchange(ctx, flow.ExchangeInput{
		FlowType: session.FlowType,
		Code:     cb.Code,
		Verifier: verifier,
		UsedPKCE: session.UsedPKCE,
	})
	if err != nil {
		return nil, err
	}

	if err := e.checkIDToken(ctx, session, tokens.IDToken); err != nil {
		return nil, err
	}

	e.finish(ctx, session)
	return tokens, nil
}

// implicitTokens builds the token set from a fragment callback. There is
// no code to exchange; the provider already answered with the tokens.
func (e *Engine) implicitTokens(ctx context.Context, session *FlowSession, cb *flow.CallbackData) (*flow.TokenSet, error) {
	if cb.AccessToken == "" && cb.IDToken == "" {
		return nil, faults.New(faults.CategoryValidation, "the callback carried no tokens")
	}

	tokens := &flow.TokenSet{
		AccessToken: cb.AccessToken,
		TokenType:   cb.TokenType,
		IDToken:     cb.IDToken,
	}
	if tokens.AccessToken != "" && tokens.TokenType == "" {
		tokens.TokenType = "Bearer"
	}
	if cb.ExpiresIn > 0 {
		tokens.Expiry = time.Now().Add(time.Duration(cb.ExpiresIn) * time.Second)
	}

	if err := e.checkIDToken(ctx, session, tokens.IDToken); err != nil {
		return nil, err
	}

	e.finish(ctx, session)
	return tokens, nil
}

// VerifyIDToken verifies a raw ID token against the provider's keys and
// the engine's client id. With a session, the token's nonce claim is
// checked against the nonce minted at StartFlow; a finished session is
// still usable here, since verification naturally happens after tokens
// are obtained.
func (e *Engine) VerifyIDToken(ctx context.Context, session *FlowSession, rawIDToken string) (*flow.IDTokenClaims, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	digest := ""
	if session != nil {
		digest = session.nonceDigest
	}
	verifier, err := e.idTokenVerifier(ctx)
	if err != nil {
		return nil, err
	}
	return verifier.Verify(ctx, rawIDToken, digest)
}

// ClientCredentialsToken obtains a token with the client credentials
// grant. No scopes requests the credential defaults.
func (e *Engine) ClientCredentialsToken(ctx context.Context, scopes ...string) (*flow.TokenSet, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	e.metrics.RecordFlowStart(ctx, string(flow.FlowClientCredentials), string(e.specFor(flow.FlowClientCredentials)))
	return e.exchanger.ClientCredentials(ctx, scopes)
}

// Refresh redeems a refresh token for a fresh token set
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*flow.TokenSet, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.exchanger.Refresh(ctx, refreshToken)
}

// StartDeviceFlow requests a device and user code pair. Show the user
// code and verification URI from the returned session, then call
// PollDevice to wait for approval.
func (e *Engine) StartDeviceFlow(ctx context.Context, scopes ...string) (*DeviceSession, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}

	device, err := flow.NewDeviceFlow(flow.DeviceConfig{
		Credentials:       e.cfg.Credentials,
		DeviceEndpoint:    e.endpoints.DeviceAuthorization,
		TokenEndpoint:     e.endpoints.Token,
		AssertionAudience: e.cfg.AssertionAudience,
		HTTPClient:        e.cfg.HTTPClient,
		Logger:            e.logger,
		Metrics:           e.metrics,
	})
	if err != nil {
		return nil, err
	}

	auth, err := device.Request(ctx, scopes)
	if err != nil {
		return nil, err
	}

	session := &DeviceSession{
		ID:            uuid.NewString(),
		Authorization: auth,
		CreatedAt:     time.Now(),
		flow:          device,
	}
	e.metrics.RecordFlowStart(ctx, string(flow.FlowDeviceCode), string(e.specFor(flow.FlowDeviceCode)))
	return session, nil
}

// PollDevice waits for the user to approve the device authorization and
// returns the resulting tokens. It honors the provider's polling
// interval, stretches it on slow_down, and stops at the grant's expiry
// or when the context is canceled. Poll a session at most once.
func (e *Engine) PollDevice(ctx context.Context, session *DeviceSession) (*flow.TokenSet, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if session == nil {
		return nil, faults.New(faults.CategoryValidation, "a device session is required")
	}
	if session.Finished() {
		return nil, faults.New(faults.CategoryValidation, "this device session is already finished").
			WithRecovery("start a new device flow")
	}

	tokens, err := session.flow.Poll(ctx, session.Authorization)
	if err != nil {
		return nil, err
	}
	session.done.Store(true)
	return tokens, nil
}

// AbandonFlow clears the session's stored proof-key material and marks
// it finished. Abandoning a session that already finished is a no-op.
func (e *Engine) AbandonFlow(ctx context.Context, session *FlowSession) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if session == nil {
		return faults.New(faults.CategoryValidation, "a flow session is required")
	}
	if !session.done.CompareAndSwap(false, true) {
		return nil
	}

	if err := e.store.Clear(ctx, e.key(session)); err != nil {
		return faults.Wrap(err, faults.CategoryStorage, "clearing proof-key material")
	}
	e.logger.Info("Flow abandoned", "flow", string(session.FlowType), "session_id", session.ID)
	return nil
}

// Notify classifies an error for display and applies duplicate
// suppression: it returns the user-facing message and whether to show it
// now. Repeats of the same failure inside the suppression window are
// counted but not shown again.
func (e *Engine) Notify(ctx context.Context, err error) (string, bool) {
	if err == nil {
		return "", false
	}
	classified := faults.Classify(err)
	e.metrics.RecordError(ctx, string(classified.Category))
	if !e.suppressor.Allow(classified) {
		e.metrics.RecordSuppressedNotification(ctx)
		return classified.UserMessage, false
	}
	return classified.UserMessage, true
}

// VerifyEndpoints cross-checks the engine's endpoint set against the
// provider's discovery document and returns the names of endpoints that
// disagree. Discovery failures degrade gracefully: the static endpoints
// stay authoritative and the check reports nothing.
func (e *Engine) VerifyEndpoints(ctx context.Context) []string {
	doc := faults.Fallback(ctx, e.logger, "discovery cross-check",
		func(ctx context.Context) (*pingone.Document, error) {
			return e.discovery.Discover(ctx, e.endpoints.Issuer)
		}, nil)
	if doc == nil {
		return nil
	}

	diffs := e.endpoints.Diff(doc)
	if len(diffs) > 0 {
		e.logger.Warn("Discovery document disagrees with configured endpoints", "endpoints", diffs)
	}
	return diffs
}

// Close waits for background tier writes and releases tier resources.
// The engine rejects new operations afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.store.Flush()

	var errs []error
	for _, tier := range e.cfg.Tiers {
		if closer, ok := tier.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s tier: %w", tier.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// checkIDToken verifies the ID token from an exchange when there is one
// and verification is enabled
func (e *Engine) checkIDToken(ctx context.Context, session *FlowSession, rawIDToken string) error {
	if rawIDToken == "" || e.cfg.DisableIDTokenVerification {
		return nil
	}
	verifier, err := e.idTokenVerifier(ctx)
	if err != nil {
		return err
	}
	_, err = verifier.Verify(ctx, rawIDToken, session.nonceDigest)
	return err
}

func (e *Engine) idTokenVerifier(ctx context.Context) (*flow.IDTokenVerifier, error) {
	e.verifierMu.Lock()
	defer e.verifierMu.Unlock()
	if e.verifier != nil {
		return e.verifier, nil
	}

	verifier, err := flow.NewIDTokenVerifier(ctx, flow.VerifierConfig{
		IssuerURL:  e.endpoints.Issuer,
		ClientID:   e.cfg.Credentials.ClientID,
		HTTPClient: e.cfg.HTTPClient,
		KeySet:     e.cfg.IDTokenKeys,
	}, e.states)
	if err != nil {
		return nil, err
	}
	e.verifier = verifier
	return verifier, nil
}

// loadRecord retrieves the stored record for a session, consulting every
// tier including the durable ones.
func (e *Engine) loadRecord(ctx context.Context, session *FlowSession) (*storage.Record, error) {
	rec, err := e.store.LoadRecord(ctx, e.key(session))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, faults.Wrap(err, faults.CategoryStorage, "no proof-key material found for this flow").
			WithRecovery("the material may have expired; restart the flow")
	}
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryStorage, "loading proof-key material")
	}
	if rec.State != session.State {
		return nil, faults.New(faults.CategoryStorage, "stored material does not belong to this session")
	}
	return rec, nil
}

// finish marks the session done and clears its stored material. Tokens
// are already in hand at this point, so a failed clear is only logged.
func (e *Engine) finish(ctx context.Context, session *FlowSession) {
	if !session.done.CompareAndSwap(false, true) {
		return
	}
	if session.UsedPKCE {
		if err := e.store.Clear(ctx, e.key(session)); err != nil {
			e.logger.Warn("Clearing proof-key material failed",
				"session_id", session.ID, "error", err)
		}
	}
	e.logger.Info("Flow finished", "flow", string(session.FlowType), "session_id", session.ID)
}

// discard cleans up after a StartFlow that failed partway, before the
// session was ever returned
func (e *Engine) discard(ctx context.Context, session *FlowSession) {
	if session.UsedPKCE {
		_ = e.store.Clear(ctx, e.key(session))
	}
}

func (e *Engine) key(session *FlowSession) storage.Key {
	return storage.Key{
		Namespace:  e.cfg.Namespace,
		FlowType:   string(session.FlowType),
		InstanceID: session.ID,
	}
}

func (e *Engine) specFor(flowType flow.FlowType) flow.SpecVersion {
	if e.cfg.Settings != nil {
		if v, ok := e.cfg.Settings.SpecVersionFor(flowType); ok {
			return v
		}
	}
	return flow.SpecOAuth2
}

func (e *Engine) ensureOpen() error {
	if e.closed.Load() {
		return faults.New(faults.CategoryConfiguration, "the engine is closed")
	}
	return nil
}

func checkFlowSession(session *FlowSession) error {
	if session == nil {
		return faults.New(faults.CategoryValidation, "a flow session is required")
	}
	if session.Finished() {
		return faults.New(faults.CategoryValidation, "this flow session is already finished").
			WithRecovery("start a new flow")
	}
	return nil
}

// usesProofKey reports whether the flow mints PKCE material. Only flows
// that exchange a code have a verifier to present.
func usesProofKey(in StartInput) bool {
	if in.DisableProofKey {
		return false
	}
	return in.FlowType == flow.FlowAuthorizationCode || in.FlowType == flow.FlowHybrid
}
