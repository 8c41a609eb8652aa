// Package flow implements the OAuth and OIDC flow machinery: building
// authorization requests, parsing callbacks, exchanging grants for
// tokens, and verifying what comes back.
//
// One Builder serves every front-channel flow. The flow type and spec
// profile drive the response type, the response mode, and the parameter
// set, so authorization-code, implicit, and hybrid requests all come out
// of the same assembly path:
//
//	builder, err := flow.NewBuilder(flow.BuilderConfig{
//		Credentials: creds,
//		Endpoint:    endpoints.Authorization,
//	})
//	result, err := builder.Build(flow.BuildInput{
//		FlowType:    flow.FlowAuthorizationCode,
//		SpecVersion: flow.SpecOIDC,
//		State:       state,
//		Challenge:   material.Challenge,
//	})
//	// redirect the browser to result.URL
//
// The assembled result.Params double as the body of a pushed
// authorization request, so PAR needs no second assembly path:
//
//	par, err := gateway.Push(ctx, result.Params)
//	authURL, err := builder.BuildPARURL(par.RequestURI)
//
// Back-channel grants go through the Exchanger, which applies client
// authentication and retry handling uniformly for authorization codes,
// refresh tokens, and client credentials. Device authorization runs
// through DeviceFlow, which polls the token endpoint at the provider's
// cadence until the user finishes or the code dies.
//
// StateNonceManager mints and checks the state and nonce values that tie
// callbacks and ID tokens back to the flow that started them. State
// checks fail closed: a callback with no recorded state is rejected, not
// waved through. IDTokenVerifier closes the loop by verifying ID token
// signatures against the provider's keys and matching the nonce claim
// against the stored digest.
//
// Errors carry categories from the faults package, so callers can tell a
// provider rejection from a transient network failure without parsing
// message strings.
package flow
