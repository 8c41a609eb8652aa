// Package playground drives OAuth 2.0, OAuth 2.1 and OpenID Connect
// authorization flows against a PingOne authorization server, end to end:
// building authorization URLs, persisting proof-key material across
// redundant storage tiers, validating callbacks, exchanging codes for
// tokens, and polling device authorizations.
//
// The Engine is the single entry point. Construct one per client
// configuration and share it; it holds no global state:
//
//	eng, err := playground.NewEngine(playground.Config{
//		Credentials: flow.Credentials{
//			ClientID:    "my-client",
//			RedirectURI: "http://127.0.0.1:8765/callback",
//			Scopes:      []string{"openid", "profile"},
//		},
//		Environment: pingone.Environment{EnvironmentID: envID},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	session, err := eng.StartFlow(ctx, playground.StartInput{
//		FlowType:    flow.FlowAuthorizationCode,
//		SpecVersion: flow.SpecOIDC,
//	})
//	// direct the browser to session.AuthorizationURL, then:
//	cb, err := eng.HandleCallback(ctx, session, callbackURL)
//	tokens, err := eng.ExchangeCode(ctx, session, cb)
//
// Flow sessions are single use. Once tokens are obtained or the flow is
// abandoned, the stored proof-key material is cleared and the session
// rejects further calls.
package playground
