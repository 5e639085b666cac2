// Package server implements the authorization flow of the bridge.
//
// A Server turns a session at an external identity provider into tokens that
// an AI-agent client can use. It drives one state machine per client:
//
//	Unauthenticated -> AuthorizationRequested -> CodeIssued -> TokenIssued
//	                                                    TokenIssued <-> Refreshing
//	                                                                 -> Revoked
//
// Authorization codes and access tokens are self-contained tokens signed by a
// token.Codec; only refresh tokens are stored, in a storage.RefreshTokenStore.
// Revocation therefore removes refresh tokens only: an access token already
// handed out stays valid until it expires, which is why AccessTokenTTL is
// capped at one hour.
//
// The HTTP surface lives in the root package; this package is transport-agnostic
// apart from reading the identity provider session off the callback request.
//
// Example usage:
//
//	store := memory.New()
//	provider, _ := oidc.New(ctx, oidc.Config{...})
//
//	srv, err := server.New(provider, store, &server.Config{
//	    Issuer:        "https://bridge.example.com",
//	    SigningSecret: secret,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start(ctx)
package server
