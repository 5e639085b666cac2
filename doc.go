// Package authbridge exposes the bridge's HTTP surface.
//
// A Handler serves the OAuth endpoints an AI agent talks to and, when a paywall
// service is configured, the subscription API guarded by bridge access tokens:
//
//	GET  /.well-known/oauth-authorization-server
//	GET  /oauth/authorize          redirect to the identity provider sign-in
//	GET  /oauth/callback           issue a code to the agent's redirect_uri
//	GET  /oauth/error              error page for rejected authorizations
//	POST /oauth/token              authorization_code and refresh_token grants
//	POST /oauth/signout            revoke every refresh token of the caller
//	GET  /api/customer
//	GET  /api/subscription
//	POST /api/subscription/cancel
//
// Example usage:
//
//	srv, err := server.New(provider, store, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start(ctx)
//
//	handler := authbridge.NewHandler(srv, paywallService, logger)
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//	mux.Handle("/mcp", handler.ValidateToken(mcpHandler))
//
// Errors use the OAuth JSON shape {"error", "error_description"}. Failures that
// are not OAuth errors are reported as server_error without details.
package authbridge
