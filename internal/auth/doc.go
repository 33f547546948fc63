// Package auth resolves the caller of an HTTP or WebSocket request to a user handle.
//
// # Identity
//
// Credential issuance (signup, password login) belongs to the external
// identity provider. This package only verifies what that provider hands
// out: HS256 JWTs signed with the shared auth.jwt_secret. The handle is
// taken from the "handle" claim, or "sub" when absent.
//
//	resolver, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(resolver, logger)(api))
//
// Handlers read the caller with FromContext or HandleFromContext.
//
// # WebSocket upgrades
//
// Browsers cannot attach an Authorization header to a WebSocket upgrade,
// so GET requests may carry the token as ?token=.
//
// # Development mode
//
// Without a jwt_secret the gateway installs DevHandleMiddleware, which
// trusts the X-Quirks-Handle header. Never expose that mode publicly.
package auth
