// Package auth provides optional operator authentication for command-center.
//
// # Tokens
//
// Operators authenticate with HS256 JWTs signed with auth.jwt_secret. The
// "sub" claim names the operator and "iss" must be "command-center":
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("harper", 30*24*time.Hour)
//	subject, err := verifier.Verify(token)
//
// The command-center token sub-command issues tokens from the CLI.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware guards the WebSocket and API routes. Tokens come from
// the Authorization header, or from a ?token= query parameter for browsers
// that cannot set headers when opening a WebSocket. The authenticated
// operator is available to handlers through OperatorFromContext.
//
// When no secret is configured the gateway passes a nil verifier and the
// middleware lets every request through; the server is then expected to
// listen on a trusted interface only.
package auth
