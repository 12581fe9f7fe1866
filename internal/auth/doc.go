// Package auth provides authentication and authorization for the live chat gateway.
//
// # JWT Tokens
//
// Participants authenticate with HS256 JWTs signed with the configured
// jwt_secret (at least MinSecretLength bytes). Claims:
//
//   - sub: participant ID (required)
//   - name: display name, used as the agent name on staff messages
//   - role: "member" (default), "agent", or "admin"
//
// Agents and admins are staff: they may join any conversation and use the
// takeover/release endpoints of the admin API.
//
// # Token Extraction
//
// ExtractToken reads "Authorization: Bearer <token>" and falls back to the
// "token" query parameter, since browsers cannot set headers on a WebSocket
// handshake. The admin API accepts the header form only.
//
// # HTTP Middleware
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(api))
//	mux.Handle("/api/x", auth.HTTPAuthMiddleware(verifier)(auth.RequireAgent()(h)))
//
// Verified claims are stored in the request context and read back with
// FromContext.
package auth
