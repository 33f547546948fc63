// Package gateway assembles the quirks chat server.
//
// # Overview
//
// The Gateway owns the store, the conversation directory, the room hub,
// the persistence writer and the HTTP server, and tears them down in
// dependency order on Shutdown: stop accepting requests, close the hub so
// live sessions end, drain queued messages, then close the store.
//
// # HTTP API
//
//   - POST /api/conversations - resolve or create the direct conversation with target_handle
//   - GET /api/conversations - list the caller's conversations
//   - GET /api/conversations/{id}/messages?limit=N - recent history, oldest first
//   - PUT /api/profile - set the caller's display name and avatar
//   - GET /ws/conversations/{id} - live channel (WebSocket)
//   - GET /health - liveness check
//   - GET /health/ready - readiness check (database reachable)
//
// Everything under /api and /ws requires a caller identity: a bearer JWT
// when auth.jwt_secret is set, the X-Quirks-Handle header otherwise.
//
// # Listeners
//
// With tailscale.enabled the server joins the tailnet through tsnet and
// listens there (":80", or ":443" with tailnet certificates); otherwise it
// listens on server.http_addr.
package gateway
