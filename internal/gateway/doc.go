// Package gateway is the transport server of command-center.
//
// # Overview
//
// A Gateway owns the session manager, the broadcast hub, the optional
// ledger and the servers in front of them. New wires the pieces from a
// config.Config; Run serves until its context is canceled and then shuts
// down in order: HTTP, gRPC, sessions, hub, ledger, tailnet node.
//
// # WebSocket
//
// GET /ws (also /events/stream) upgrades to a WebSocket. Each connection
// is a hub client: it receives every broadcast, and each text frame it
// sends is decoded with protocol.DecodeInbound and dispatched:
//
//	start_session       -> Manager.StartSession
//	user_message        -> Manager.SendMessage
//	permission_response -> Manager.ResolvePermission (duplicates dropped)
//	interrupt_session   -> Manager.InterruptSession
//	sync                -> sync_state reply to this client only
//
// Malformed frames and rejected operations produce an error message sent
// to the offending client only. A stale permission answer is ignored.
//
// # HTTP API
//
//	GET /api/agents                 roster
//	GET /api/agents/teams           roster grouped into teams
//	GET /api/sessions               sessions in creation order
//	GET /api/sessions/{id}/events   recorded history (requires database.path)
//	GET /api/intel                  intel digest with context files
//	GET /health                     {status, clients, sessions, uptimeSeconds}
//	GET /health/ready               503 while shutting down
//
// All routes but /health* require a bearer token when auth.jwt_secret is
// set.
//
// # gRPC
//
// When server.grpc_addr is set the standard grpc.health.v1 service is
// served there for orchestrator probes.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80, or :443 with Tailscale certificates when tailscale.https
// is set.
package gateway
