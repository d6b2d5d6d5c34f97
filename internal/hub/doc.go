// Package hub fans outbound protocol messages out to every connected client.
//
// # Clients
//
// A client is registered with a Sink that writes one message to its
// connection:
//
//	client, err := h.Register(ctx, sink)
//
// Each client owns a queue of 64 messages drained by its own writer
// goroutine. Broadcast never blocks: when a queue is full, or a write fails,
// the client is removed and its Done channel closes. Delivery is best
// effort with no retry; a client that reconnects recovers with a sync.
//
// # Snapshots
//
// Snapshot builds the sync_state reply from the configured SessionLister,
// AgentLister and IntelSource. Client.Send delivers it to the requesting
// client only.
//
// # Recording
//
// An optional Recorder observes every broadcast message before fan-out.
// The ledger uses it to persist session history.
package hub
