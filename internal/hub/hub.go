// ABOUTME: In-memory fan-out hub delivering every outbound message to all clients
// ABOUTME: Per-client bounded queues; slow or failing clients are removed, never waited on

package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/command-center/internal/protocol"
)

const (
	// clientBufferSize is the queue depth for each client.
	clientBufferSize = 64
)

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("hub closed")

// Sink writes one message to a client. The hub calls a sink from a single
// goroutine, so implementations need not be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, msg protocol.Outbound) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg protocol.Outbound) error

// Send calls f(ctx, msg).
func (f SinkFunc) Send(ctx context.Context, msg protocol.Outbound) error { return f(ctx, msg) }

// Recorder observes every broadcast message. Record must not block.
type Recorder interface {
	Record(msg protocol.Outbound)
}

// SessionLister supplies the session summaries for a snapshot.
type SessionLister interface {
	Sessions() []protocol.SessionInfo
}

// AgentLister supplies the agent roster for a snapshot.
type AgentLister interface {
	Infos() []protocol.AgentInfo
}

// IntelSource supplies the opaque intel payload for a snapshot.
type IntelSource interface {
	Digest(ctx context.Context) (any, error)
}

// Config wires a Hub. Every field is optional.
type Config struct {
	Sessions SessionLister
	Agents   AgentLister
	Intel    IntelSource
	Recorder Recorder
	Logger   *slog.Logger
}

// Hub is the set of connected clients.
type Hub struct {
	sessions SessionLister
	agents   AgentLister
	intel    IntelSource
	recorder Recorder
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// Client is one registered connection.
type Client struct {
	ID string

	hub    *Hub
	sink   Sink
	queue  chan protocol.Outbound
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a hub.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: cfg.Sessions,
		agents:   cfg.Agents,
		intel:    cfg.Intel,
		recorder: cfg.Recorder,
		logger:   logger.With("component", "hub"),
		clients:  make(map[string]*Client),
	}
}

// Register adds a client whose messages are written to sink. The client is
// removed when ctx is cancelled, when its queue overflows, or when sink
// returns an error.
func (h *Hub) Register(ctx context.Context, sink Sink) (*Client, error) {
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		ID:     uuid.New().String(),
		hub:    h,
		sink:   sink,
		queue:  make(chan protocol.Outbound, clientBufferSize),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()

	go c.writeLoop()

	h.logger.Info("client connected", "client_id", c.ID, "clients", count)
	return c, nil
}

// Broadcast queues msg for every client. It never blocks; a client whose
// queue is full is removed.
func (h *Hub) Broadcast(msg protocol.Outbound) {
	if h.recorder != nil {
		h.recorder.Record(msg)
	}

	// Copy targets under read lock to avoid holding it during sends
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(msg) {
			h.logger.Warn("dropping slow client", "client_id", c.ID, "type", msg.Kind())
			h.remove(c)
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Snapshot builds the sync_state reply from the configured sources. A
// failing intel source yields a nil intel payload.
func (h *Hub) Snapshot(ctx context.Context) protocol.SyncState {
	state := protocol.SyncState{
		Sessions: []protocol.SessionInfo{},
		Agents:   []protocol.AgentInfo{},
	}
	if h.sessions != nil {
		if s := h.sessions.Sessions(); s != nil {
			state.Sessions = s
		}
	}
	if h.agents != nil {
		if a := h.agents.Infos(); a != nil {
			state.Agents = a
		}
	}
	if h.intel != nil {
		digest, err := h.intel.Digest(ctx)
		if err != nil {
			h.logger.Warn("intel digest failed", "error", err)
		} else {
			state.Intel = digest
		}
	}
	return state
}

// Close removes every client. Later registrations fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.cancel()
	}
	h.logger.Debug("hub closed", "clients", len(clients))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	count := len(h.clients)
	h.mu.Unlock()

	c.cancel()
	if ok {
		h.logger.Info("client disconnected", "client_id", c.ID, "clients", count)
	}
}

// Send queues msg for this client only.
func (c *Client) Send(msg protocol.Outbound) bool {
	if !c.enqueue(msg) {
		c.hub.remove(c)
		return false
	}
	return true
}

// Close removes the client from its hub.
func (c *Client) Close() {
	c.hub.remove(c)
}

// Done is closed once the client's writer has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) enqueue(msg protocol.Outbound) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) writeLoop() {
	defer close(c.done)
	defer c.hub.remove(c)

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.queue:
			if err := c.sink.Send(c.ctx, msg); err != nil {
				if c.ctx.Err() == nil {
					c.hub.logger.Debug("client write failed", "client_id", c.ID, "error", err)
				}
				return
			}
		}
	}
}
