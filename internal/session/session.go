// ABOUTME: Session state: status, resume handle, accounting and the pending permission
// ABOUTME: All fields are guarded by the session mutex; broadcasts happen under it too

package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/command-center/internal/persona"
	"github.com/2389/command-center/internal/protocol"
	"github.com/2389/command-center/internal/runtime"
)

// Session is one resumable multi-turn conversation with the runtime.
type Session struct {
	ID        string
	Agent     *persona.Agent
	StartedAt time.Time

	systemPrompt string

	// ctx is cancelled by interrupt; every turn of the session runs under it.
	ctx    context.Context
	cancel context.CancelFunc

	// gateMu serialises permission requests so at most one is pending.
	gateMu sync.Mutex

	mu             sync.Mutex
	status         protocol.Status
	conversationID string
	cost           float64
	turns          int
	pending        *pendingPermission
	progress       *rate.Limiter
	subagents      map[string]bool
}

// pendingPermission is a suspended gate call awaiting a human decision.
// decision has capacity one and receives exactly once.
type pendingPermission struct {
	requestID string
	toolName  string
	input     map[string]any
	decision  chan runtime.Decision
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	ID                  string
	AgentName           string
	Status              protocol.Status
	ConversationID      string
	Cost                float64
	Turns               int
	StartedAt           time.Time
	PendingPermissionID string
}

// Snapshot copies the session's state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:             s.ID,
		AgentName:      s.Agent.Name,
		Status:         s.status,
		ConversationID: s.conversationID,
		Cost:           s.cost,
		Turns:          s.turns,
		StartedAt:      s.StartedAt,
	}
	if s.pending != nil {
		snap.PendingPermissionID = s.pending.requestID
	}
	return snap
}

// Status returns the current status.
func (s *Session) Status() protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info returns the client-facing summary.
func (s *Session) Info() protocol.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.SessionInfo{
		ID:               s.ID,
		AgentName:        s.Agent.Name,
		AgentDisplayName: s.Agent.DisplayName,
		AgentColor:       s.Agent.Color,
		Status:           s.status,
		Cost:             s.cost,
		Turns:            s.turns,
		StartedAt:        s.StartedAt.UnixMilli(),
	}
}
