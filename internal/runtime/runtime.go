// ABOUTME: Contract for the external agent-execution runtime invoked once per turn
// ABOUTME: A Query yields a typed event Stream; sensitive actions go through the Gate

package runtime

import (
	"context"

	"github.com/2389/command-center/internal/protocol"
)

// DeniedMessage is reported to the runtime when a human refuses an action.
const DeniedMessage = "User denied this action"

// Decision is the outcome of gating a proposed action.
type Decision struct {
	Allow bool
	// UpdatedInput replaces the proposed input when Allow is set.
	UpdatedInput map[string]any
	// Message explains a denial to the runtime.
	Message string
}

// AllowAs approves an action with the given input.
func AllowAs(input map[string]any) Decision {
	return Decision{Allow: true, UpdatedInput: input}
}

// Deny refuses an action.
func Deny(message string) Decision {
	return Decision{Message: message}
}

// Gate decides whether the runtime may perform a proposed action. It may
// block until a human answers; it returns ctx.Err() if the turn is cancelled
// while waiting.
type Gate func(ctx context.Context, toolName string, input map[string]any) (Decision, error)

// Request describes one turn.
type Request struct {
	Prompt string
	// Resume continues an existing conversation. Empty starts a new one.
	Resume       string
	SystemPrompt string
	WorkingDir   string
	Gate         Gate
}

// Runtime starts turns.
type Runtime interface {
	// Query starts a turn. Cancelling ctx aborts it; Recv then returns an
	// error wrapping context.Canceled.
	Query(ctx context.Context, req Request) (Stream, error)
}

// Stream yields the events of one turn in order.
type Stream interface {
	// Recv returns the next event, or io.EOF once the turn has ended.
	Recv() (Event, error)
	// Close releases the turn's resources. Safe to call more than once.
	Close() error
}

// Event is one runtime output. The set of implementations is closed.
type Event interface {
	event()
}

// Init carries the handle used to resume the conversation later.
type Init struct {
	ConversationID string
}

// TextDelta is an incremental text fragment. ParentToolUseID is set when the
// fragment comes from a sub-session spawned by that tool call.
type TextDelta struct {
	Text            string
	ParentToolUseID string
}

// ToolProgress reports a long-running action.
type ToolProgress struct {
	ToolName        string
	ToolID          string
	ElapsedSeconds  float64
	ParentToolUseID string
}

// Assistant is a complete structured message.
type Assistant struct {
	Content         []protocol.ContentBlock
	ParentToolUseID string
}

// ToolResult is the outcome of an action, correlated by ToolUseID.
type ToolResult struct {
	ToolUseID       string
	Content         any
	IsError         bool
	ParentToolUseID string
}

// Result is the end-of-turn summary. Cost and turn counts are cumulative
// for the conversation.
type Result struct {
	CostUSD    float64
	NumTurns   int
	DurationMS int64
	Result     string
	IsError    bool
}

func (Init) event()         {}
func (TextDelta) event()    {}
func (ToolProgress) event() {}
func (Assistant) event()    {}
func (ToolResult) event()   {}
func (Result) event()       {}
