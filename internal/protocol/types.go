// ABOUTME: Shared wire types for the browser protocol: session status, summaries, content blocks
// ABOUTME: Status carries the session state machine edge table

package protocol

import (
	"encoding/json"
	"fmt"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusStarting          Status = "starting"
	StatusRunning           Status = "running"
	StatusWaitingPermission Status = "waiting_permission"
	StatusIdle              Status = "idle"
	StatusCompleted         Status = "completed"
	StatusError             Status = "error"
)

// transitions lists the legal next states for each status. running and
// waiting_permission form a sub-cycle inside a turn; completed has no exits.
var transitions = map[Status][]Status{
	StatusStarting:          {StatusRunning, StatusCompleted, StatusError},
	StatusRunning:           {StatusWaitingPermission, StatusIdle, StatusCompleted, StatusError},
	StatusWaitingPermission: {StatusRunning, StatusCompleted, StatusError},
	StatusIdle:              {StatusRunning, StatusCompleted},
	StatusError:             {StatusRunning, StatusCompleted},
	StatusCompleted:         nil,
}

// CanTransition reports whether from -> to is an edge of the session state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Resumable reports whether a session in this state accepts a new message.
func (s Status) Resumable() bool {
	return s == StatusIdle || s == StatusError
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// SessionInfo is the summary of one session sent in sync_state and /api/sessions.
type SessionInfo struct {
	ID               string  `json:"id"`
	AgentName        string  `json:"agentName"`
	AgentDisplayName string  `json:"agentDisplayName"`
	AgentColor       string  `json:"agentColor"`
	Status           Status  `json:"status"`
	Cost             float64 `json:"cost"`
	Turns            int     `json:"turns"`
	StartedAt        int64   `json:"startedAt"` // unix milliseconds
}

// AgentInfo is the public view of a persona.
type AgentInfo struct {
	Name           string `json:"name"`
	DisplayName    string `json:"displayName"`
	ShortTag       string `json:"shortTag"`
	Color          string `json:"color"`
	Description    string `json:"description"`
	Hotkey         string `json:"hotkey"`
	IsOrchestrator bool   `json:"isOrchestrator"`
}

// Content block kinds.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// ContentBlock is one element of an assistant message. text and tool_use
// blocks are decoded into fields; any other kind is carried verbatim in Raw.
type ContentBlock struct {
	Type  string
	Text  string
	ID    string
	Name  string
	Input map[string]any
	Raw   json.RawMessage
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// MarshalJSON implements json.Marshaler.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case BlockToolUse:
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		return json.Marshal(struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	}
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
	}{b.Type})
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("content block: %w", err)
	}
	*b = ContentBlock{Type: wire.Type}
	switch wire.Type {
	case BlockText:
		b.Text = wire.Text
	case BlockToolUse:
		b.ID, b.Name, b.Input = wire.ID, wire.Name, wire.Input
	default:
		b.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}
