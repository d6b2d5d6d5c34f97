// ABOUTME: Server-to-client message kinds, including sub-session relay variants
// ABOUTME: EncodeOutbound writes the JSON object with its "type" discriminator first

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Outbound message kinds.
const (
	KindTextDelta        = "text_delta"
	KindAssistantMessage = "assistant_message"
	KindToolResult       = "tool_result"
	KindPermissionReq    = "permission_request"
	KindSessionResult    = "session_result"
	KindSessionStatus    = "session_status"
	KindToolProgress     = "tool_progress"
	KindSyncState        = "sync_state"
	KindError            = "error"

	KindSubagentStart            = "subagent_start"
	KindSubagentStop             = "subagent_stop"
	KindSubagentTextDelta        = "subagent_text_delta"
	KindSubagentToolProgress     = "subagent_tool_progress"
	KindSubagentAssistantMessage = "subagent_assistant_message"
	KindSubagentToolResult       = "subagent_tool_result"
)

// Outbound is a message sent to clients. The set of implementations is closed.
type Outbound interface {
	Kind() string
	outbound()
}

// SessionScoped is implemented by outbound messages that belong to one session.
type SessionScoped interface {
	Session() string
}

// SessionRef is embedded by every session-scoped message.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// Session returns the owning session id.
func (r SessionRef) Session() string { return r.SessionID }

type TextDelta struct {
	SessionRef
	Text string `json:"text"`
}

type AssistantMessage struct {
	SessionRef
	Content []ContentBlock `json:"content"`
}

type ToolResult struct {
	SessionRef
	ToolID  string `json:"toolId"`
	Content any    `json:"content"`
}

type PermissionRequest struct {
	SessionRef
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
}

type SessionResult struct {
	SessionRef
	Cost       float64 `json:"cost"`
	Turns      int     `json:"turns"`
	DurationMS int64   `json:"durationMs"`
	Result     string  `json:"result"`
	IsError    bool    `json:"isError"`
}

type SessionStatus struct {
	SessionRef
	AgentName string `json:"agentName"`
	Status    Status `json:"status"`
}

type ToolProgress struct {
	SessionRef
	ToolName       string  `json:"toolName"`
	ToolID         string  `json:"toolId"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// SyncState is the full snapshot sent in reply to sync. Intel is opaque.
type SyncState struct {
	Sessions []SessionInfo `json:"sessions"`
	Agents   []AgentInfo   `json:"agents"`
	Intel    any           `json:"intel"`
}

// Error reports a failure. SessionID is empty for connection-level errors.
type Error struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

// Session returns the session the error is scoped to, if any.
func (e Error) Session() string { return e.SessionID }

type SubagentStart struct {
	SessionRef
	AgentID         string `json:"agentId"`
	AgentType       string `json:"agentType"`
	ParentToolUseID string `json:"parentToolUseId"`
	TaskName        string `json:"taskName"`
	TaskDescription string `json:"taskDescription"`
}

type SubagentStop struct {
	SessionRef
	AgentID        string `json:"agentId"`
	TranscriptPath string `json:"transcriptPath,omitempty"`
}

type SubagentTextDelta struct {
	SessionRef
	AgentID string `json:"agentId"`
	Text    string `json:"text"`
}

type SubagentToolProgress struct {
	SessionRef
	AgentID        string  `json:"agentId"`
	ToolName       string  `json:"toolName"`
	ToolID         string  `json:"toolId"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

type SubagentAssistantMessage struct {
	SessionRef
	AgentID string         `json:"agentId"`
	Content []ContentBlock `json:"content"`
}

type SubagentToolResult struct {
	SessionRef
	AgentID string `json:"agentId"`
	ToolID  string `json:"toolId"`
	Content any    `json:"content"`
}

func (TextDelta) Kind() string                { return KindTextDelta }
func (AssistantMessage) Kind() string         { return KindAssistantMessage }
func (ToolResult) Kind() string               { return KindToolResult }
func (PermissionRequest) Kind() string        { return KindPermissionReq }
func (SessionResult) Kind() string            { return KindSessionResult }
func (SessionStatus) Kind() string            { return KindSessionStatus }
func (ToolProgress) Kind() string             { return KindToolProgress }
func (SyncState) Kind() string                { return KindSyncState }
func (Error) Kind() string                    { return KindError }
func (SubagentStart) Kind() string            { return KindSubagentStart }
func (SubagentStop) Kind() string             { return KindSubagentStop }
func (SubagentTextDelta) Kind() string        { return KindSubagentTextDelta }
func (SubagentToolProgress) Kind() string     { return KindSubagentToolProgress }
func (SubagentAssistantMessage) Kind() string { return KindSubagentAssistantMessage }
func (SubagentToolResult) Kind() string       { return KindSubagentToolResult }

func (TextDelta) outbound()                {}
func (AssistantMessage) outbound()         {}
func (ToolResult) outbound()               {}
func (PermissionRequest) outbound()        {}
func (SessionResult) outbound()            {}
func (SessionStatus) outbound()            {}
func (ToolProgress) outbound()             {}
func (SyncState) outbound()                {}
func (Error) outbound()                    {}
func (SubagentStart) outbound()            {}
func (SubagentStop) outbound()             {}
func (SubagentTextDelta) outbound()        {}
func (SubagentToolProgress) outbound()     {}
func (SubagentAssistantMessage) outbound() {}
func (SubagentToolResult) outbound()       {}

// EncodeOutbound renders a server message as a JSON object.
func EncodeOutbound(m Outbound) ([]byte, error) {
	return withType(m.Kind(), m)
}

// SessionOf returns the session id a message is scoped to, or "".
func SessionOf(m Outbound) string {
	if s, ok := m.(SessionScoped); ok {
		return s.Session()
	}
	return ""
}

// Ephemeral reports whether a message is a high-frequency streaming fragment
// that is not worth persisting.
func Ephemeral(m Outbound) bool {
	switch m.(type) {
	case TextDelta, ToolProgress, SubagentTextDelta, SubagentToolProgress:
		return true
	}
	return false
}

func withType(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", kind, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encoding %s: not a JSON object", kind)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(kind) + 12)
	buf.WriteString(`{"type":`)
	k, _ := json.Marshal(kind)
	buf.Write(k)
	if rest := body[1:]; len(rest) > 1 {
		buf.WriteByte(',')
		buf.Write(rest)
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}
