// ABOUTME: Parses claude CLI stream-json stdout lines into runtime events
// ABOUTME: Control requests (can_use_tool) are surfaced separately for the gate

package claudecode

import (
	"encoding/json"
	"fmt"

	"github.com/2389/command-center/internal/protocol"
	"github.com/2389/command-center/internal/runtime"
)

// line is the union of every stream-json envelope the CLI writes.
type line struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Event           json.RawMessage `json:"event"`
	Message         json.RawMessage `json:"message"`

	// tool_progress; older CLIs used tool_id/elapsed_seconds
	ToolName           string  `json:"tool_name"`
	ToolUseID          string  `json:"tool_use_id"`
	ToolID             string  `json:"tool_id"`
	ElapsedTimeSeconds float64 `json:"elapsed_time_seconds"`
	ElapsedSeconds     float64 `json:"elapsed_seconds"`

	// result
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	DurationMS   int64   `json:"duration_ms"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`

	// control_request / control_response
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
}

// controlRequest is a request from the CLI that needs an answer on stdin.
type controlRequest struct {
	RequestID string
	Subtype   string
	ToolName  string
	Input     map[string]any
}

// parsed is the outcome of one stdout line.
type parsed struct {
	events  []runtime.Event
	control *controlRequest
}

func parseLine(data []byte) (parsed, error) {
	var l line
	if err := json.Unmarshal(data, &l); err != nil {
		return parsed{}, fmt.Errorf("parsing stream-json line: %w", err)
	}
	parent := ""
	if l.ParentToolUseID != nil {
		parent = *l.ParentToolUseID
	}

	switch l.Type {
	case "system":
		if l.Subtype == "init" && l.SessionID != "" {
			return parsed{events: []runtime.Event{runtime.Init{ConversationID: l.SessionID}}}, nil
		}

	case "stream_event":
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(l.Event, &ev); err != nil {
			return parsed{}, fmt.Errorf("parsing stream_event: %w", err)
		}
		if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" {
			return parsed{events: []runtime.Event{runtime.TextDelta{Text: ev.Delta.Text, ParentToolUseID: parent}}}, nil
		}

	case "tool_progress":
		id := l.ToolUseID
		if id == "" {
			id = l.ToolID
		}
		elapsed := l.ElapsedTimeSeconds
		if elapsed == 0 {
			elapsed = l.ElapsedSeconds
		}
		return parsed{events: []runtime.Event{runtime.ToolProgress{
			ToolName:        l.ToolName,
			ToolID:          id,
			ElapsedSeconds:  elapsed,
			ParentToolUseID: parent,
		}}}, nil

	case "assistant":
		var msg struct {
			Content []protocol.ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(l.Message, &msg); err != nil {
			return parsed{}, fmt.Errorf("parsing assistant message: %w", err)
		}
		if msg.Content == nil {
			msg.Content = []protocol.ContentBlock{}
		}
		return parsed{events: []runtime.Event{runtime.Assistant{Content: msg.Content, ParentToolUseID: parent}}}, nil

	case "user":
		return parsed{events: toolResults(l.Message, parent)}, nil

	case "result":
		return parsed{events: []runtime.Event{runtime.Result{
			CostUSD:    l.TotalCostUSD,
			NumTurns:   l.NumTurns,
			DurationMS: l.DurationMS,
			Result:     l.Result,
			IsError:    l.IsError || (l.Subtype != "" && l.Subtype != "success"),
		}}}, nil

	case "control_request":
		var req struct {
			Subtype  string         `json:"subtype"`
			ToolName string         `json:"tool_name"`
			Input    map[string]any `json:"input"`
		}
		if err := json.Unmarshal(l.Request, &req); err != nil {
			return parsed{}, fmt.Errorf("parsing control_request: %w", err)
		}
		if req.Input == nil {
			req.Input = map[string]any{}
		}
		return parsed{control: &controlRequest{
			RequestID: l.RequestID,
			Subtype:   req.Subtype,
			ToolName:  req.ToolName,
			Input:     req.Input,
		}}, nil
	}

	return parsed{}, nil
}

// toolResults extracts tool_result blocks from a user message. Plain-text
// user content (echoed prompts) yields nothing.
func toolResults(raw json.RawMessage, parent string) []runtime.Event {
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	var blocks []struct {
		Type      string          `json:"type"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
	}
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}

	var events []runtime.Event
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		var content any
		if len(b.Content) > 0 {
			content = b.Content
		}
		events = append(events, runtime.ToolResult{
			ToolUseID:       b.ToolUseID,
			Content:         content,
			IsError:         b.IsError,
			ParentToolUseID: parent,
		})
	}
	return events
}
