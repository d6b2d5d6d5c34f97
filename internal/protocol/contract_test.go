// ABOUTME: Contract tests for the wire protocol surface to detect breaking changes
// ABOUTME: Pins the set of message kinds that deployed browser clients depend on

package protocol

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

// expectedInbound and expectedOutbound define the contract with clients.
// If a kind is removed or renamed these tests fail before a release does.
var expectedInbound = []string{
	"start_session",
	"user_message",
	"permission_response",
	"interrupt_session",
	"sync",
}

var expectedOutbound = []string{
	"text_delta",
	"assistant_message",
	"tool_result",
	"permission_request",
	"session_result",
	"session_status",
	"tool_progress",
	"sync_state",
	"error",
	"subagent_start",
	"subagent_stop",
	"subagent_text_delta",
	"subagent_tool_progress",
	"subagent_assistant_message",
	"subagent_tool_result",
}

func TestInboundSurface(t *testing.T) {
	actual := []Inbound{
		StartSession{}, UserMessage{}, PermissionResponse{}, InterruptSession{}, Sync{},
	}
	kinds := make([]string, 0, len(actual))
	for _, m := range actual {
		kinds = append(kinds, m.Kind())
	}
	assert.ElementsMatch(t, expectedInbound, kinds)
}

func TestOutboundSurface(t *testing.T) {
	actual := []Outbound{
		TextDelta{}, AssistantMessage{}, ToolResult{}, PermissionRequest{},
		SessionResult{}, SessionStatus{}, ToolProgress{}, SyncState{}, Error{},
		SubagentStart{}, SubagentStop{}, SubagentTextDelta{}, SubagentToolProgress{},
		SubagentAssistantMessage{}, SubagentToolResult{},
	}
	kinds := make([]string, 0, len(actual))
	for _, m := range actual {
		kinds = append(kinds, m.Kind())
	}
	slices.Sort(kinds)
	assert.Equal(t, len(kinds), len(slices.Compact(slices.Clone(kinds))), "duplicate kind")
	assert.ElementsMatch(t, expectedOutbound, kinds)
}

func TestSessionScopedSurface(t *testing.T) {
	// Everything but sync_state must be attributable to a session so that
	// events for one session never appear under another's id.
	for _, m := range []Outbound{
		TextDelta{}, AssistantMessage{}, ToolResult{}, PermissionRequest{},
		SessionResult{}, SessionStatus{}, ToolProgress{}, Error{},
		SubagentStart{}, SubagentStop{}, SubagentTextDelta{}, SubagentToolProgress{},
		SubagentAssistantMessage{}, SubagentToolResult{},
	} {
		_, ok := m.(SessionScoped)
		assert.True(t, ok, "%s should be session scoped", m.Kind())
	}
	_, ok := Outbound(SyncState{}).(SessionScoped)
	assert.False(t, ok)
}
