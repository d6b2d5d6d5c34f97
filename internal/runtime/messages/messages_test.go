// ABOUTME: Tests for the Messages API runtime using a canned SSE decoder
// ABOUTME: Covers streaming text, cumulative cost, resume history and failures

package messages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/command-center/internal/runtime"
)

// cannedDecoder feeds a fixed sequence of events to the ssestream.Stream.
type cannedDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *cannedDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *cannedDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *cannedDecoder) Close() error { return nil }
func (d *cannedDecoder) Err() error   { return d.err }

type fakeClient struct {
	replies [][]ssestream.Event
	calls   []sdk.MessageNewParams
}

func (c *fakeClient) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	c.calls = append(c.calls, body)
	events := c.replies[0]
	c.replies = c.replies[1:]
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&cannedDecoder{events: events}, nil)
}

func reply(inputTokens, outputTokens int, words ...string) []ssestream.Event {
	events := []ssestream.Event{
		{Type: "message_start", Data: fmt.Appendf(nil,
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-test","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":%d,"output_tokens":1}}}`, inputTokens)},
		{Type: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
	}
	for _, w := range words {
		events = append(events, ssestream.Event{Type: "content_block_delta", Data: fmt.Appendf(nil,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, w)})
	}
	return append(events,
		ssestream.Event{Type: "content_block_stop", Data: []byte(`{"type":"content_block_stop","index":0}`)},
		ssestream.Event{Type: "message_delta", Data: fmt.Appendf(nil,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":%d}}`, outputTokens)},
		ssestream.Event{Type: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	)
}

func drain(t *testing.T, s runtime.Stream) []runtime.Event {
	t.Helper()
	var out []runtime.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestQuery_StreamsTextThenSummary(t *testing.T) {
	client := &fakeClient{replies: [][]ssestream.Event{reply(1000, 500, "Hello", " world")}}
	rt := New(client, Config{Model: "claude-test", InputPrice: 3, OutputPrice: 15}, nil)

	s, err := rt.Query(t.Context(), runtime.Request{Prompt: "Begin", SystemPrompt: "You are the CMO."})
	require.NoError(t, err)
	defer s.Close()

	events := drain(t, s)
	require.Len(t, events, 5)

	init, ok := events[0].(runtime.Init)
	require.True(t, ok)
	assert.NotEmpty(t, init.ConversationID)
	assert.Equal(t, runtime.TextDelta{Text: "Hello"}, events[1])
	assert.Equal(t, runtime.TextDelta{Text: " world"}, events[2])

	assistant, ok := events[3].(runtime.Assistant)
	require.True(t, ok)
	require.Len(t, assistant.Content, 1)
	assert.Equal(t, "Hello world", assistant.Content[0].Text)

	result, ok := events[4].(runtime.Result)
	require.True(t, ok)
	assert.Equal(t, 1, result.NumTurns)
	assert.InDelta(t, 0.003+0.0075, result.CostUSD, 1e-9)
	assert.Equal(t, "Hello world", result.Result)

	require.Len(t, client.calls, 1)
	require.Len(t, client.calls[0].System, 1)
	assert.Equal(t, "You are the CMO.", client.calls[0].System[0].Text)
	assert.Equal(t, int64(4096), client.calls[0].MaxTokens)
}

func TestQuery_ResumeCarriesHistoryAndCumulativeTotals(t *testing.T) {
	client := &fakeClient{replies: [][]ssestream.Event{
		reply(10, 10, "first"),
		reply(10, 10, "second"),
	}}
	rt := New(client, Config{Model: "claude-test", InputPrice: 1, OutputPrice: 1}, nil)

	s, err := rt.Query(t.Context(), runtime.Request{Prompt: "one"})
	require.NoError(t, err)
	first := drain(t, s)
	handle := first[0].(runtime.Init).ConversationID

	s, err = rt.Query(t.Context(), runtime.Request{Prompt: "two", Resume: handle})
	require.NoError(t, err)
	second := drain(t, s)

	assert.Equal(t, runtime.Init{ConversationID: handle}, second[0])
	require.Len(t, client.calls, 2)
	assert.Len(t, client.calls[1].Messages, 3, "user, assistant, user")

	result := second[len(second)-1].(runtime.Result)
	assert.Equal(t, 2, result.NumTurns)
	assert.InDelta(t, 40.0/1e6, result.CostUSD, 1e-12)
}

func TestQuery_UnknownResumeHandle(t *testing.T) {
	rt := New(&fakeClient{}, Config{Model: "claude-test"}, nil)
	_, err := rt.Query(t.Context(), runtime.Request{Prompt: "x", Resume: "gone"})
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestQuery_TruncatedStreamIsAnError(t *testing.T) {
	events := reply(1, 1, "partial")
	client := &fakeClient{replies: [][]ssestream.Event{events[:3]}}
	rt := New(client, Config{Model: "claude-test"}, nil)

	s, err := rt.Query(t.Context(), runtime.Request{Prompt: "x"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv() // init
	require.NoError(t, err)
	_, err = s.Recv() // delta
	require.NoError(t, err)
	_, err = s.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestQuery_CancelledContext(t *testing.T) {
	client := &fakeClient{replies: [][]ssestream.Event{reply(1, 1, "a", "b")}}
	rt := New(client, Config{Model: "claude-test"}, nil)
	ctx, cancel := context.WithCancel(t.Context())

	s, err := rt.Query(ctx, runtime.Request{Prompt: "x"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	require.NoError(t, err)
	cancel()
	_, err = s.Recv()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFromAPIKey(t *testing.T) {
	_, err := NewFromAPIKey("", Config{}, nil)
	assert.Error(t, err)

	rt, err := NewFromAPIKey("sk-test", Config{Model: "claude-test"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, rt)
}
