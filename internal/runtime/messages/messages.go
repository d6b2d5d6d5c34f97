// ABOUTME: Chat-only runtime backed by the Anthropic Messages streaming API
// ABOUTME: Conversation history is kept in memory and resumed by an opaque handle

package messages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/2389/command-center/internal/protocol"
	"github.com/2389/command-center/internal/runtime"
)

// ErrUnknownConversation is returned when resuming a handle this process
// never issued (for example after a restart).
var ErrUnknownConversation = errors.New("unknown conversation")

// MessagesClient is the subset of the SDK used here. *sdk.MessageService
// satisfies it.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Config configures the model call and cost accounting.
type Config struct {
	Model     string
	MaxTokens int64
	// Prices in USD per million tokens.
	InputPrice  float64
	OutputPrice float64
}

// Runtime runs turns against the Messages API.
type Runtime struct {
	client MessagesClient
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
}

type conversation struct {
	history []sdk.MessageParam
	turns   int
	cost    float64
	started time.Time
}

// New creates a runtime using client. Pass nil logger for default.
func New(client MessagesClient, cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Runtime{
		client:        client,
		cfg:           cfg,
		logger:        logger.With("component", "messages-runtime"),
		conversations: make(map[string]*conversation),
	}
}

// NewFromAPIKey constructs a runtime with the default SDK HTTP client.
func NewFromAPIKey(apiKey string, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, cfg, logger), nil
}

// Query streams one assistant reply. The gate is never consulted because
// no tools are offered.
func (r *Runtime) Query(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	r.mu.Lock()
	id := req.Resume
	conv, ok := r.conversations[id]
	if id == "" {
		id = uuid.NewString()
		conv = &conversation{started: time.Now()}
		r.conversations[id] = conv
	} else if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("resuming %s: %w", id, ErrUnknownConversation)
	}
	user := sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))
	history := append(append([]sdk.MessageParam(nil), conv.history...), user)
	r.mu.Unlock()

	params := sdk.MessageNewParams{
		MaxTokens: r.cfg.MaxTokens,
		Messages:  history,
		Model:     sdk.Model(r.cfg.Model),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}

	stream := r.client.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}

	r.logger.Debug("turn started", "conversation", id, "history", len(history))
	return &turnStream{
		ctx:     ctx,
		rt:      r,
		id:      id,
		user:    user,
		stream:  stream,
		pending: []runtime.Event{runtime.Init{ConversationID: id}},
		started: time.Now(),
	}, nil
}

type turnStream struct {
	ctx    context.Context
	rt     *Runtime
	id     string
	user   sdk.MessageParam
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	pending      []runtime.Event
	text         strings.Builder
	inputTokens  int64
	outputTokens int64
	stopped      bool
	started      time.Time
}

func (s *turnStream) Recv() (runtime.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.stopped {
			return nil, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return nil, fmt.Errorf("messages turn: %w", err)
		}

		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				if ctxErr := s.ctx.Err(); ctxErr != nil {
					return nil, fmt.Errorf("messages turn: %w", ctxErr)
				}
				return nil, fmt.Errorf("anthropic messages stream: %w", err)
			}
			if err := s.ctx.Err(); err != nil {
				return nil, fmt.Errorf("messages turn: %w", err)
			}
			return nil, errors.New("anthropic messages stream ended before message_stop")
		}

		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			s.inputTokens = ev.Message.Usage.InputTokens
		case sdk.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && d.Text != "" {
				s.text.WriteString(d.Text)
				return runtime.TextDelta{Text: d.Text}, nil
			}
		case sdk.MessageDeltaEvent:
			s.outputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				s.inputTokens = ev.Usage.InputTokens
			}
		case sdk.MessageStopEvent:
			s.stopped = true
			s.pending = append(s.pending,
				runtime.Assistant{Content: []protocol.ContentBlock{protocol.TextBlock(s.text.String())}},
				s.commit(),
			)
		}
	}
}

// commit appends the exchange to the conversation and returns the
// cumulative summary.
func (s *turnStream) commit() runtime.Result {
	cost := float64(s.inputTokens)*s.rt.cfg.InputPrice/1e6 + float64(s.outputTokens)*s.rt.cfg.OutputPrice/1e6
	reply := s.text.String()

	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	conv := s.rt.conversations[s.id]
	conv.history = append(conv.history, s.user, sdk.NewAssistantMessage(sdk.NewTextBlock(reply)))
	conv.turns++
	conv.cost += cost

	return runtime.Result{
		CostUSD:    conv.cost,
		NumTurns:   conv.turns,
		DurationMS: time.Since(s.started).Milliseconds(),
		Result:     reply,
	}
}

func (s *turnStream) Close() error {
	return s.stream.Close()
}
