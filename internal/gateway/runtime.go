// ABOUTME: Selects the agent-execution runtime named by runtime.backend
// ABOUTME: claude CLI, Anthropic Messages API, or the scripted echo runtime

package gateway

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/2389/command-center/internal/config"
	"github.com/2389/command-center/internal/runtime"
	"github.com/2389/command-center/internal/runtime/claudecode"
	"github.com/2389/command-center/internal/runtime/messages"
	"github.com/2389/command-center/internal/runtime/scripted"
)

// NewRuntime builds the runtime for cfg.Backend.
func NewRuntime(cfg config.RuntimeConfig, logger *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Backend {
	case config.BackendClaudeCode, "":
		return claudecode.New(claudecode.Config{Binary: cfg.ClaudeBinary}, logger), nil
	case config.BackendMessages:
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return messages.NewFromAPIKey(apiKey, messages.Config{
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			InputPrice:  cfg.InputPrice,
			OutputPrice: cfg.OutputPrice,
		}, logger)
	case config.BackendScripted:
		return scripted.New(nil), nil
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", cfg.Backend)
	}
}
