// Package provider abstracts the language model behind a single completion
// call. Backends are built on eino chat models; the engine never sees
// provider-specific types.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/peterhq/peterbot/internal/config"
)

// Completer produces a single non-streaming completion for a prompt with an
// optional system preamble.
type Completer interface {
	Complete(ctx context.Context, prompt, system string) (string, error)
}

// New builds the configured completion backend.
func New(ctx context.Context, cfg config.ProviderConfig) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "gemini":
		return newGemini(ctx, cfg)
	case "openai":
		return newOpenAI(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

// complete runs one generate call against an eino chat model with a deadline.
func complete(ctx context.Context, m model.BaseChatModel, timeout time.Duration, prompt, system string) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input := make([]*schema.Message, 0, 2)
	if system != "" {
		input = append(input, schema.SystemMessage(system))
	}
	input = append(input, schema.UserMessage(prompt))

	resp, err := m.Generate(ctx, input)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	return resp.Content, nil
}
