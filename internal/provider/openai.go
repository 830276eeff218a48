package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"

	"github.com/peterhq/peterbot/internal/config"
)

type openaiCompleter struct {
	chatModel *openai.ChatModel
	timeout   time.Duration
}

func newOpenAI(ctx context.Context, cfg config.ProviderConfig) (Completer, error) {
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create openai chat model: %w", err)
	}

	return &openaiCompleter{chatModel: chatModel, timeout: cfg.Timeout}, nil
}

func (o *openaiCompleter) Complete(ctx context.Context, prompt, system string) (string, error) {
	return complete(ctx, o.chatModel, o.timeout, prompt, system)
}
