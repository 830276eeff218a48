package provider

import (
	"context"
	"fmt"
	"time"

	gmodel "github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/peterhq/peterbot/internal/config"
)

type geminiCompleter struct {
	chatModel *gmodel.ChatModel
	timeout   time.Duration
}

func newGemini(ctx context.Context, cfg config.ProviderConfig) (Completer, error) {
	clientCfg := &genai.ClientConfig{
		APIKey: cfg.APIKey,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("new gemini client failed: %w", err)
	}

	chatModel, err := gmodel.NewChatModel(ctx, &gmodel.Config{
		Client: client,
		Model:  cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini chat model: %w", err)
	}

	return &geminiCompleter{chatModel: chatModel, timeout: cfg.Timeout}, nil
}

func (g *geminiCompleter) Complete(ctx context.Context, prompt, system string) (string, error) {
	return complete(ctx, g.chatModel, g.timeout, prompt, system)
}
