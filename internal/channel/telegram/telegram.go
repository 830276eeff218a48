// Package telegram implements the chat gateway on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/peterhq/peterbot/internal/channel"
	"github.com/peterhq/peterbot/internal/pkg/logs"
)

var _ channel.Gateway = (*Telegram)(nil)

type Telegram struct {
	bot     *bot.Bot
	handler channel.Handler
	mu      sync.RWMutex
}

// New creates a Telegram gateway with the given bot token. The receive loop
// uses long polling; webhooks are not needed for a single-user deployment.
func New(token string) (*Telegram, error) {
	tg := &Telegram{}

	b, err := bot.New(token, bot.WithDefaultHandler(tg.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	tg.bot = b

	return tg, nil
}

func (t *Telegram) Start(ctx context.Context) error {
	t.bot.Start(ctx)
	return nil
}

func (t *Telegram) Stop(ctx context.Context) error {
	_, err := t.bot.Close(ctx)
	if err != nil {
		return fmt.Errorf("close telegram bot: %w", err)
	}
	return nil
}

func (t *Telegram) SendMessage(ctx context.Context, chatID, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	_, err = t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    id,
		Text:      content,
		ParseMode: models.ParseModeMarkdown,
	})
	if err != nil {
		// Markdown parse failures should never swallow a result.
		logs.CtxWarn(ctx, "[telegram] markdown send failed, retrying as plain text: %v", err)
		_, err = t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: id,
			Text:   content,
		})
	}
	return err
}

func (t *Telegram) SendTyping(ctx context.Context, chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	ok, err := t.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: id,
		Action: models.ChatActionTyping,
	})
	if err != nil {
		return fmt.Errorf("send chat action: %w", err)
	}
	if !ok {
		return errors.New("telegram send chat action failed")
	}
	return nil
}

func (t *Telegram) RegisterMessageHandler(handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

// handleUpdate normalizes incoming text updates and forwards them to the
// registered handler. Non-text updates are dropped.
func (t *Telegram) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}

	channelMsg := &channel.Message{
		ID:      strconv.Itoa(msg.ID),
		ChatID:  strconv.FormatInt(msg.Chat.ID, 10),
		UserID:  strconv.FormatInt(msg.From.ID, 10),
		Content: msg.Text,
		Metadata: map[string]string{
			"chat_type": string(msg.Chat.Type),
			"username":  msg.From.Username,
		},
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		return
	}

	ctx = logs.SetLogID(ctx, logs.NewLogID())
	if err := handler(ctx, channelMsg); err != nil {
		logs.CtxError(ctx, "[telegram] handle message: %v", err)
		_, _ = b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: msg.Chat.ID,
			Text:   "Sorry, something went wrong while processing your message.",
		})
	}
}
