// Package channel defines the chat transport boundary. The engine only
// depends on the Gateway interface; Telegram is the single production
// implementation.
package channel

import "context"

// Message is an inbound chat message normalized by a gateway implementation.
type Message struct {
	ID       string
	ChatID   string
	UserID   string
	Content  string
	Metadata map[string]string
}

// Handler processes a normalized inbound message.
type Handler func(ctx context.Context, msg *Message) error

// Gateway is a runtime adapter between the engine and a chat platform.
type Gateway interface {
	// Start begins the receive loop and blocks until the context is canceled
	// or a fatal error occurs.
	Start(ctx context.Context) error

	// Stop gracefully shuts down gateway resources.
	Stop(ctx context.Context) error

	// SendMessage sends text content to the target chat.
	SendMessage(ctx context.Context, chatID, content string) error

	// SendTyping sends a transient typing indicator to the target chat.
	// Best effort; callers ignore failures.
	SendTyping(ctx context.Context, chatID string) error

	// RegisterMessageHandler registers the inbound message callback. It must
	// be called before Start.
	RegisterMessageHandler(handler Handler) error
}
