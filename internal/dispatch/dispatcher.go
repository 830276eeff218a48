// Package dispatch is the front door from the chat transport to the rest of
// the system: it authorizes inbound messages, routes commands, and splits the
// remainder into synchronous replies and queued jobs.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/peterhq/peterbot/internal/channel"
	"github.com/peterhq/peterbot/internal/configstore"
	"github.com/peterhq/peterbot/internal/intent"
	"github.com/peterhq/peterbot/internal/pkg/logs"
	"github.com/peterhq/peterbot/internal/pkg/metrics"
	"github.com/peterhq/peterbot/internal/provider"
	"github.com/peterhq/peterbot/internal/store"
)

const (
	typingInterval  = 3 * time.Second
	statusListLimit = 20

	unauthorizedReply = "Sorry, you are not authorized to use this bot."
	quickErrorReply   = "Sorry, I couldn't answer that right now. Please try again in a moment."
	commandErrorReply = "Sorry, something went wrong handling that command. Please try again."
)

// Dispatcher handles every inbound chat message for the single authorized
// chat. Each invocation is its own short-lived task; shared state lives in
// the store.
type Dispatcher struct {
	store     *store.Store
	gateway   channel.Gateway
	completer provider.Completer
	configs   *configstore.Store
	chatID    string
	commands  *CommandRouter
}

// New wires a dispatcher for the authorized chat.
func New(st *store.Store, gw channel.Gateway, cp provider.Completer, cs *configstore.Store, chatID string) *Dispatcher {
	d := &Dispatcher{
		store:     st,
		gateway:   gw,
		completer: cp,
		configs:   cs,
		chatID:    chatID,
		commands:  newCommandRouter(),
	}
	registerBuiltinCommands(d.commands)
	return d
}

// HandleMessage is the channel.Handler entry point.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *channel.Message) error {
	if msg == nil || msg.Content == "" {
		return nil
	}

	if msg.ChatID != d.chatID {
		logs.CtxWarn(ctx, "[dispatch] rejected message from unauthorized chat %s", msg.ChatID)
		return d.gateway.SendMessage(ctx, msg.ChatID, unauthorizedReply)
	}

	if cmd, args, ok := d.commands.Match(msg.Content); ok {
		return d.handleCommand(ctx, cmd, msg, args)
	}
	if len(msg.Content) > 0 && msg.Content[0] == '/' {
		// Unknown command, not conversation. Stay silent.
		logs.CtxDebug(ctx, "[dispatch] ignoring unknown command %q", msg.Content)
		return nil
	}

	switch intent.Classify(msg.Content) {
	case intent.Task:
		return d.handleTask(ctx, msg)
	default:
		return d.handleQuick(ctx, msg)
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, cmd *Command, msg *channel.Message, args string) error {
	reply, err := cmd.Handler(ctx, d, msg, args)
	if err != nil {
		logs.CtxError(ctx, "[dispatch] command %s failed: %v", cmd.Name, err)
		return d.gateway.SendMessage(ctx, msg.ChatID, commandErrorReply)
	}
	if reply == "" {
		return nil
	}
	return d.gateway.SendMessage(ctx, msg.ChatID, reply)
}

// handleQuick answers in the same turn without touching the queue.
func (d *Dispatcher) handleQuick(ctx context.Context, msg *channel.Message) error {
	stopTyping := d.keepTyping(ctx, msg.ChatID)
	resp, err := d.completer.Complete(ctx, msg.Content, d.configs.SystemPrompt())
	stopTyping()
	if err != nil {
		logs.CtxError(ctx, "[dispatch] quick completion failed: %v", err)
		return d.gateway.SendMessage(ctx, msg.ChatID, quickErrorReply)
	}

	metrics.QuickReplies.Inc()
	return d.gateway.SendMessage(ctx, msg.ChatID, resp)
}

// handleTask persists the job and acknowledges before the worker can pick it
// up. The ack is sent in the same turn; its failure does not roll back the
// job.
func (d *Dispatcher) handleTask(ctx context.Context, msg *channel.Message) error {
	job, err := d.enqueueTask(ctx, msg.Content, msg.ChatID)
	if err != nil {
		logs.CtxError(ctx, "[dispatch] enqueue task failed: %v", err)
		return d.gateway.SendMessage(ctx, msg.ChatID, quickErrorReply)
	}

	logs.CtxInfo(ctx, "[dispatch] enqueued job %s", job.ID)
	if err := d.gateway.SendMessage(ctx, msg.ChatID, ackText(job)); err != nil {
		logs.CtxWarn(ctx, "[dispatch] ack for job %s failed: %v", job.ID, err)
	}
	return nil
}

func (d *Dispatcher) enqueueTask(ctx context.Context, input, chatID string) (*store.Job, error) {
	job, err := d.store.CreateJob(ctx, store.TypeTask, input, chatID, "")
	if err != nil {
		return nil, err
	}
	metrics.JobsCreated.WithLabelValues("chat").Inc()
	return job, nil
}

func ackText(job *store.Job) string {
	return fmt.Sprintf("Got it ✓ I'm on it.\nJob ID: `%s`\nSend /status to check progress.", shortID(job.ID))
}

// keepTyping shows a typing indicator until stop is called. Best effort.
func (d *Dispatcher) keepTyping(ctx context.Context, chatID string) (stop func()) {
	_ = d.gateway.SendTyping(ctx, chatID)

	ticker := time.NewTicker(typingInterval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = d.gateway.SendTyping(ctx, chatID)
			}
		}
	}()

	return func() { close(done) }
}
