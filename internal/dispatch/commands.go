package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/peterhq/peterbot/internal/channel"
	"github.com/peterhq/peterbot/internal/store"
)

// outputLimit caps how much job output a chat message carries. Longer output
// stays intact in the store and is truncated for transport.
const outputLimit = 4000

// CommandHandlerFunc processes a matched command and returns a text reply.
// An empty reply means no response should be sent.
type CommandHandlerFunc func(ctx context.Context, d *Dispatcher, msg *channel.Message, args string) (string, error)

// Command describes a single chat command.
type Command struct {
	Name        string             // e.g. "/start"
	Description string             // short help text
	Handler     CommandHandlerFunc // execution logic
}

// CommandRouter is a thread-safe registry that matches incoming message text
// against registered command prefixes and dispatches the first match.
type CommandRouter struct {
	commands map[string]*Command // key: lowercase command name
	mu       sync.RWMutex
}

func newCommandRouter() *CommandRouter {
	return &CommandRouter{commands: make(map[string]*Command, 8)}
}

// Register adds a command to the router.
func (r *CommandRouter) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(cmd.Name)] = cmd
}

// Match checks whether content starts with a known command.
// It returns the matched command, the remaining arguments, and whether a match
// was found. Commands are matched case-insensitively and may include a
// trailing @botname suffix (e.g. "/status@mybot").
func (r *CommandRouter) Match(content string) (*Command, string, bool) {
	content = strings.TrimSpace(content)
	if content == "" || content[0] != '/' {
		return nil, "", false
	}

	fields := strings.SplitN(content, " ", 2)
	raw := strings.ToLower(fields[0])

	// Strip @botname suffix: "/status@mybot" → "/status"
	if idx := strings.Index(raw, "@"); idx > 0 {
		raw = raw[:idx]
	}

	r.mu.RLock()
	cmd, ok := r.commands[raw]
	r.mu.RUnlock()

	if !ok {
		return nil, "", false
	}

	args := ""
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	return cmd, args, true
}

// List returns all registered commands (for help text).
func (r *CommandRouter) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	return out
}

// ---------------------------------------------------------------------------
// Built-in commands
// ---------------------------------------------------------------------------

func registerBuiltinCommands(r *CommandRouter) {
	r.Register(&Command{
		Name:        "/start",
		Description: "Start the bot and get a welcome message",
		Handler:     cmdStart,
	})
	r.Register(&Command{
		Name:        "/help",
		Description: "Show available commands",
		Handler:     cmdHelp,
	})
	r.Register(&Command{
		Name:        "/status",
		Description: "Show your recent jobs grouped by status",
		Handler:     cmdStatus,
	})
	r.Register(&Command{
		Name:        "/get",
		Description: "Fetch the output of a completed job: /get <job id>",
		Handler:     cmdGet,
	})
	r.Register(&Command{
		Name:        "/retry",
		Description: "Retry a failed job: /retry <job id>",
		Handler:     cmdRetry,
	})
}

func cmdStart(_ context.Context, _ *Dispatcher, _ *channel.Message, _ string) (string, error) {
	return "Hi! I'm Peter, your personal assistant. Ask me anything, or send me a task and I'll work on it in the background.", nil
}

func cmdHelp(_ context.Context, d *Dispatcher, _ *channel.Message, _ string) (string, error) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range d.commands.List() {
		fmt.Fprintf(&b, "  %s - %s\n", cmd.Name, cmd.Description)
	}
	return b.String(), nil
}

func cmdStatus(ctx context.Context, d *Dispatcher, msg *channel.Message, _ string) (string, error) {
	jobs, err := d.store.ListJobsByChat(ctx, msg.ChatID, statusListLimit)
	if err != nil {
		return "", fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		return "No jobs yet. Send me a task to get started.", nil
	}

	grouped := make(map[store.JobStatus][]*store.Job, 4)
	for _, j := range jobs {
		grouped[j.Status] = append(grouped[j.Status], j)
	}

	var b strings.Builder
	for _, section := range []struct {
		status store.JobStatus
		label  string
	}{
		{store.StatusRunning, "Running"},
		{store.StatusPending, "Pending"},
		{store.StatusCompleted, "Completed"},
		{store.StatusFailed, "Failed"},
	} {
		group := grouped[section.status]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", section.label)
		for _, j := range group {
			fmt.Fprintf(&b, "  `%s` %s\n", shortID(j.ID), truncate(j.Input, 60))
		}
	}
	return b.String(), nil
}

func cmdGet(ctx context.Context, d *Dispatcher, msg *channel.Message, args string) (string, error) {
	if args == "" {
		return "Usage: /get <job id>", nil
	}

	job, reply, err := d.resolveJob(ctx, msg.ChatID, args)
	if job == nil {
		return reply, err
	}

	if job.Status != store.StatusCompleted {
		return fmt.Sprintf("Job `%s` is %s. Output is available once it completes.", shortID(job.ID), job.Status), nil
	}
	return truncate(job.Output, outputLimit), nil
}

func cmdRetry(ctx context.Context, d *Dispatcher, msg *channel.Message, args string) (string, error) {
	if args == "" {
		return "Usage: /retry <job id>", nil
	}

	job, reply, err := d.resolveJob(ctx, msg.ChatID, args)
	if job == nil {
		return reply, err
	}

	if job.Status != store.StatusFailed {
		return fmt.Sprintf("Job `%s` is %s. Only failed jobs can be retried.", shortID(job.ID), job.Status), nil
	}

	retry, err := d.enqueueTask(ctx, job.Input, job.ChatID)
	if err != nil {
		return "", fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return ackText(retry), nil
}

// resolveJob looks a job up by full id or unique prefix within the chat.
// When it returns a nil job, reply holds the user-facing rejection.
func (d *Dispatcher) resolveJob(ctx context.Context, chatID, ref string) (*store.Job, string, error) {
	job, err := d.store.ResolveJobID(ctx, chatID, ref)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Sprintf("No job found matching `%s`.", ref), nil
	case errors.Is(err, store.ErrAmbiguousID):
		return nil, fmt.Sprintf("More than one job matches `%s`. Use a longer prefix.", ref), nil
	case err != nil:
		return nil, "", fmt.Errorf("resolve job %s: %w", ref, err)
	}
	return job, "", nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 rune, then
// appends a marker.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}
