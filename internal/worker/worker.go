// Package worker drains the pending job queue: claim, complete, deliver.
// It is the only component that moves jobs out of pending.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/peterhq/peterbot/internal/channel"
	"github.com/peterhq/peterbot/internal/configstore"
	"github.com/peterhq/peterbot/internal/pkg/logs"
	"github.com/peterhq/peterbot/internal/pkg/metrics"
	"github.com/peterhq/peterbot/internal/provider"
	"github.com/peterhq/peterbot/internal/store"
)

const (
	defaultPollInterval   = time.Second
	defaultRestartDelay   = 2 * time.Second
	defaultStuckThreshold = 10 * time.Minute

	// reasonLimit caps how much of a failure reason reaches the chat. The
	// full reason stays in the job's output for the dashboard.
	reasonLimit = 200
)

// Options tune the worker loop. Zero values fall back to defaults.
type Options struct {
	PollInterval   time.Duration
	RestartDelay   time.Duration
	StuckThreshold time.Duration
}

// Worker executes queued jobs one at a time and delivers their results.
type Worker struct {
	store     *store.Store
	gateway   channel.Gateway
	completer provider.Completer
	configs   *configstore.Store

	poll           time.Duration
	restartDelay   time.Duration
	stuckThreshold time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st *store.Store, gw channel.Gateway, cp provider.Completer, cs *configstore.Store, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = defaultRestartDelay
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = defaultStuckThreshold
	}
	return &Worker{
		store:          st,
		gateway:        gw,
		completer:      cp,
		configs:        cs,
		poll:           opts.PollInterval,
		restartDelay:   opts.RestartDelay,
		stuckThreshold: opts.StuckThreshold,
	}
}

// Start reconciles leftovers from a previous instance, then launches the
// supervised claim loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.reconcile(ctx)
	w.recoverDeliveries(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.supervise(ctx)
	}()

	logs.CtxInfo(ctx, "[worker] started (poll=%s)", w.poll)
}

// Stop cancels the loop and waits for the current job to finish its
// completion and delivery steps.
func (w *Worker) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[worker] stop timed out waiting for current job")
	}
	logs.CtxInfo(ctx, "[worker] stopped")
}

// supervise restarts the claim loop after a panic, with a delay so a
// persistent fault cannot spin.
func (w *Worker) supervise(ctx context.Context) {
	for {
		w.runLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		logs.CtxError(ctx, "[worker] loop exited unexpectedly, restarting in %s", w.restartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.restartDelay):
		}
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logs.CtxError(ctx, "[worker] panic recovered: %v", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.processNext(ctx)
		if err != nil {
			logs.CtxError(ctx, "[worker] claim failed: %v", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// processNext claims and runs a single job. It reports whether a job was
// available.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextPending(ctx)
	if errors.Is(err, store.ErrNoPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logs.CtxInfo(ctx, "[worker] claimed job %s", job.ID)

	// A claimed job runs to completion and delivery even if shutdown begins
	// mid-flight; the loop honors cancellation only between jobs.
	w.execute(context.WithoutCancel(ctx), job)
	return true, nil
}

// execute runs the completion and records the terminal state, then attempts
// delivery. Delivery failure never changes job state.
func (w *Worker) execute(ctx context.Context, job *store.Job) {
	output, err := w.completer.Complete(ctx, job.Input, w.configs.SystemPrompt())
	if err != nil {
		logs.CtxError(ctx, "[worker] job %s failed: %v", job.ID, err)
		job.Status = store.StatusFailed
		job.Output = "Error: " + err.Error()
		if ferr := w.store.FailJob(ctx, job.ID, job.Output, true); ferr != nil {
			logs.CtxError(ctx, "[worker] record failure for job %s: %v", job.ID, ferr)
			return
		}
		metrics.JobsFailed.Inc()
	} else {
		job.Status = store.StatusCompleted
		job.Output = output
		if cerr := w.store.CompleteJob(ctx, job.ID, output); cerr != nil {
			logs.CtxError(ctx, "[worker] record completion for job %s: %v", job.ID, cerr)
			return
		}
		metrics.JobsCompleted.Inc()
		logs.CtxInfo(ctx, "[worker] job %s completed", job.ID)
	}

	w.deliver(ctx, job)
}

// deliver sends the result and marks it delivered. On send failure the job
// stays undelivered and is retried on the next startup.
func (w *Worker) deliver(ctx context.Context, job *store.Job) {
	if err := w.gateway.SendMessage(ctx, job.ChatID, formatResult(job)); err != nil {
		logs.CtxWarn(ctx, "[worker] deliver job %s failed: %v", job.ID, err)
		return
	}
	if err := w.store.MarkDelivered(ctx, job.ID); err != nil {
		logs.CtxError(ctx, "[worker] mark job %s delivered: %v", job.ID, err)
		return
	}
	metrics.JobsDelivered.Inc()
}

// reconcile returns jobs abandoned by a dead worker to the queue.
func (w *Worker) reconcile(ctx context.Context) {
	n, err := w.store.RequeueStuck(ctx, w.stuckThreshold)
	if err != nil {
		logs.CtxError(ctx, "[worker] requeue stuck jobs: %v", err)
		return
	}
	if n > 0 {
		metrics.JobsRequeued.Add(float64(n))
		logs.CtxWarn(ctx, "[worker] requeued %d stuck jobs", n)
	}
}

// recoverDeliveries retries sends that failed before the last shutdown.
// Failures wait for the next startup; there is no in-process retry loop.
func (w *Worker) recoverDeliveries(ctx context.Context) {
	jobs, err := w.store.ListUndelivered(ctx)
	if err != nil {
		logs.CtxError(ctx, "[worker] list undelivered jobs: %v", err)
		return
	}
	for _, job := range jobs {
		w.deliver(ctx, job)
	}
	if len(jobs) > 0 {
		logs.CtxInfo(ctx, "[worker] retried delivery for %d jobs", len(jobs))
	}
}

// formatResult builds the user-facing message for a terminal job.
func formatResult(job *store.Job) string {
	if job.Status == store.StatusCompleted {
		return job.Output
	}
	reason := strings.TrimPrefix(job.Output, "Error: ")
	if len(reason) > reasonLimit {
		// Back off to a rune boundary so the cut never produces invalid UTF-8.
		cut := reasonLimit
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut] + "..."
	}
	return fmt.Sprintf("Sorry, this task failed: %s\nSend /retry %s to try again.", reason, shortID(job.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
