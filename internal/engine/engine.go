// Package engine assembles the runtime: store, chat gateway, provider,
// dispatcher, scheduler, worker, and dashboard, with ordered startup and
// graceful shutdown.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/peterhq/peterbot/internal/channel"
	"github.com/peterhq/peterbot/internal/channel/telegram"
	"github.com/peterhq/peterbot/internal/config"
	"github.com/peterhq/peterbot/internal/configstore"
	"github.com/peterhq/peterbot/internal/dashboard"
	"github.com/peterhq/peterbot/internal/dispatch"
	"github.com/peterhq/peterbot/internal/pkg/logs"
	"github.com/peterhq/peterbot/internal/provider"
	"github.com/peterhq/peterbot/internal/scheduler"
	"github.com/peterhq/peterbot/internal/store"
	"github.com/peterhq/peterbot/internal/worker"
)

// Engine owns the lifecycle of every runtime component.
type Engine struct {
	cfg *config.Config

	store     *store.Store
	gateway   channel.Gateway
	scheduler *scheduler.Scheduler
	worker    *worker.Worker
	dashboard *dashboard.Server

	runCtx    context.Context
	runCancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// New wires all components together. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	gw, err := telegram.New(cfg.Telegram.Token)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create telegram gateway: %w", err)
	}

	cp, err := provider.New(ctx, cfg.Provider)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create provider: %w", err)
	}

	cs := configstore.New(cfg.Store.Workspace)

	d := dispatch.New(st, gw, cp, cs, cfg.Telegram.ChatID)
	if err := gw.RegisterMessageHandler(d.HandleMessage); err != nil {
		st.Close()
		return nil, fmt.Errorf("register message handler: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		store:   st,
		gateway: gw,
		scheduler: scheduler.New(st, cfg.Telegram.ChatID,
			time.Duration(cfg.Engine.SchedulerTickSec)*time.Second),
		worker: worker.New(st, gw, cp, cs, worker.Options{
			PollInterval:   time.Duration(cfg.Engine.WorkerPollSec) * time.Second,
			RestartDelay:   time.Duration(cfg.Engine.WorkerRestartSec) * time.Second,
			StuckThreshold: time.Duration(cfg.Engine.StuckThresholdMin) * time.Minute,
		}),
		dashboard: dashboard.New(cfg.Dashboard, st, cs, cfg.Telegram.ChatID),
	}
	return e, nil
}

// Start brings components up. The worker starts before the gateway so startup
// reconciliation finishes before new messages arrive.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.runCancel = context.WithCancel(ctx)

	e.worker.Start(e.runCtx)
	e.scheduler.Start(e.runCtx)
	e.dashboard.Start(e.runCtx)

	go func() {
		logs.CtxInfo(e.runCtx, "[engine] starting telegram gateway")
		if err := e.gateway.Start(e.runCtx); err != nil {
			logs.CtxError(e.runCtx, "[engine] gateway stopped with error: %v", err)
		}
	}()

	logs.CtxInfo(ctx, "[engine] all components started")
	return nil
}

// Stop shuts components down in reverse dependency order within the
// configured window: stop accepting messages first, then drain the loops,
// then close the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		timeout := time.Duration(e.cfg.Engine.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if e.runCancel != nil {
			e.runCancel()
		}

		if err := e.gateway.Stop(ctx); err != nil {
			logs.CtxWarn(ctx, "[engine] stop gateway: %v", err)
		}
		e.scheduler.Stop(ctx)
		e.worker.Stop(ctx)
		e.dashboard.Stop(ctx)

		if err := e.store.Close(); err != nil {
			logs.CtxWarn(ctx, "[engine] close store: %v", err)
			e.stopErr = err
		}
		logs.CtxInfo(ctx, "[engine] all components stopped")
	})
	return e.stopErr
}
