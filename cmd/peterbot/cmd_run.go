package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/peterhq/peterbot/internal/config"
	"github.com/peterhq/peterbot/internal/engine"
	"github.com/peterhq/peterbot/internal/pkg/logs"
)

var runHwd = &RunRunner{}

type RunRunner struct{}

func (r *RunRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run the agent runtime: chat dispatcher, scheduler, worker, and dashboard",
		Action: r.run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the optional tuning YAML file",
			},
		},
	}
}

func (r *RunRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}

	if err = r.initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}

	logs.CtxInfo(ctx, "booting peterbot runtime...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err = eng.Start(ctx); err != nil {
		cancel()
		_ = eng.Stop(context.Background())
		return fmt.Errorf("start engine: %w", err)
	}

	logs.CtxInfo(ctx, "ALL IS WELL!!! Press Ctrl+C to stop.")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logs.CtxInfo(ctx, "Received shutdown signal (%s). Stopping runtime...", sig.String())
	case <-ctx.Done():
		logs.CtxInfo(ctx, "Context canceled. Stopping runtime...")
	}

	if err = eng.Stop(context.Background()); err != nil {
		logs.CtxError(ctx, "stop engine error: %v", err)
	}

	logs.CtxInfo(ctx, "all stopped, good bye!")
	return nil
}

func (r *RunRunner) initLogger(cfg config.LoggingConfig) error {
	return logs.Init(logs.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}
