package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/peterhq/peterbot/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:  "peterbot",
		Usage: "Peter, Your Personal AI Agent",
		Commands: []*cli.Command{
			runHwd.cmd(),
			scheduleHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}
