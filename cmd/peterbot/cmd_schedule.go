package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/peterhq/peterbot/internal/scheduler"
	"github.com/peterhq/peterbot/internal/store"
)

var scheduleHwd = &ScheduleRunner{}

type ScheduleRunner struct{}

func (r *ScheduleRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage recurring schedules",
		Commands: []*cli.Command{
			{
				Name:   "add",
				Usage:  "Add a schedule: peterbot schedule add --cron '0 9 * * *' --prompt 'Daily summary'",
				Action: r.add,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cron", Usage: "5-field cron expression", Required: true},
					&cli.StringFlag{Name: "prompt", Usage: "Prompt the fired job will execute", Required: true},
					&cli.StringFlag{Name: "description", Usage: "Human-readable description"},
					&cli.StringFlag{Name: "natural", Usage: "Original natural-language schedule text"},
					&cli.BoolFlag{Name: "disabled", Usage: "Create the schedule disabled"},
				},
			},
			{
				Name:   "list",
				Usage:  "List all schedules",
				Action: r.list,
			},
			{
				Name:      "enable",
				Usage:     "Enable a schedule by id",
				Action:    r.enable,
				ArgsUsage: "<schedule id>",
			},
			{
				Name:      "disable",
				Usage:     "Disable a schedule by id",
				Action:    r.disable,
				ArgsUsage: "<schedule id>",
			},
			{
				Name:      "rm",
				Usage:     "Delete a schedule by id",
				Action:    r.remove,
				ArgsUsage: "<schedule id>",
			},
		},
	}
}

// openStore opens the same database the runtime uses. The admin surface does
// not need the full runtime configuration.
func (r *ScheduleRunner) openStore() (*store.Store, error) {
	path := os.Getenv("SQLITE_DB_PATH")
	if path == "" {
		path = "./data/jobs.db"
	}
	return store.Open(path)
}

func (r *ScheduleRunner) add(ctx context.Context, cmd *cli.Command) error {
	expr := strings.TrimSpace(cmd.String("cron"))
	next, err := scheduler.CronNext(expr, time.Now())
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	st, err := r.openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sc, err := st.CreateSchedule(ctx, store.ScheduleParams{
		Description:     cmd.String("description"),
		NaturalSchedule: cmd.String("natural"),
		ParsedCron:      expr,
		Prompt:          cmd.String("prompt"),
		Enabled:         !cmd.Bool("disabled"),
		NextRunAt:       next,
	})
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}

	fmt.Printf("Created schedule %s, next run %s\n", sc.ID, sc.NextRunAt.Format(time.RFC3339))
	return nil
}

func (r *ScheduleRunner) list(ctx context.Context, _ *cli.Command) error {
	st, err := r.openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	schedules, err := st.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	if len(schedules) == 0 {
		fmt.Println("No schedules.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENABLED\tCRON\tNEXT RUN\tDESCRIPTION")
	for _, sc := range schedules {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
			sc.ID, sc.Enabled, sc.ParsedCron,
			sc.NextRunAt.Format(time.RFC3339), sc.Description)
	}
	return w.Flush()
}

func (r *ScheduleRunner) enable(ctx context.Context, cmd *cli.Command) error {
	return r.toggle(ctx, cmd, true)
}

func (r *ScheduleRunner) disable(ctx context.Context, cmd *cli.Command) error {
	return r.toggle(ctx, cmd, false)
}

func (r *ScheduleRunner) toggle(ctx context.Context, cmd *cli.Command, enabled bool) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("schedule id is required")
	}

	st, err := r.openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Re-anchor the fire time on enable so a long-disabled schedule does not
	// fire immediately for every missed window.
	var nextRunAt *time.Time
	if enabled {
		sc, err := st.GetSchedule(ctx, id)
		if err != nil {
			return fmt.Errorf("get schedule: %w", err)
		}
		next, err := scheduler.CronNext(sc.ParsedCron, time.Now())
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		nextRunAt = &next
	}

	if err := st.SetScheduleEnabled(ctx, id, enabled, nextRunAt); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Schedule %s %s\n", id, state)
	return nil
}

func (r *ScheduleRunner) remove(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("schedule id is required")
	}

	st, err := r.openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.DeleteSchedule(ctx, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	fmt.Printf("Schedule %s deleted\n", id)
	return nil
}
