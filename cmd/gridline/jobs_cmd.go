package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gridline-pm/gridline/cmd/gridline/cli"
	"github.com/gridline-pm/gridline/internal/app"
)

const jobsUsage = "usage: gridline jobs <sweep | mail <recipient> | stats | scheduled>"

// runJobsCommand executes a one-shot queue operation and returns the
// process exit code.
func runJobsCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, jobsUsage)
		return 2
	}

	ops, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := ops.Close(); err != nil {
			logger.Warn("close jobs cli", slog.Any("error", err))
		}
	}()

	switch args[0] {
	case "sweep":
		info, err := ops.TriggerSessionSweep(ctx)
		if err != nil {
			logger.Error("enqueue session sweep", slog.Any("error", err))
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "mail":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, jobsUsage)
			return 2
		}
		info, err := ops.TriggerTestEmail(ctx, args[1])
		if err != nil {
			logger.Error("enqueue test mail", slog.Any("error", err))
			return 1
		}
		fmt.Printf("enqueued %s id=%s to=%s\n", info.Type, info.ID, args[1])
	case "stats":
		stats, err := ops.InspectQueue(ctx)
		if err != nil {
			logger.Error("inspect queue", slog.Any("error", err))
			return 1
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	case "scheduled":
		tasks, err := ops.ListScheduled(ctx, 10)
		if err != nil {
			logger.Error("list scheduled", slog.Any("error", err))
			return 1
		}
		for _, task := range tasks {
			fmt.Printf("%s id=%s next=%s\n", task.Type, task.ID, task.NextProcessAt)
		}
	default:
		fmt.Fprintln(os.Stderr, jobsUsage)
		return 2
	}
	return 0
}
