package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/odyssey-erp/odyssey-access/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

const usage = `usage: odyssey [command]

Without a command the HTTP server starts.

commands:
  explain --tenant ID --user ID [--resource KEY --action NAME] [--json]
  jobs trigger (override-sweep|idempotency-cleanup)
  jobs stats
`

func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	switch args[0] {
	case "explain":
		return runExplain(ctx, cfg, logger, args[1:], os.Stdout, os.Stderr)
	case "jobs":
		return runJobs(ctx, cfg, args[1:], os.Stdout, os.Stderr)
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(os.Stdout, usage)
		return cli.ExitOK
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n%s", args[0], usage)
		return cli.ExitError
	}
}

func parseExplainFlags(args []string, stderr io.Writer) (cli.ExplainOptions, error) {
	var opts cli.ExplainOptions
	fs := flag.NewFlagSet("explain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Int64Var(&opts.TenantID, "tenant", 0, "tenant id")
	fs.Int64Var(&opts.UserID, "user", 0, "user id")
	fs.StringVar(&opts.Resource, "resource", "", "resource key to check")
	fs.StringVar(&opts.Action, "action", "", "action to check")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return cli.ExplainOptions{}, err
	}
	return opts, nil
}

func runExplain(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) int {
	opts, err := parseExplainFlags(args, stderr)
	if err != nil {
		return cli.ExitError
	}
	opts.Stdout, opts.Stderr = stdout, stderr

	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "explain: %v\n", err)
		return cli.ExitError
	}
	defer deps.Close(logger)

	service, _, err := newAccessService(deps, cfg, logger, observability.NewMetrics())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "explain: %v\n", err)
		return cli.ExitError
	}
	explainer, err := cli.NewAccessCLI(service)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "explain: %v\n", err)
		return cli.ExitError
	}
	return explainer.ExplainCommand(ctx, opts)
}

var jobAliases = map[string]string{
	"override-sweep":      jobs.TaskOverrideSweep,
	"idempotency-cleanup": jobs.TaskIdempotencyCleanup,
}

func runJobs(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitError
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
		return cli.ExitError
	}
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(stderr, "jobs trigger: job name required")
			return cli.ExitError
		}
		name, ok := jobAliases[args[1]]
		if !ok {
			name = args[1]
		}
		info, err := jobsCLI.Trigger(ctx, name, cli.TriggerOptions{
			SweepBatch:      cfg.AccessSweepBatch,
			SweepMaxBatches: cfg.AccessSweepMaxBatches,
			Retention:       cfg.IdempotencyRetention,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
			return cli.ExitError
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
			return cli.ExitError
		}
		_, _ = fmt.Fprintf(stdout, "%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		scheduled, err := jobsCLI.ListScheduled(ctx, 10)
		if err == nil {
			for _, task := range scheduled {
				_, _ = fmt.Fprintf(stdout, " - %s at %s\n", task.Type, task.NextProcessAt.Format(time.RFC3339))
			}
		}
	default:
		_, _ = fmt.Fprintf(stderr, "jobs: unknown subcommand %q\n", args[0])
		return cli.ExitError
	}
	return cli.ExitOK
}
