package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"tai-desktop/internal/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "tai-watch",
		Usage: "Inspect jobs and follow report generation from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment file",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "API base URL (overrides TAI_API_URL)",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "bearer token (overrides TAI_API_TOKEN)",
			},
			&cli.StringFlag{
				Name:  "profile",
				Usage: "saved server profile (overrides TAI_PROFILE)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "jobs",
				Usage: "Job commands",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List jobs, newest first",
						Flags:  []cli.Flag{&cli.BoolFlag{Name: "tasks", Usage: "include tasks"}},
						Action: jobsListAction,
					},
					{
						Name:  "action",
						Usage: "Retry, pause, resume or cancel a job or one of its tasks",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "job", Usage: "job id", Required: true},
							&cli.IntFlag{Name: "task", Usage: "task id (omit for the whole job)"},
							&cli.StringFlag{Name: "action", Usage: "retry, pause, resume or cancel", Required: true},
						},
						Action: jobsActionAction,
					},
					{
						Name:  "parallelism",
						Usage: "Change how many tasks of a job run at once",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "job", Usage: "job id", Required: true},
							&cli.IntFlag{Name: "value", Usage: "new parallelism", Required: true},
						},
						Action: jobsParallelismAction,
					},
					{
						Name:   "cancel-all",
						Usage:  "Cancel every unfinished job",
						Action: jobsCancelAllAction,
					},
				},
			},
			{
				Name:  "watch",
				Usage: "Follow a report while it generates",
				Commands: []*cli.Command{
					{
						Name:      "review",
						Usage:     "Follow an article's review",
						ArgsUsage: "<article-id>",
						Action:    watchAction(models.ReportKindReview),
					},
					{
						Name:      "structured",
						Usage:     "Follow an article's structured-data extraction",
						ArgsUsage: "<article-id>",
						Action:    watchAction(models.ReportKindStructuredData),
					},
				},
			},
			{
				Name:   "events",
				Usage:  "Print global job and task events as they arrive",
				Action: eventsAction,
			},
		},
	}
}
