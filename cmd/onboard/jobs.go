package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	cli "github.com/urfave/cli/v3"

	"bagbot/internal/scheduler"
)

// NewJobsCommand prints the jobs saved in a job file with the delay left
// before each fires.
func NewJobsCommand() *cli.Command {
	return &cli.Command{
		Name:      "jobs",
		Aliases:   []string{"j"},
		Usage:     "List jobs persisted in a job file",
		ArgsUsage: "<jobs.json>",
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("%w: job file", ErrMissingArgument)
			}

			records, err := scheduler.NewFileStore(path).Load(ctx)
			if err != nil {
				return err
			}

			out := command.Root().Writer
			if len(records) == 0 {
				fmt.Fprintln(out, "no pending jobs")
				return nil
			}

			now := time.Now()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tFIRES AT\tREMAINING")
			for _, r := range records {
				remaining := r.Date.Sub(now).Round(time.Second)
				label := remaining.String()
				if remaining <= 0 {
					label = "due"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.UserID, r.Date.UTC().Format(time.RFC3339), label)
			}
			return tw.Flush()
		},
	}
}
