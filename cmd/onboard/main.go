// Command onboard is the operator CLI for the onboarding bot. It validates
// workflow files, triggers onboarding through the bot's HTTP API and inspects
// a persisted job file.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "onboard",
		Usage:                 "Operate the Bag onboarding bot",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewValidateCommand(),
			NewTriggerCommand(),
			NewJobsCommand(),
		},
	}
}
