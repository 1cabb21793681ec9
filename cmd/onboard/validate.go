package main

import (
	"context"
	"errors"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"bagbot/internal/workflow"
)

var ErrMissingArgument = errors.New("missing argument")

// NewValidateCommand checks a workflow file the way the bot does at startup.
func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate an onboarding workflow file",
		ArgsUsage: "<workflow.json|workflow.yaml>",
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("%w: workflow file", ErrMissingArgument)
			}
			out := command.Root().Writer

			def, err := workflow.LoadFile(path)
			if err != nil {
				var verr *workflow.ValidationError
				if errors.As(err, &verr) {
					fmt.Fprintf(out, "%s is invalid:\n", path)
					for _, p := range verr.Problems {
						fmt.Fprintf(out, "  - %s\n", p)
					}
				}
				return err
			}

			for _, w := range def.Warnings() {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			fmt.Fprintf(out, "%s is valid: %d steps\n", path, def.Len())
			return nil
		},
	}
}
