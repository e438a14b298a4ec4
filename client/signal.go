package client

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/cli"
	"github.com/hooksync/hooksync/daemon"
)

var SignalCmd = &cli.Subcommand{
	Use:             "signal wakeup JOB",
	Short:           "wake up a job from wait state (e.g. hooksync signal wakeup _audit)",
	NoRequireConfig: true,
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		c, err := controlClientFor(subcommand)
		if err != nil {
			return err
		}
		return runSignal(ctx, c, args)
	},
}

func runSignal(ctx context.Context, c *controlClient, args []string) error {
	if len(args) != 2 {
		return errors.Errorf("Expected 2 arguments: wakeup JOB")
	}
	if args[0] != "wakeup" {
		return errors.Errorf("unknown signal %q", args[0])
	}
	return c.jsonRequestResponse(ctx, daemon.ControlJobEndpointWakeup, daemon.WakeupRequest{Name: args[1]}, nil)
}
