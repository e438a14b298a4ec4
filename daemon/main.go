package daemon

import (
	"context"

	"github.com/hooksync/hooksync/cli"
	"github.com/hooksync/hooksync/logger"
)

type Logger = logger.Logger

var DaemonCmd = &cli.Subcommand{
	Use:   "daemon",
	Short: "run the hooksync daemon",
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		return Run(ctx, subcommand.Config())
	},
}
