package client

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/hooksync/hooksync/cli"
	"github.com/hooksync/hooksync/daemon"
	"github.com/hooksync/hooksync/version"
)

var versionArgs struct {
	show string
}

var VersionCmd = &cli.Subcommand{
	Use:             "version",
	Short:           "print version of hooksync binary and running daemon",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&versionArgs.show, "show", "", "version info to show (client|daemon)")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		return runVersion(ctx, subcommand, versionArgs.show)
	},
}

func runVersion(ctx context.Context, subcommand *cli.Subcommand, show string) error {
	if show != "daemon" && show != "client" && show != "" {
		return errors.New("show flag must be 'client' or 'daemon' or be left empty")
	}

	var clientVersion, daemonVersion *version.HooksyncVersionInformation
	if show == "client" || show == "" {
		clientVersion = version.NewHooksyncVersionInformation()
		fmt.Printf("client: %s\n", clientVersion.String())
	}
	if show == "daemon" || show == "" {
		c, err := controlClientFor(subcommand)
		if err != nil {
			return errors.Wrap(err, "daemon")
		}
		var info version.HooksyncVersionInformation
		if err := c.jsonRequestResponse(ctx, daemon.ControlJobEndpointVersion, struct{}{}, &info); err != nil {
			return errors.Wrap(err, "daemon")
		}
		daemonVersion = &info
		fmt.Printf("daemon: %s\n", daemonVersion.String())
	}

	if show == "" && !clientVersion.Compatible(daemonVersion) {
		fmt.Fprintf(os.Stderr, "WARNING: client version != daemon version, restart hooksync daemon\n")
	}
	return nil
}
