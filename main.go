// See cli package.
package main

import (
	"github.com/hooksync/hooksync/cli"
	"github.com/hooksync/hooksync/client"
	"github.com/hooksync/hooksync/daemon"
)

func init() {
	cli.AddSubcommand(daemon.DaemonCmd)
	cli.AddSubcommand(client.StatusCmd)
	cli.AddSubcommand(client.SignalCmd)
	cli.AddSubcommand(client.ConfigcheckCmd)
	cli.AddSubcommand(client.VersionCmd)
	cli.AddSubcommand(client.HookCmd)
}

func main() {
	cli.Run()
}
