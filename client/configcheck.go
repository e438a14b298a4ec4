package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/zrepl/yaml-config"

	"github.com/hooksync/hooksync/cli"
	"github.com/hooksync/hooksync/config"
	"github.com/hooksync/hooksync/daemon/logging"
	"github.com/hooksync/hooksync/gateway/command"
	"github.com/hooksync/hooksync/logger"
	"github.com/hooksync/hooksync/membership"
	"github.com/hooksync/hooksync/util/choices"
)

var configcheckArgs struct {
	format *choices.Choices
	what   *choices.Choices
}

var ConfigcheckCmd = &cli.Subcommand{
	Use:   "configcheck",
	Short: "check if config can be parsed without errors",
	SetupFlags: func(f *pflag.FlagSet) {
		configcheckArgs.format = choices.New("", "pretty", "yaml", "json")
		configcheckArgs.what = choices.New("all", "all", "config", "membership", "logging")
		f.Var(configcheckArgs.format, "format", "dump parsed config object, "+configcheckArgs.format.Usage())
		f.Var(configcheckArgs.what, "what", "what to print, "+configcheckArgs.what.Usage())
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		return runConfigcheck(ctx, subcommand.Config(), configcheckArgs.format.Value(), configcheckArgs.what.Value())
	},
}

type clusterMembership map[string][]string

func resolveMembership(ctx context.Context, conf *config.Config) (clusterMembership, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel() // stops the file watcher
	p, err := membership.FromConfig(ctx, conf.Membership)
	if err != nil {
		return nil, err
	}
	ids, err := p.Clusters(ctx)
	if err != nil {
		return nil, err
	}
	ret := make(clusterMembership, len(ids))
	for _, id := range ids {
		if ret[id], err = p.ExpectedServers(ctx, id); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func runConfigcheck(ctx context.Context, conf *config.Config, format, what string) error {
	formatMap := map[string]func(interface{}) error{
		"": func(i interface{}) error { return nil },
		"pretty": func(i interface{}) error {
			_, err := pretty.Println(i)
			return err
		},
		"json": func(i interface{}) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(i)
		},
		"yaml": func(i interface{}) error {
			return yaml.NewEncoder(os.Stdout).Encode(i)
		},
	}
	formatter, ok := formatMap[format]
	if !ok {
		return fmt.Errorf("unsupported --format %q", format)
	}

	var hadErr bool
	check := func(section string, err error) error {
		if err == nil {
			return nil
		}
		err = errors.Wrapf(err, "cannot build %s from config", section)
		if what == section {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s\n", err)
		hadErr = true
		return nil
	}

	members, err := resolveMembership(ctx, conf)
	if err := check("membership", err); err != nil {
		return err
	}

	outlets, err := logging.OutletsFromConfig(*conf.Global.Logging)
	if err := check("logging", err); err != nil {
		return err
	}

	switch v := conf.Gateway.Ret.(type) {
	case *config.CommandGateway:
		_, err = command.FromConfig(v)
	default:
		err = errors.Errorf("unknown gateway type %T", v)
	}
	if err := check("gateway", err); err != nil {
		return err
	}

	whatMap := map[string]func() interface{}{
		"all": func() interface{} {
			return struct {
				Config     *config.Config
				Membership clusterMembership
				Logging    *logger.Outlets
			}{conf, members, outlets}
		},
		"config":     func() interface{} { return conf },
		"membership": func() interface{} { return members },
		"logging":    func() interface{} { return outlets },
	}
	wf, ok := whatMap[what]
	if !ok {
		return fmt.Errorf("unsupported --what %q", what)
	}
	if err := formatter(wf()); err != nil {
		return err
	}

	if hadErr {
		return fmt.Errorf("config check failed")
	}
	return nil
}
