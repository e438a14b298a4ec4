package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"
	"github.com/zrepl/yaml-config"

	"github.com/hooksync/hooksync/cli"
	"github.com/hooksync/hooksync/daemon"
	"github.com/hooksync/hooksync/daemon/job"
	"github.com/hooksync/hooksync/util/choices"
)

var statusArgs struct {
	format *choices.Choices
	all    bool
}

var StatusCmd = &cli.Subcommand{
	Use:             "status",
	Short:           "show job status of the running daemon",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		statusArgs.format = choices.New("text", "text", "json", "yaml")
		f.Var(statusArgs.format, "format", "output format, "+statusArgs.format.Usage())
		f.BoolVar(&statusArgs.all, "all", false, "include environment constants")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		c, err := controlClientFor(subcommand)
		if err != nil {
			return err
		}
		var s daemon.Status
		if err := c.jsonRequestResponse(ctx, daemon.ControlJobEndpointStatus, struct{}{}, &s); err != nil {
			return err
		}
		switch statusArgs.format.Value() {
		case "json":
			return printJSON(os.Stdout, s)
		case "yaml":
			return yaml.NewEncoder(os.Stdout).Encode(s)
		case "text":
			printStatus(os.Stdout, &s, statusArgs.all, time.Now())
			return nil
		default:
			panic(fmt.Sprintf("unhandled format %q", statusArgs.format.Value()))
		}
	},
}

func printStatus(w io.Writer, s *daemon.Status, all bool, now time.Time) {
	names := make([]string, 0, len(s.Jobs))
	for name := range s.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := s.Jobs[name]
		fmt.Fprintf(w, "job %s (%s)\n", name, st.Type)
		if a, ok := st.JobSpecific.(*job.AuditStatus); ok {
			printAuditStatus(w, a, now)
		}
	}

	if all && s.Global.Envconst != nil && len(s.Global.Envconst.Entries) > 0 {
		fmt.Fprintf(w, "environment:\n")
		for _, e := range s.Global.Envconst.Entries {
			if e.Default {
				fmt.Fprintf(w, "  %s=%s %s\n", e.Var, e.Value, colorDim("(default)"))
			} else {
				fmt.Fprintf(w, "  %s=%s\n", e.Var, e.Value)
			}
		}
	}
}

func printAuditStatus(w io.Writer, a *job.AuditStatus, now time.Time) {
	switch {
	case a.Running:
		fmt.Fprintf(w, "  running since %s\n", now.Sub(a.LastStart).Round(time.Second))
	case a.Runs == 0:
		fmt.Fprintf(w, "  no audit yet\n")
	default:
		fmt.Fprintf(w, "  last audit %s ago, took %s\n",
			now.Sub(a.LastEnd).Round(time.Second), a.LastEnd.Sub(a.LastStart).Round(time.Millisecond))
	}
	if a.Runs == 0 {
		return
	}
	fmt.Fprintf(w, "  hooks: %d", a.Hooks)
	if a.Conflicted > 0 {
		fmt.Fprintf(w, ", %s", colorBad(fmt.Sprintf("%d conflicted", a.Conflicted)))
	}
	if a.Degraded > 0 {
		fmt.Fprintf(w, ", %s", colorWarn(fmt.Sprintf("%d degraded", a.Degraded)))
	}
	if a.Unreachable > 0 {
		fmt.Fprintf(w, ", %s", colorBad(fmt.Sprintf("%d unreachable", a.Unreachable)))
	}
	fmt.Fprintln(w)
	if a.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", colorBad(a.Error))
	}
}
