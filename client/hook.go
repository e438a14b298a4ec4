package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/hooksync/hooksync/catalog"
	"github.com/hooksync/hooksync/cli"
	"github.com/hooksync/hooksync/daemon"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/remediation"
)

// hookClient performs hook operations through the daemon's control socket.
type hookClient struct {
	c *controlClient
}

func (h hookClient) List(ctx context.Context, clusterID string) (hs []*catalog.Hook, err error) {
	err = h.c.jsonRequestResponse(ctx, daemon.ControlJobEndpointHooksList, daemon.ListHooksRequest{ClusterID: clusterID}, &hs)
	return hs, err
}

func (h hookClient) Get(ctx context.Context, hookID string) (*catalog.Hook, error) {
	var hook catalog.Hook
	if err := h.c.jsonRequestResponse(ctx, daemon.ControlJobEndpointHooksGet, daemon.HookRequest{HookID: hookID}, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

func (h hookClient) Lookup(ctx context.Context, req daemon.LookupHookRequest) (*catalog.Hook, error) {
	var hook catalog.Hook
	if err := h.c.jsonRequestResponse(ctx, daemon.ControlJobEndpointHooksLookup, req, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

func (h hookClient) Register(ctx context.Context, def hooks.Definition) (*catalog.Hook, error) {
	var hook catalog.Hook
	if err := h.c.jsonRequestResponse(ctx, daemon.ControlJobEndpointHooksRegister, daemon.RegisterHookRequest{Definition: def}, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

// operation returns the report even if the daemon considers the operation failed.
func (h hookClient) operation(ctx context.Context, endpoint string, req interface{}) (*remediation.Report, error) {
	var res daemon.OperationResponse
	if err := h.c.jsonRequestResponse(ctx, endpoint, req, &res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return res.Report, errors.New(res.Error)
	}
	return res.Report, nil
}

func (h hookClient) bulkOperation(ctx context.Context, endpoint string, req interface{}) ([]*remediation.Report, error) {
	var res daemon.BulkOperationResponse
	if err := h.c.jsonRequestResponse(ctx, endpoint, req, &res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return res.Reports, errors.New(res.Error)
	}
	return res.Reports, nil
}

func (h hookClient) SetEnabled(ctx context.Context, hookID string, enabled bool, server string) (*remediation.Report, error) {
	return h.operation(ctx, daemon.ControlJobEndpointHooksSetEnabled, daemon.SetEnabledRequest{HookID: hookID, Enabled: enabled, Server: server})
}

func (h hookClient) UpdateContent(ctx context.Context, hookID string, content []byte, server string) (*remediation.Report, error) {
	return h.operation(ctx, daemon.ControlJobEndpointHooksUpdateContent, daemon.UpdateContentRequest{HookID: hookID, Content: content, Server: server})
}

func (h hookClient) Remove(ctx context.Context, hookID string, server string) (*remediation.Report, error) {
	return h.operation(ctx, daemon.ControlJobEndpointHooksRemove, daemon.RemoveHookRequest{HookID: hookID, Server: server})
}

func (h hookClient) RemoveAllExcept(ctx context.Context, hookIDs []string, keep string) ([]*remediation.Report, error) {
	return h.bulkOperation(ctx, daemon.ControlJobEndpointHooksRemoveAllExcept, daemon.RemoveAllExceptRequest{HookIDs: hookIDs, Keep: keep})
}

// Resync resyncs hookID, or every hook if hookID is empty.
func (h hookClient) Resync(ctx context.Context, hookID string) ([]*remediation.Report, error) {
	return h.bulkOperation(ctx, daemon.ControlJobEndpointHooksResync, daemon.ResyncRequest{HookID: hookID})
}

func (h hookClient) Content(ctx context.Context, hookID, server string) ([]byte, *remediation.Report, error) {
	var res daemon.FetchContentResponse
	if err := h.c.jsonRequestResponse(ctx, daemon.ControlJobEndpointHooksContent, daemon.FetchContentRequest{HookID: hookID, Server: server}, &res); err != nil {
		return nil, nil, err
	}
	if res.Error != "" {
		return nil, res.Report, errors.New(res.Error)
	}
	return res.Content, res.Report, nil
}

func (h hookClient) Purge(ctx context.Context, hookID string) error {
	return h.c.jsonRequestResponse(ctx, daemon.ControlJobEndpointHooksPurge, daemon.HookRequest{HookID: hookID}, nil)
}

var hookArgs struct {
	json        bool
	server      string
	cluster     string
	command     string
	stage       string
	name        string
	id          string
	contentType string
	file        string // register
	updateFile  string
	keep        string
	output      string
}

func jsonFlag(f *pflag.FlagSet) {
	f.BoolVar(&hookArgs.json, "json", false, "emit JSON instead of human-readable output")
}

func serverFlag(f *pflag.FlagSet, what string) {
	f.StringVar(&hookArgs.server, "server", "", what+" only this server instead of all expected servers")
	jsonFlag(f)
}

func identityFlags(f *pflag.FlagSet) {
	f.StringVar(&hookArgs.cluster, "cluster", "", "cluster id")
	f.StringVar(&hookArgs.command, "command", "", "triggering command")
	f.StringVar(&hookArgs.stage, "stage", "", "PRE or POST")
	f.StringVar(&hookArgs.name, "name", "", "hook name")
	jsonFlag(f)
}

// readContent reads path, or stdin if path is "-".
func readContent(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func hookCmd(use, short string, nargs int, setupFlags func(f *pflag.FlagSet), run func(ctx context.Context, h hookClient, w io.Writer, args []string) error) *cli.Subcommand {
	return &cli.Subcommand{
		Use:             use,
		Short:           short,
		NoRequireConfig: true,
		SetupFlags:      setupFlags,
		Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
			if nargs >= 0 && len(args) != nargs {
				return errors.Errorf("expected %d argument(s), got %d", nargs, len(args))
			}
			c, err := controlClientFor(subcommand)
			if err != nil {
				return err
			}
			return run(ctx, hookClient{c}, os.Stdout, args)
		},
	}
}

func outputHook(w io.Writer, h *catalog.Hook, err error) error {
	if err != nil {
		return err
	}
	if hookArgs.json {
		return printJSON(w, h)
	}
	printHook(w, h)
	return nil
}

func outputReport(w io.Writer, r *remediation.Report, err error) error {
	if r != nil {
		if hookArgs.json {
			if jerr := printJSON(w, r); jerr != nil {
				return jerr
			}
		} else {
			printReport(w, r)
		}
	}
	return err
}

func outputReports(w io.Writer, rs []*remediation.Report, err error) error {
	for _, r := range rs {
		if oerr := outputReport(w, r, nil); oerr != nil {
			return oerr
		}
	}
	return err
}

func setEnabledCmd(enabled bool) *cli.Subcommand {
	use, short := "disable HOOK_ID", "disable a hook on its servers"
	if enabled {
		use, short = "enable HOOK_ID", "enable a hook on its servers"
	}
	return hookCmd(use, short, 1,
		func(f *pflag.FlagSet) { serverFlag(f, "change") },
		func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
			r, err := h.SetEnabled(ctx, args[0], enabled, hookArgs.server)
			return outputReport(w, r, err)
		})
}

var HookCmd = &cli.Subcommand{
	Use:   "hook",
	Short: "inspect and remediate cluster hooks through the daemon",
	SetupSubcommands: func() []*cli.Subcommand {
		return []*cli.Subcommand{
			hookCmd("list", "list hooks and their cluster-wide state", 0,
				func(f *pflag.FlagSet) {
					f.StringVar(&hookArgs.cluster, "cluster", "", "only hooks of this cluster")
					jsonFlag(f)
				},
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					hs, err := h.List(ctx, hookArgs.cluster)
					if err != nil {
						return err
					}
					if hookArgs.json {
						return printJSON(w, hs)
					}
					printHookList(w, hs)
					return nil
				}),
			hookCmd("get HOOK_ID", "show a hook and its replicas", 1, jsonFlag,
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					hook, err := h.Get(ctx, args[0])
					return outputHook(w, hook, err)
				}),
			hookCmd("lookup", "find a hook by cluster, command, stage and name", 0, identityFlags,
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					stage, err := hooks.ParseStage(hookArgs.stage)
					if err != nil {
						return err
					}
					hook, err := h.Lookup(ctx, daemon.LookupHookRequest{
						ClusterID: hookArgs.cluster,
						Command:   hookArgs.command,
						Stage:     stage,
						Name:      hookArgs.name,
					})
					return outputHook(w, hook, err)
				}),
			hookCmd("register", "register a hook without contacting any server", 0,
				func(f *pflag.FlagSet) {
					identityFlags(f)
					f.StringVar(&hookArgs.id, "id", "", "hook id (generated if empty)")
					f.StringVar(&hookArgs.contentType, "content-type", "TEXT", "TEXT or BINARY")
					f.StringVar(&hookArgs.file, "file", "", "canonical content (- for stdin)")
				},
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					def := hooks.Definition{
						ID:        hookArgs.id,
						ClusterID: hookArgs.cluster,
						Command:   hookArgs.command,
						Name:      hookArgs.name,
					}
					var err error
					if def.Stage, err = hooks.ParseStage(hookArgs.stage); err != nil {
						return err
					}
					if def.ContentType, err = hooks.ParseContentType(hookArgs.contentType); err != nil {
						return err
					}
					if hookArgs.file != "" {
						if def.Content, err = readContent(hookArgs.file); err != nil {
							return errors.Wrap(err, "cannot read content")
						}
					}
					hook, err := h.Register(ctx, def)
					return outputHook(w, hook, err)
				}),
			setEnabledCmd(true),
			setEnabledCmd(false),
			hookCmd("update-content HOOK_ID", "push new content to a hook's servers", 1,
				func(f *pflag.FlagSet) {
					serverFlag(f, "update")
					f.StringVar(&hookArgs.updateFile, "file", "-", "new content (- for stdin)")
				},
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					content, err := readContent(hookArgs.updateFile)
					if err != nil {
						return errors.Wrap(err, "cannot read content")
					}
					r, err := h.UpdateContent(ctx, args[0], content, hookArgs.server)
					return outputReport(w, r, err)
				}),
			hookCmd("remove HOOK_ID", "delete a hook from its servers", 1,
				func(f *pflag.FlagSet) { serverFlag(f, "remove from") },
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					r, err := h.Remove(ctx, args[0], hookArgs.server)
					return outputReport(w, r, err)
				}),
			hookCmd("remove-all-except --keep HOOK_ID HOOK_ID...", "remove all given hooks but one", -1,
				func(f *pflag.FlagSet) {
					f.StringVar(&hookArgs.keep, "keep", "", "the hook to keep")
					jsonFlag(f)
				},
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					rs, err := h.RemoveAllExcept(ctx, args, hookArgs.keep)
					return outputReports(w, rs, err)
				}),
			hookCmd("resync [HOOK_ID]", "re-inspect the servers of one or all hooks", -1, jsonFlag,
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					if len(args) > 1 {
						return errors.New("expected at most one hook id")
					}
					var hookID string
					if len(args) == 1 {
						hookID = args[0]
					}
					rs, err := h.Resync(ctx, hookID)
					return outputReports(w, rs, err)
				}),
			hookCmd("content HOOK_ID", "fetch a hook's content from a server", 1,
				func(f *pflag.FlagSet) {
					f.StringVar(&hookArgs.server, "server", "", "fetch from this server (default: first that answers)")
					f.StringVar(&hookArgs.output, "output", "-", "write content to this file (- for stdout)")
				},
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					content, _, err := h.Content(ctx, args[0], hookArgs.server)
					if err != nil {
						return err
					}
					if hookArgs.output != "-" {
						return os.WriteFile(hookArgs.output, content, 0600)
					}
					_, err = w.Write(content)
					return err
				}),
			hookCmd("purge HOOK_ID", "forget a hook without contacting any server", 1, nil,
				func(ctx context.Context, h hookClient, w io.Writer, args []string) error {
					if err := h.Purge(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(w, "purged %s\n", args[0])
					return nil
				}),
		}
	},
}
