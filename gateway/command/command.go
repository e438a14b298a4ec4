// Package command implements gateway.Gateway by running an external program
// once per server call.
//
// The program receives the call in its environment (see Env), the content of
// a put on stdin, and answers through its exit status and stdout.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/config"
	"github.com/hooksync/hooksync/daemon/logging"
	"github.com/hooksync/hooksync/gateway"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/logger"
	"github.com/hooksync/hooksync/util/envconst"
)

const (
	// EX_TEMPFAIL from sysexits.h
	ExitTempFail = 75
	// ssh(1) exits 255 if the connection fails
	ExitConnectionFailed = 255
)

const (
	maxOutputDefault = 16 << 20
	stderrTailSize   = 4 << 10
)

type Gateway struct {
	path      string
	args      []string
	timeout   time.Duration
	maxOutput int
}

var _ gateway.Gateway = (*Gateway)(nil)

func New(path string, args []string, timeout time.Duration) *Gateway {
	return &Gateway{
		path:      path,
		args:      args,
		timeout:   timeout,
		maxOutput: envconst.Int("HOOKSYNC_MAX_GATEWAY_OUTPUT", maxOutputDefault),
	}
}

func FromConfig(in *config.CommandGateway) (*Gateway, error) {
	if in.Path == "" {
		return nil, errors.New("gateway path must not be empty")
	}
	if in.Timeout <= 0 {
		return nil, errors.Errorf("gateway timeout must be positive, got %s", in.Timeout)
	}
	return New(in.Path, in.Args, in.Timeout), nil
}

func (g *Gateway) String() string {
	return strings.Join(append([]string{g.path}, g.args...), " ")
}

func getLogger(ctx context.Context) logger.Logger {
	return logging.GetLogger(ctx, logging.SubsysGateway)
}

// inspectOutput is the JSON document printed by the program for inspect,
// and optionally for enable, disable and put.
type inspectOutput struct {
	Present  *bool          `json:"present"`
	Status   string         `json:"status"`
	Checksum hooks.Checksum `json:"checksum"`
}

func (g *Gateway) Execute(ctx context.Context, serverID string, def hooks.Definition, cmd gateway.Command) gateway.Outcome {
	l := getLogger(ctx).
		WithField(logging.HookField, def.ID).
		WithField(logging.ServerField, serverID).
		WithField("op", string(cmd.Op))

	fail := func(kind gateway.ErrorKind, format string, args ...interface{}) gateway.Outcome {
		err := gateway.Errorf(kind, serverID, cmd.Op, format, args...)
		l.WithError(err).Warn("gateway call failed")
		return gateway.Outcome{Err: err}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	env := NewEnv(serverID, def, cmd, g.timeout)
	cmdExec := exec.CommandContext(cmdCtx, g.path, g.args...)
	cmdExec.Env = env.Environ(os.Environ())
	if cmd.Op == gateway.OpPut {
		cmdExec.Stdin = bytes.NewReader(cmd.Content)
	}

	stdout := &limitedBuffer{max: g.maxOutput}
	stderrTail := newTailBuffer(stderrTailSize)
	stderrLog := newLogWriter(l, logger.Warn, "stderr", g.maxOutput)
	cmdExec.Stdout = stdout
	cmdExec.Stderr = io.MultiWriter(stderrLog, stderrTail)
	// grandchildren may keep stdout open after the program is killed
	cmdExec.WaitDelay = time.Second

	l.WithField("env", env.String()).Debug("run gateway command")

	if err := cmdExec.Start(); err != nil {
		return fail(gateway.Unreachable, "cannot start %q: %s", g.path, err)
	}
	err := cmdExec.Wait()
	stderrLog.Close()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fail(gateway.Timeout, "timed out after %s", g.timeout)
		}
		if ctx.Err() != nil {
			return fail(gateway.Unreachable, "cancelled: %s", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case ExitTempFail, ExitConnectionFailed:
				return fail(gateway.Unreachable, "exit status %d: %s", exitErr.ExitCode(), stderrTail)
			}
			return fail(gateway.Rejected, "exit status %d: %s", exitErr.ExitCode(), stderrTail)
		}
		return fail(gateway.Unreachable, "%s", err)
	}

	if stdout.truncated {
		return fail(gateway.Rejected, "output exceeds %d bytes (HOOKSYNC_MAX_GATEWAY_OUTPUT)", g.maxOutput)
	}

	out := stdout.Bytes()
	switch cmd.Op {
	case gateway.OpFetch:
		content := append([]byte{}, out...)
		return gateway.Outcome{Observation: &gateway.Observation{
			Present:  true,
			Content:  content,
			Checksum: hooks.Digest(content),
		}}
	case gateway.OpDelete:
		return gateway.Outcome{}
	case gateway.OpInspect:
		obs, err := parseObservation(out)
		if err == nil && obs.Present && (obs.Status == "" || obs.Checksum == "") {
			err = errors.New("'status' and 'checksum' are required if 'present' is true")
		}
		if err != nil {
			return fail(gateway.Rejected, "malformed inspect output: %s", err)
		}
		return gateway.Outcome{Observation: obs}
	default:
		if len(bytes.TrimSpace(out)) == 0 {
			return gateway.Outcome{}
		}
		obs, err := parseObservation(out)
		if err != nil {
			l.WithError(err).Debug("ignoring unparseable output of mutating call")
			return gateway.Outcome{}
		}
		return gateway.Outcome{Observation: obs}
	}
}

func parseObservation(out []byte) (*gateway.Observation, error) {
	var o inspectOutput
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return nil, err
	}
	if o.Present == nil {
		return nil, errors.New("missing field 'present'")
	}
	obs := &gateway.Observation{Present: *o.Present}
	if !obs.Present {
		return obs, nil
	}
	switch strings.ToLower(o.Status) {
	case "enabled":
		obs.Status = hooks.StatusEnabled
	case "disabled":
		obs.Status = hooks.StatusDisabled
	case "":
	default:
		return nil, errors.Errorf("invalid status %q", o.Status)
	}
	if o.Checksum != "" {
		if !o.Checksum.Valid() {
			return nil, errors.Errorf("invalid checksum %q", o.Checksum)
		}
		obs.Checksum = o.Checksum
	}
	return obs, nil
}
