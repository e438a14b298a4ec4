package command

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hooksync/hooksync/gateway"
	"github.com/hooksync/hooksync/hooks"
)

type EnvVar string

const (
	EnvServer      EnvVar = "HOOKSYNC_SERVER"
	EnvOp          EnvVar = "HOOKSYNC_OP"
	EnvHookID      EnvVar = "HOOKSYNC_HOOK_ID"
	EnvCluster     EnvVar = "HOOKSYNC_CLUSTER"
	EnvStage       EnvVar = "HOOKSYNC_STAGE"
	EnvCommand     EnvVar = "HOOKSYNC_COMMAND"
	EnvHookName    EnvVar = "HOOKSYNC_HOOK_NAME"
	EnvContentType EnvVar = "HOOKSYNC_CONTENT_TYPE"
	EnvChecksum    EnvVar = "HOOKSYNC_CHECKSUM"
	EnvTimeout     EnvVar = "HOOKSYNC_TIMEOUT"
)

type Env map[EnvVar]string

func NewEnv(serverID string, def hooks.Definition, cmd gateway.Command, timeout time.Duration) Env {
	e := Env{
		EnvServer:      serverID,
		EnvOp:          string(cmd.Op),
		EnvHookID:      def.ID,
		EnvCluster:     def.ClusterID,
		EnvStage:       strings.ToLower(string(def.Stage)),
		EnvCommand:     def.Command,
		EnvHookName:    def.Name,
		EnvContentType: strings.ToLower(string(def.ContentType)),
		EnvTimeout:     fmt.Sprintf("%.f", math.Floor(timeout.Seconds())),
	}
	if cmd.Op == gateway.OpPut {
		e[EnvChecksum] = string(cmd.Checksum)
	}
	return e
}

func (e Env) Environ(base []string) []string {
	ret := append([]string(nil), base...)
	for _, k := range e.sortedKeys() {
		ret = append(ret, fmt.Sprintf("%s=%s", k, e[k]))
	}
	return ret
}

// String reproduces a POSIX shell-compatible assignment prefix.
func (e Env) String() string {
	var b strings.Builder
	sep := ""
	for _, k := range e.sortedKeys() {
		fmt.Fprintf(&b, "%s%s='%s'", sep, k, e[k])
		sep = " "
	}
	return b.String()
}

func (e Env) sortedKeys() []EnvVar {
	keys := make([]EnvVar, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
