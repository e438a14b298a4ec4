package remediation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hooksync/hooksync/gateway"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/util/errorarray"
)

// Scope selects the servers an operation contacts.
// The zero value is all expected servers of the hook's cluster.
type Scope struct {
	Server string `json:"server,omitempty"`
}

func All() Scope             { return Scope{} }
func Server(id string) Scope { return Scope{Server: id} }
func (s Scope) IsAll() bool  { return s.Server == "" }

func (s Scope) String() string {
	if s.IsAll() {
		return "all"
	}
	return "server:" + s.Server
}

type Op string

const (
	OpEnable        Op = "enable"
	OpDisable       Op = "disable"
	OpUpdateContent Op = "update-content"
	OpRemove        Op = "remove"
	OpResync        Op = "resync"
	OpFetchContent  Op = "fetch-content"
	OpPurge         Op = "purge"
)

var AllOps = []Op{OpEnable, OpDisable, OpUpdateContent, OpRemove, OpResync, OpFetchContent, OpPurge}

type Result string

const (
	Succeeded Result = "succeeded"
	Partial   Result = "partial"
	Failed    Result = "failed"
	// no server was in scope
	NoOp Result = "noop"
)

type ServerReport struct {
	ServerID string            `json:"server_id"`
	OK       bool              `json:"ok"`
	ErrKind  gateway.ErrorKind `json:"err_kind,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type Report struct {
	HookID         string               `json:"hook_id"`
	Op             Op                   `json:"op"`
	Scope          Scope                `json:"scope"`
	Result         Result               `json:"result"`
	Servers        []ServerReport       `json:"servers"`
	Classification hooks.Classification `json:"classification"`
	HookRemoved    bool                 `json:"hook_removed,omitempty"`
}

func (r *Report) Succeeded() int {
	n := 0
	for _, s := range r.Servers {
		if s.OK {
			n++
		}
	}
	return n
}

// ServerIDs returns the ids of the servers a report covers, in report order.
func (r *Report) ServerIDs() []string {
	ids := make([]string, len(r.Servers))
	for i := range r.Servers {
		ids[i] = r.Servers[i].ServerID
	}
	return ids
}

// FailedServers returns the ids of the servers that failed, sorted.
func (r *Report) FailedServers() []string {
	var ids []string
	for _, s := range r.Servers {
		if !s.OK {
			ids = append(ids, s.ServerID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Report) computeResult() {
	ok := r.Succeeded()
	switch {
	case len(r.Servers) == 0:
		r.Result = NoOp
	case ok == len(r.Servers):
		r.Result = Succeeded
	case ok == 0:
		r.Result = Failed
	default:
		r.Result = Partial
	}
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s): %s, %d/%d servers ok", r.Op, r.HookID, r.Scope, r.Result, r.Succeeded(), len(r.Servers))
	if r.HookRemoved {
		b.WriteString(", hook removed")
	}
	return b.String()
}

// AllServersFailedError is returned with the report of a mutating operation
// on all servers if none of them succeeded.
// It matches hooks.ErrAllServersFailed and every per-server error.
type AllServersFailedError struct {
	HookID string
	Op     Op
	Errs   errorarray.Errors
}

func (e *AllServersFailedError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.HookID, e.Errs.Error())
}

func (e *AllServersFailedError) Unwrap() []error {
	return []error{hooks.ErrAllServersFailed, e.Errs}
}

func allServersFailed(r *Report, errs []error) error {
	return &AllServersFailedError{
		HookID: r.HookID,
		Op:     r.Op,
		Errs:   errorarray.Wrap(errs, hooks.ErrAllServersFailed.Error()),
	}
}
