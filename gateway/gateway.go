// Package gateway defines how the daemon talks to the servers of a cluster.
//
// A Gateway executes one Command against one server's copy of a hook and
// reports the Outcome. Implementations live in subpackages.
package gateway

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/hooks"
)

type Op string

const (
	OpEnable  Op = "enable"
	OpDisable Op = "disable"
	OpPut     Op = "put"
	OpDelete  Op = "delete"
	OpInspect Op = "inspect"
	OpFetch   Op = "fetch"
)

var AllOps = []Op{OpEnable, OpDisable, OpPut, OpDelete, OpInspect, OpFetch}

// Mutating reports whether op changes server state.
func (o Op) Mutating() bool {
	return o != OpInspect && o != OpFetch
}

type Command struct {
	Op Op
	// OpPut only
	Content  []byte
	Checksum hooks.Checksum
}

func Enable() Command  { return Command{Op: OpEnable} }
func Disable() Command { return Command{Op: OpDisable} }
func Delete() Command  { return Command{Op: OpDelete} }
func Inspect() Command { return Command{Op: OpInspect} }
func Fetch() Command   { return Command{Op: OpFetch} }

func SetEnabled(enabled bool) Command {
	if enabled {
		return Enable()
	}
	return Disable()
}

// PutContent computes the checksum of content once, here.
func PutContent(content []byte) Command {
	return Command{Op: OpPut, Content: content, Checksum: hooks.Digest(content)}
}

// Observation is what a server reported about its copy of a hook.
// Fields are zero if the server did not report them.
type Observation struct {
	Present  bool
	Status   hooks.Status // ENABLED or DISABLED if reported
	Checksum hooks.Checksum
	Content  []byte // OpFetch only
}

type Outcome struct {
	// nil on success, otherwise an *Error
	Err         error
	Observation *Observation
}

func (o Outcome) OK() bool { return o.Err == nil }

type ErrorKind string

const (
	Unreachable ErrorKind = "unreachable"
	Timeout     ErrorKind = "timeout"
	Rejected    ErrorKind = "rejected"
)

type Error struct {
	Kind   ErrorKind
	Server string
	Op     Op
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s on server %s: %s: %s", e.Op, e.Server, e.Kind, e.Reason)
}

func Errorf(kind ErrorKind, server string, op Op, format string, args ...interface{}) *Error {
	return &Error{kind, server, op, fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a gateway error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

type Gateway interface {
	Execute(ctx context.Context, serverID string, def hooks.Definition, cmd Command) Outcome
}
