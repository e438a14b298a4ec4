// Package remediation executes operations on the server copies of a hook and
// records what the servers reported.
//
// Every operation holds the hook's lock for its whole duration: operations
// on one hook are totally ordered, operations on different hooks run in
// parallel. Within an operation, the in-scope servers are contacted in
// parallel, each call with its own timeout, and the operation returns only
// after all of them finished.
package remediation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/catalog"
	"github.com/hooksync/hooksync/daemon/logging"
	"github.com/hooksync/hooksync/gateway"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/logger"
	"github.com/hooksync/hooksync/replica"
	"github.com/hooksync/hooksync/util/errorarray"
	"github.com/hooksync/hooksync/util/keylock"
	"github.com/hooksync/hooksync/util/semaphore"
)

type Config struct {
	// Per server call. Zero means no timeout other than the caller's context.
	Timeout time.Duration
	// Server calls in flight across all operations.
	MaxConcurrent int
}

type Orchestrator struct {
	catalog *catalog.Catalog
	store   *replica.Store
	gw      gateway.Gateway
	locks   *keylock.Map
	fanout  *semaphore.S
	timeout time.Duration
	metrics metrics
}

func New(cat *catalog.Catalog, store *replica.Store, gw gateway.Gateway, config Config) *Orchestrator {
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		catalog: cat,
		store:   store,
		gw:      gw,
		locks:   keylock.New(),
		fanout:  semaphore.New(int64(maxConcurrent)),
		timeout: config.Timeout,
		metrics: newMetrics(),
	}
}

func getLogger(ctx context.Context) logger.Logger {
	return logging.GetLogger(ctx, logging.SubsysRemediation)
}

func (o *Orchestrator) lock(ctx context.Context, hookID string) (release func(), err error) {
	release, err = o.locks.Acquire(ctx, hookID)
	if err != nil {
		return nil, errors.Wrapf(hooks.ErrLockTimeout, "hook %s: %s", hookID, err)
	}
	return release, nil
}

// target is the state an operation starts from, captured under the hook's lock.
type target struct {
	def      hooks.Definition
	expected []string
	servers  []string
	// live replicas by server
	prev map[string]hooks.Replica
}

func (o *Orchestrator) prepare(ctx context.Context, hookID string, scope Scope) (*target, error) {
	def, err := o.catalog.Definition(hookID)
	if err != nil {
		return nil, err
	}
	expected := o.catalog.Expected(ctx, def.ClusterID)
	t := &target{
		def:      def,
		expected: expected,
		servers:  expected,
		prev:     make(map[string]hooks.Replica),
	}
	if !scope.IsAll() {
		if !contains(expected, scope.Server) {
			return nil, errors.Wrapf(hooks.ErrInvalidScope, "server %s is not a member of cluster %s", scope.Server, def.ClusterID)
		}
		t.servers = []string{scope.Server}
	}
	for _, r := range o.store.Get(hookID) {
		if r.Status.Live() {
			t.prev[r.ServerID] = r
		}
	}
	return t, nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

type outcome struct {
	serverID string
	gateway.Outcome
}

// fanOut executes cmd on every server of t in parallel.
// Outcomes are in the order of t.servers.
func (o *Orchestrator) fanOut(ctx context.Context, t *target, cmd gateway.Command) []outcome {
	outcomes := make([]outcome, len(t.servers))
	var wg sync.WaitGroup
	for i, serverID := range t.servers {
		outcomes[i].serverID = serverID
		wg.Add(1)
		go func(i int, serverID string) {
			defer wg.Done()
			outcomes[i].Outcome = o.call(ctx, serverID, t.def, cmd)
		}(i, serverID)
	}
	wg.Wait()
	return outcomes
}

// call executes a single server call under the global concurrency limit.
// The returned Outcome is either successful with a usable observation
// or carries an *gateway.Error.
func (o *Orchestrator) call(ctx context.Context, serverID string, def hooks.Definition, cmd gateway.Command) gateway.Outcome {
	guard, err := o.fanout.Acquire(ctx)
	if err != nil {
		return gateway.Outcome{Err: gateway.Errorf(gateway.Unreachable, serverID, cmd.Op, "cancelled: %s", err)}
	}
	defer guard.Release()

	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	out := o.gw.Execute(callCtx, serverID, def, cmd)
	if out.Err != nil {
		out.Observation = nil
		switch {
		case callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			if gateway.KindOf(out.Err) != gateway.Timeout {
				out.Err = gateway.Errorf(gateway.Timeout, serverID, cmd.Op, "timed out after %s", o.timeout)
			}
		case gateway.KindOf(out.Err) == "":
			out.Err = gateway.Errorf(gateway.Unreachable, serverID, cmd.Op, "%s", out.Err)
		}
		return out
	}
	if reason := checkObservation(cmd.Op, out.Observation); reason != "" {
		return gateway.Outcome{Err: gateway.Errorf(gateway.Rejected, serverID, cmd.Op, "%s", reason)}
	}
	return out
}

func checkObservation(op gateway.Op, obs *gateway.Observation) string {
	switch op {
	case gateway.OpInspect:
		if obs == nil {
			return "no observation reported"
		}
		if obs.Present && !obs.Status.HasCopy() {
			return "copy reported without status"
		}
		if obs.Present && !obs.Checksum.Valid() {
			return fmt.Sprintf("copy reported with invalid checksum %q", obs.Checksum)
		}
	case gateway.OpFetch:
		if obs == nil {
			return "no content reported"
		}
	}
	return ""
}

// recordFunc updates the store after a successful call. prev is nil if
// the server had no live replica. obs is nil if the server reported nothing.
type recordFunc func(serverID string, prev *hooks.Replica, obs *gateway.Observation) error

// record applies outcomes to the store in server order. Failed servers
// become UNKNOWN.
func (o *Orchestrator) record(t *target, outcomes []outcome, onSuccess recordFunc) (servers []ServerReport, failures []error, storeErrs []error) {
	servers = make([]ServerReport, len(outcomes))
	for i, out := range outcomes {
		servers[i].ServerID = out.serverID
		var prev *hooks.Replica
		if r, ok := t.prev[out.serverID]; ok {
			prev = &r
		}
		var err error
		if out.OK() {
			servers[i].OK = true
			err = onSuccess(out.serverID, prev, out.Observation)
		} else {
			servers[i].ErrKind = gateway.KindOf(out.Err)
			servers[i].Error = out.Err.Error()
			failures = append(failures, out.Err)
			err = o.store.Upsert(t.def.ID, out.serverID, hooks.StatusUnknown, "")
		}
		if err != nil {
			storeErrs = append(storeErrs, errors.Wrapf(err, "server %s", out.serverID))
		}
	}
	return servers, failures, storeErrs
}

func (o *Orchestrator) newReport(t *target, op Op, scope Scope, servers []ServerReport) *Report {
	r := &Report{
		HookID:  t.def.ID,
		Op:      op,
		Scope:   scope,
		Servers: servers,
	}
	r.computeResult()
	r.Classification = hooks.Classify(o.store.Get(t.def.ID), t.expected)
	return r
}

// finish logs and counts a completed operation and builds its error.
func (o *Orchestrator) finish(ctx context.Context, r *Report, mutating bool, failures, storeErrs []error) error {
	var errs []error
	if mutating && r.Scope.IsAll() && len(r.Servers) > 0 && r.Succeeded() == 0 {
		errs = append(errs, allServersFailed(r, failures))
	}
	if len(storeErrs) > 0 {
		errs = append(errs, errorarray.Wrap(storeErrs, "cannot record replica state"))
	}

	var err error
	switch len(errs) {
	case 0:
	case 1:
		err = errs[0]
	default:
		err = errorarray.Wrap(errs, string(r.Op)+" "+r.HookID)
	}

	o.metrics.ops.WithLabelValues(string(r.Op), string(r.Result)).Inc()
	l := getLogger(ctx).
		WithField(logging.HookField, r.HookID).
		WithField("op", string(r.Op)).
		WithField("scope", r.Scope.String()).
		WithField("conflicts", r.Classification.Mask().String())
	switch {
	case err != nil:
		l.WithError(err).Error(r.String())
	case r.Result == Succeeded || r.Result == NoOp:
		l.Info(r.String())
	default:
		l.Warn(r.String())
	}
	return err
}

// abort logs and counts an operation that ended before any server was contacted.
func (o *Orchestrator) abort(ctx context.Context, op Op, hookID string, err error) error {
	o.metrics.ops.WithLabelValues(string(op), "error").Inc()
	getLogger(ctx).
		WithField(logging.HookField, hookID).
		WithField("op", string(op)).
		WithError(err).
		Warn("operation not executed")
	return err
}

// SetEnabled enables or disables the copies of hookID on the servers in scope.
// It is permitted while the hook is in conflict and resolves status conflicts.
func (o *Orchestrator) SetEnabled(ctx context.Context, hookID string, enabled bool, scope Scope) (*Report, error) {
	op := OpDisable
	if enabled {
		op = OpEnable
	}
	release, err := o.lock(ctx, hookID)
	if err != nil {
		return nil, o.abort(ctx, op, hookID, err)
	}
	defer release()

	t, err := o.prepare(ctx, hookID, scope)
	if err != nil {
		return nil, o.abort(ctx, op, hookID, err)
	}
	outcomes := o.fanOut(ctx, t, gateway.SetEnabled(enabled))
	servers, failures, storeErrs := o.record(t, outcomes, func(serverID string, prev *hooks.Replica, obs *gateway.Observation) error {
		if obs != nil && !obs.Present {
			return o.store.Upsert(hookID, serverID, hooks.StatusMissing, "")
		}
		checksum := t.def.Checksum
		if prev != nil && prev.Checksum.Valid() {
			checksum = prev.Checksum
		}
		if obs != nil && obs.Checksum.Valid() {
			checksum = obs.Checksum
		}
		if checksum.Valid() {
			return o.store.Upsert(hookID, serverID, hooks.StatusFromEnabled(enabled), checksum)
		}
		return o.inspectAndRecord(ctx, t, serverID)
	})
	r := o.newReport(t, op, scope, servers)
	return r, o.finish(ctx, r, true, failures, storeErrs)
}

// inspectAndRecord records what serverID reports for a copy whose content
// is not known otherwise. If the server does not answer, the replica is UNKNOWN.
func (o *Orchestrator) inspectAndRecord(ctx context.Context, t *target, serverID string) error {
	out := o.call(ctx, serverID, t.def, gateway.Inspect())
	if !out.OK() {
		getLogger(ctx).
			WithField(logging.HookField, t.def.ID).
			WithField(logging.ServerField, serverID).
			WithError(out.Err).
			Warn("cannot determine checksum of copy")
		return o.store.Upsert(t.def.ID, serverID, hooks.StatusUnknown, "")
	}
	return o.recordObservation(t.def.ID, serverID, out.Observation)
}

// recordObservation records a successful inspect observation.
func (o *Orchestrator) recordObservation(hookID, serverID string, obs *gateway.Observation) error {
	if !obs.Present {
		return o.store.Upsert(hookID, serverID, hooks.StatusMissing, "")
	}
	return o.store.Upsert(hookID, serverID, obs.Status, obs.Checksum)
}

// UpdateContent pushes content to the servers in scope.
// It is permitted while the hook is in conflict and resolves content conflicts.
// If scope is All and at least one server accepted the content, it becomes
// the hook's canonical content.
func (o *Orchestrator) UpdateContent(ctx context.Context, hookID string, content []byte, scope Scope) (*Report, error) {
	release, err := o.lock(ctx, hookID)
	if err != nil {
		return nil, o.abort(ctx, OpUpdateContent, hookID, err)
	}
	defer release()

	t, err := o.prepare(ctx, hookID, scope)
	if err != nil {
		return nil, o.abort(ctx, OpUpdateContent, hookID, err)
	}
	cmd := gateway.PutContent(content)
	outcomes := o.fanOut(ctx, t, cmd)
	servers, failures, storeErrs := o.record(t, outcomes, func(serverID string, prev *hooks.Replica, obs *gateway.Observation) error {
		status := hooks.StatusDisabled
		if obs != nil && obs.Status.HasCopy() {
			status = obs.Status
		}
		if prev != nil && prev.Status.HasCopy() {
			status = prev.Status
		}
		checksum := cmd.Checksum
		if obs != nil && obs.Checksum.Valid() {
			checksum = obs.Checksum
		}
		if err := o.store.Upsert(hookID, serverID, status, checksum); err != nil {
			return err
		}
		if checksum != cmd.Checksum {
			return nil
		}
		return o.store.SetContent(hookID, serverID, cmd.Content)
	})
	r := o.newReport(t, OpUpdateContent, scope, servers)
	if scope.IsAll() && r.Succeeded() > 0 {
		if err := o.catalog.SetCanonicalContent(hookID, cmd.Content); err != nil {
			storeErrs = append(storeErrs, err)
		}
	}
	return r, o.finish(ctx, r, true, failures, storeErrs)
}

// RemoveHook deletes the copies of hookID from the servers in scope.
// If scope is All and every server succeeded, the hook itself is removed.
func (o *Orchestrator) RemoveHook(ctx context.Context, hookID string, scope Scope) (*Report, error) {
	release, err := o.lock(ctx, hookID)
	if err != nil {
		return nil, o.abort(ctx, OpRemove, hookID, err)
	}
	defer release()
	return o.removeLocked(ctx, hookID, scope)
}

func (o *Orchestrator) removeLocked(ctx context.Context, hookID string, scope Scope) (*Report, error) {
	t, err := o.prepare(ctx, hookID, scope)
	if err != nil {
		return nil, o.abort(ctx, OpRemove, hookID, err)
	}
	outcomes := o.fanOut(ctx, t, gateway.Delete())
	servers, failures, storeErrs := o.record(t, outcomes, func(serverID string, _ *hooks.Replica, _ *gateway.Observation) error {
		return o.store.Remove(hookID, serverID)
	})
	r := o.newReport(t, OpRemove, scope, servers)
	if scope.IsAll() && len(failures) == 0 && len(storeErrs) == 0 {
		if err := o.catalog.MarkRemoved(hookID); err != nil {
			storeErrs = append(storeErrs, err)
		} else {
			r.HookRemoved = true
		}
	}
	return r, o.finish(ctx, r, true, failures, storeErrs)
}

// RemoveAllExceptOne removes every hook in hookIDs from all servers, except keepID.
// Each hook is removed under its own lock. keepID is never locked or modified.
// Reports are in the order of hookIDs. Hooks that fail do not stop the others.
func (o *Orchestrator) RemoveAllExceptOne(ctx context.Context, hookIDs []string, keepID string) ([]*Report, error) {
	var (
		reports []*Report
		errs    []error
		seen    = make(map[string]bool, len(hookIDs))
	)
	for _, hookID := range hookIDs {
		if hookID == keepID || seen[hookID] {
			continue
		}
		seen[hookID] = true
		r, err := o.RemoveHook(ctx, hookID, All())
		if r != nil {
			reports = append(reports, r)
		}
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "hook %s", hookID))
		}
	}
	if len(errs) > 0 {
		return reports, errorarray.Wrap(errs, "remove-all-except "+keepID)
	}
	return reports, nil
}

// Resync polls every expected server for its copy of hookID and records the answers.
// Divergence found this way is reported in the classification, never as an error.
func (o *Orchestrator) Resync(ctx context.Context, hookID string) (*Report, error) {
	release, err := o.lock(ctx, hookID)
	if err != nil {
		return nil, o.abort(ctx, OpResync, hookID, err)
	}
	defer release()

	t, err := o.prepare(ctx, hookID, All())
	if err != nil {
		return nil, o.abort(ctx, OpResync, hookID, err)
	}
	outcomes := o.fanOut(ctx, t, gateway.Inspect())
	servers, failures, storeErrs := o.record(t, outcomes, func(serverID string, _ *hooks.Replica, obs *gateway.Observation) error {
		return o.recordObservation(hookID, serverID, obs)
	})
	r := o.newReport(t, OpResync, All(), servers)
	return r, o.finish(ctx, r, false, failures, storeErrs)
}

// ResyncAll resyncs every hook in the catalog, one after the other.
// Hooks removed concurrently are skipped.
func (o *Orchestrator) ResyncAll(ctx context.Context) ([]*Report, error) {
	var (
		reports []*Report
		errs    []error
	)
	for _, hookID := range o.catalog.HookIDs() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		r, err := o.Resync(ctx, hookID)
		if errors.Is(err, hooks.ErrNotFound) {
			continue
		}
		if r != nil {
			reports = append(reports, r)
		}
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "hook %s", hookID))
		}
	}
	if len(errs) > 0 {
		return reports, errorarray.Wrap(errs, "resync")
	}
	return reports, nil
}

// FetchContent reads the content of hookID from serverID or, if serverID is
// empty, from the first expected server that answers, in server order.
// The content is cached in the store if the server is known to have a copy.
func (o *Orchestrator) FetchContent(ctx context.Context, hookID, serverID string) ([]byte, *Report, error) {
	scope := All()
	if serverID != "" {
		scope = Server(serverID)
	}
	release, err := o.lock(ctx, hookID)
	if err != nil {
		return nil, nil, o.abort(ctx, OpFetchContent, hookID, err)
	}
	defer release()

	t, err := o.prepare(ctx, hookID, scope)
	if err != nil {
		return nil, nil, o.abort(ctx, OpFetchContent, hookID, err)
	}
	if len(t.servers) == 0 {
		err := errors.Wrapf(hooks.ErrAllServersFailed, "cluster %s has no expected servers", t.def.ClusterID)
		return nil, nil, o.abort(ctx, OpFetchContent, hookID, err)
	}

	var (
		content  []byte
		outcomes []outcome
	)
	for _, s := range t.servers {
		out := o.call(ctx, s, t.def, gateway.Fetch())
		outcomes = append(outcomes, outcome{s, out})
		if out.OK() {
			content = append([]byte{}, out.Observation.Content...)
			break
		}
	}
	servers, failures, storeErrs := o.record(t, outcomes, func(serverID string, prev *hooks.Replica, obs *gateway.Observation) error {
		if prev == nil || !prev.Status.HasCopy() {
			return nil
		}
		return o.store.SetContent(hookID, serverID, obs.Content)
	})
	r := o.newReport(t, OpFetchContent, scope, servers)
	err = o.finish(ctx, r, false, failures, storeErrs)
	if content == nil {
		allFailed := allServersFailed(r, failures)
		if err != nil {
			return nil, r, errorarray.Wrap([]error{allFailed, err}, string(OpFetchContent)+" "+hookID)
		}
		return nil, r, allFailed
	}
	return content, r, err
}

// Purge forgets hookID without contacting any server.
func (o *Orchestrator) Purge(ctx context.Context, hookID string) error {
	release, err := o.lock(ctx, hookID)
	if err != nil {
		return o.abort(ctx, OpPurge, hookID, err)
	}
	defer release()
	if err := o.catalog.Purge(ctx, hookID); err != nil {
		return o.abort(ctx, OpPurge, hookID, err)
	}
	o.metrics.ops.WithLabelValues(string(OpPurge), string(Succeeded)).Inc()
	return nil
}
