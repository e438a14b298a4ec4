package remediation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooksync/hooksync/catalog"
	"github.com/hooksync/hooksync/config"
	"github.com/hooksync/hooksync/gateway"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/membership"
	"github.com/hooksync/hooksync/replica"
)

type serverCopy struct {
	status  hooks.Status
	content []byte
}

// mockGateway keeps the copies of every hook on every server in memory.
type mockGateway struct {
	mtx    sync.Mutex
	copies map[string]map[string]*serverCopy // by hook id, then server id
	fail   map[string]gateway.ErrorKind
	hang   map[string]bool
	delay  time.Duration
	calls  []string

	active  map[gateway.Op]int
	overlap bool
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		copies: make(map[string]map[string]*serverCopy),
		fail:   make(map[string]gateway.ErrorKind),
		hang:   make(map[string]bool),
		active: make(map[gateway.Op]int),
	}
}

func (g *mockGateway) seed(hookID, serverID string, status hooks.Status, content string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.hook(hookID)[serverID] = &serverCopy{status, []byte(content)}
}

func (g *mockGateway) get(hookID, serverID string) *serverCopy {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.copies[hookID][serverID]
}

func (g *mockGateway) setFail(serverID string, kind gateway.ErrorKind) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.fail[serverID] = kind
}

func (g *mockGateway) callsTo(hookID string) (n int) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	for _, c := range g.calls {
		if strings.HasPrefix(c, hookID+" ") {
			n++
		}
	}
	return n
}

func countCalls(g *mockGateway, hookID, serverID string, op gateway.Op) (n int) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	want := fmt.Sprintf("%s %s %s", hookID, serverID, op)
	for _, c := range g.calls {
		if c == want {
			n++
		}
	}
	return n
}

func (g *mockGateway) hook(hookID string) map[string]*serverCopy {
	m, ok := g.copies[hookID]
	if !ok {
		m = make(map[string]*serverCopy)
		g.copies[hookID] = m
	}
	return m
}

func (g *mockGateway) Execute(ctx context.Context, serverID string, def hooks.Definition, cmd gateway.Command) gateway.Outcome {
	g.mtx.Lock()
	g.calls = append(g.calls, fmt.Sprintf("%s %s %s", def.ID, serverID, cmd.Op))
	kind, failing := g.fail[serverID]
	hang := g.hang[serverID]
	g.active[cmd.Op]++
	if g.active[gateway.OpEnable] > 0 && g.active[gateway.OpDisable] > 0 {
		g.overlap = true
	}
	g.mtx.Unlock()
	defer func() {
		g.mtx.Lock()
		g.active[cmd.Op]--
		g.mtx.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return gateway.Outcome{Err: gateway.Errorf(gateway.Unreachable, serverID, cmd.Op, "cancelled")}
	}
	if failing {
		return gateway.Outcome{Err: gateway.Errorf(kind, serverID, cmd.Op, "injected")}
	}
	time.Sleep(g.delay)

	g.mtx.Lock()
	defer g.mtx.Unlock()
	copies := g.hook(def.ID)
	c := copies[serverID]
	observe := func() *gateway.Observation {
		return &gateway.Observation{Present: true, Status: c.status, Checksum: hooks.Digest(c.content)}
	}
	switch cmd.Op {
	case gateway.OpEnable, gateway.OpDisable:
		if c == nil {
			return gateway.Outcome{Err: gateway.Errorf(gateway.Rejected, serverID, cmd.Op, "no such hook")}
		}
		c.status = hooks.StatusFromEnabled(cmd.Op == gateway.OpEnable)
		return gateway.Outcome{Observation: observe()}
	case gateway.OpPut:
		if c == nil {
			c = &serverCopy{status: hooks.StatusDisabled}
			copies[serverID] = c
		}
		c.content = append([]byte{}, cmd.Content...)
		return gateway.Outcome{}
	case gateway.OpDelete:
		delete(copies, serverID)
		return gateway.Outcome{}
	case gateway.OpInspect:
		if c == nil {
			return gateway.Outcome{Observation: &gateway.Observation{Present: false}}
		}
		return gateway.Outcome{Observation: observe()}
	case gateway.OpFetch:
		if c == nil {
			return gateway.Outcome{Err: gateway.Errorf(gateway.Rejected, serverID, cmd.Op, "no such hook")}
		}
		obs := observe()
		obs.Content = append([]byte{}, c.content...)
		return gateway.Outcome{Observation: obs}
	}
	panic(cmd.Op)
}

type fixture struct {
	store *replica.Store
	cat   *catalog.Catalog
	gw    *mockGateway
	o     *Orchestrator
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	store := replica.New(nil)
	members := membership.NewStatic([]config.ClusterMembers{
		{ID: "c1", Servers: []string{"s1", "s2", "s3"}},
		{ID: "c0"},
	})
	cat := catalog.New(store, members, nil)
	gw := newMockGateway()
	o := New(cat, store, gw, Config{Timeout: timeout, MaxConcurrent: 4})
	return &fixture{store, cat, gw, o}
}

func (f *fixture) register(t *testing.T, cluster, name, content string) string {
	def := hooks.Definition{
		ClusterID: cluster,
		Stage:     hooks.StagePost,
		Command:   "create volume",
		Name:      name,
	}
	if content != "" {
		def.Content = []byte(content)
	}
	h, err := f.cat.Register(context.Background(), def)
	require.NoError(t, err)
	return h.ID
}

// seeded registers a hook with content present and enabled on every server of c1.
func (f *fixture) seeded(t *testing.T, name, content string) string {
	id := f.register(t, "c1", name, content)
	for _, s := range []string{"s1", "s2", "s3"} {
		f.gw.seed(id, s, hooks.StatusEnabled, content)
	}
	_, err := f.o.Resync(context.Background(), id)
	require.NoError(t, err)
	return id
}

func replicaOf(t *testing.T, f *fixture, hookID, serverID string) hooks.Replica {
	for _, r := range f.store.Get(hookID) {
		if r.ServerID == serverID {
			return r
		}
	}
	t.Fatalf("no replica of %s on %s", hookID, serverID)
	return hooks.Replica{}
}

func TestResyncDetectsConflicts(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.register(t, "c1", "log", "")
	f.gw.seed(id, "s1", hooks.StatusEnabled, "echo a")
	f.gw.seed(id, "s2", hooks.StatusDisabled, "echo b")

	r, err := f.o.Resync(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, r.Result)
	assert.Equal(t, []string{"s1", "s2", "s3"}, r.ServerIDs())
	assert.True(t, r.Classification.ContentConflict)
	assert.True(t, r.Classification.StatusConflict)
	assert.True(t, r.Classification.MissingConflict)
	assert.Equal(t, hooks.AggregateMixed, r.Classification.AggregateStatus)
	assert.Equal(t, hooks.StatusMissing, replicaOf(t, f, id, "s3").Status)
	assert.Equal(t, hooks.Digest([]byte("echo b")), replicaOf(t, f, id, "s2").Checksum)
}

func TestResolutionViaOverwrite(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.register(t, "c1", "log", "")
	f.gw.seed(id, "s1", hooks.StatusEnabled, "echo a")
	f.gw.seed(id, "s2", hooks.StatusDisabled, "echo b")
	_, err := f.o.Resync(ctx, id)
	require.NoError(t, err)

	r, err := f.o.UpdateContent(ctx, id, []byte("echo c"), All())
	require.NoError(t, err)
	assert.Equal(t, Succeeded, r.Result)
	assert.False(t, r.Classification.ContentConflict)
	assert.False(t, r.Classification.MissingConflict)
	assert.True(t, r.Classification.StatusConflict)
	// s3 had no copy before
	assert.Equal(t, hooks.StatusDisabled, replicaOf(t, f, id, "s3").Status)
	assert.Equal(t, hooks.StatusEnabled, replicaOf(t, f, id, "s1").Status)
	assert.Equal(t, []byte("echo c"), replicaOf(t, f, id, "s1").Content)

	def, err := f.cat.Definition(id)
	require.NoError(t, err)
	assert.Equal(t, hooks.Digest([]byte("echo c")), def.Checksum)
	assert.Equal(t, []byte("echo c"), def.Content)

	r, err = f.o.SetEnabled(ctx, id, true, All())
	require.NoError(t, err)
	assert.False(t, r.Classification.HasConflict())
	assert.Equal(t, hooks.AggregateEnabled, r.Classification.AggregateStatus)

	r, err = f.o.Resync(ctx, id)
	require.NoError(t, err)
	assert.False(t, r.Classification.HasConflict())
	assert.False(t, r.Classification.Degraded)
}

func TestSetEnabledChecksumFallback(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seeded(t, "log", "echo a")

	f.gw.mtx.Lock()
	f.gw.copies[id]["s1"].content = []byte("changed behind our back")
	f.gw.mtx.Unlock()
	r, err := f.o.SetEnabled(context.Background(), id, false, Server("s1"))
	require.NoError(t, err)
	assert.Equal(t, Server("s1"), r.Scope)
	// the mock reports what it has
	assert.Equal(t, hooks.Digest([]byte("changed behind our back")), replicaOf(t, f, id, "s1").Checksum)
	assert.Equal(t, hooks.StatusDisabled, replicaOf(t, f, id, "s1").Status)
	assert.True(t, r.Classification.ContentConflict)
	assert.True(t, r.Classification.StatusConflict)
}

func TestUpdateContentServerScopeKeepsCanonical(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seeded(t, "log", "echo a")

	r, err := f.o.UpdateContent(context.Background(), id, []byte("echo b"), Server("s2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, r.ServerIDs())
	assert.True(t, r.Classification.ContentConflict)

	def, err := f.cat.Definition(id)
	require.NoError(t, err)
	assert.Equal(t, hooks.Digest([]byte("echo a")), def.Checksum)
}

func TestPartialFailureIsDegraded(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		t.Run(fmt.Sprintf("enabled=%v", enabled), func(t *testing.T) {
			f := newFixture(t, 0)
			id := f.seeded(t, "log", "echo a")
			f.gw.setFail("s2", gateway.Unreachable)

			r, err := f.o.SetEnabled(context.Background(), id, enabled, All())
			require.NoError(t, err)
			assert.Equal(t, Partial, r.Result)
			assert.Equal(t, 2, r.Succeeded())
			assert.Equal(t, []string{"s2"}, r.FailedServers())
			assert.Equal(t, gateway.Unreachable, r.Servers[1].ErrKind)
			assert.NotEmpty(t, r.Servers[1].Error)

			for _, s := range []string{"s1", "s3"} {
				rep := replicaOf(t, f, id, s)
				assert.Equal(t, hooks.StatusFromEnabled(enabled), rep.Status, s)
				assert.Equal(t, hooks.Digest([]byte("echo a")), rep.Checksum, s)
			}
			assert.Equal(t, hooks.StatusUnknown, replicaOf(t, f, id, "s2").Status)
			assert.Empty(t, replicaOf(t, f, id, "s2").Checksum)
			assert.True(t, r.Classification.Degraded)
			assert.False(t, r.Classification.HasConflict())
			want := hooks.AggregateDisabled
			if enabled {
				want = hooks.AggregateEnabled
			}
			assert.Equal(t, want, r.Classification.AggregateStatus)
		})
	}
}

// quietGateway reports nothing for enable and disable, like a command
// gateway whose transport prints nothing on success.
type quietGateway struct {
	*mockGateway
	inspect func(gateway.Outcome) gateway.Outcome
}

func (g *quietGateway) Execute(ctx context.Context, serverID string, def hooks.Definition, cmd gateway.Command) gateway.Outcome {
	out := g.mockGateway.Execute(ctx, serverID, def, cmd)
	switch {
	case out.Err != nil:
	case cmd.Op == gateway.OpEnable || cmd.Op == gateway.OpDisable:
		out.Observation = nil
	case cmd.Op == gateway.OpInspect && g.inspect != nil:
		out = g.inspect(out)
	}
	return out
}

func newQuietFixture(t *testing.T, inspect func(gateway.Outcome) gateway.Outcome) *fixture {
	f := newFixture(t, 0)
	f.o = New(f.cat, f.store, &quietGateway{f.gw, inspect}, Config{MaxConcurrent: 4})
	return f
}

func TestSetEnabledWithoutKnownChecksumInspects(t *testing.T) {
	f := newQuietFixture(t, nil)
	ctx := context.Background()
	id := f.register(t, "c1", "log", "")
	f.gw.seed(id, "s1", hooks.StatusDisabled, "echo a")

	_, err := f.o.UpdateContent(ctx, id, []byte("echo a"), Server("s2"))
	require.NoError(t, err)
	r, err := f.o.SetEnabled(ctx, id, true, Server("s1"))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, r.Result)

	s1 := replicaOf(t, f, id, "s1")
	assert.Equal(t, hooks.StatusEnabled, s1.Status)
	assert.Equal(t, hooks.Digest([]byte("echo a")), s1.Checksum)
	assert.False(t, r.Classification.ContentConflict)
	assert.True(t, r.Classification.StatusConflict)
	assert.Equal(t, 1, countCalls(f.gw, id, "s1", gateway.OpInspect))
}

func TestSetEnabledWithoutKnownChecksumInspectFails(t *testing.T) {
	f := newQuietFixture(t, func(out gateway.Outcome) gateway.Outcome {
		return gateway.Outcome{Err: gateway.Errorf(gateway.Unreachable, "s1", gateway.OpInspect, "connection reset")}
	})
	ctx := context.Background()
	id := f.register(t, "c1", "log", "")
	f.gw.seed(id, "s1", hooks.StatusDisabled, "echo a")
	f.gw.seed(id, "s2", hooks.StatusEnabled, "echo b")
	_, err := f.o.UpdateContent(ctx, id, []byte("echo b"), Server("s2"))
	require.NoError(t, err)

	r, err := f.o.SetEnabled(ctx, id, true, Server("s1"))
	require.NoError(t, err)
	s1 := replicaOf(t, f, id, "s1")
	assert.Equal(t, hooks.StatusUnknown, s1.Status)
	assert.Empty(t, s1.Checksum)
	assert.False(t, r.Classification.ContentConflict)
	assert.True(t, r.Classification.Degraded)
}

func TestResyncRejectsCopyWithoutChecksum(t *testing.T) {
	f := newQuietFixture(t, func(out gateway.Outcome) gateway.Outcome {
		if out.Observation != nil && out.Observation.Present {
			out.Observation.Checksum = ""
		}
		return out
	})
	ctx := context.Background()
	id := f.register(t, "c1", "log", "")
	f.gw.seed(id, "s1", hooks.StatusEnabled, "echo a")

	r, err := f.o.Resync(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, r.FailedServers())
	assert.Equal(t, gateway.Rejected, r.Servers[0].ErrKind)
	assert.Equal(t, hooks.StatusUnknown, replicaOf(t, f, id, "s1").Status)
	assert.Equal(t, hooks.StatusMissing, replicaOf(t, f, id, "s2").Status)
	assert.False(t, r.Classification.ContentConflict)
}

func TestAllServersFailed(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seeded(t, "log", "echo a")
	for _, s := range []string{"s1", "s2", "s3"} {
		f.gw.setFail(s, gateway.Rejected)
	}

	r, err := f.o.SetEnabled(context.Background(), id, false, All())
	require.Error(t, err)
	require.NotNil(t, r)
	assert.True(t, errors.Is(err, hooks.ErrAllServersFailed))
	var allFailed *AllServersFailedError
	require.True(t, errors.As(err, &allFailed))
	assert.Len(t, allFailed.Errs.Wrapped, 3)
	assert.Equal(t, Failed, r.Result)
	assert.Equal(t, hooks.AggregateUndefined, r.Classification.AggregateStatus)
	assert.True(t, r.Classification.Degraded)

	// a single failed server is reported, not returned
	r, err = f.o.SetEnabled(context.Background(), id, true, Server("s1"))
	require.NoError(t, err)
	assert.Equal(t, Failed, r.Result)
}

func TestInvalidScope(t *testing.T) {
	f := newFixture(t, 0)
	id := f.register(t, "c1", "log", "echo a")

	_, err := f.o.SetEnabled(context.Background(), id, true, Server("s9"))
	assert.True(t, errors.Is(err, hooks.ErrInvalidScope))
	_, err = f.o.UpdateContent(context.Background(), id, []byte("x"), Server("s9"))
	assert.True(t, errors.Is(err, hooks.ErrInvalidScope))
	_, _, err = f.o.FetchContent(context.Background(), id, "s9")
	assert.True(t, errors.Is(err, hooks.ErrInvalidScope))
	assert.Zero(t, f.gw.callsTo(id))
	assert.Empty(t, f.store.Get(id))
}

func TestUnknownHook(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.o.SetEnabled(context.Background(), "nope", true, All())
	assert.True(t, errors.Is(err, hooks.ErrNotFound))
	_, err = f.o.Resync(context.Background(), "nope")
	assert.True(t, errors.Is(err, hooks.ErrNotFound))
	assert.True(t, errors.Is(f.o.Purge(context.Background(), "nope"), hooks.ErrNotFound))
}

func TestTimeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	id := f.seeded(t, "log", "echo a")
	f.gw.mtx.Lock()
	f.gw.hang["s3"] = true
	f.gw.mtx.Unlock()

	start := time.Now()
	r, err := f.o.SetEnabled(context.Background(), id, false, All())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, Partial, r.Result)
	assert.Equal(t, gateway.Timeout, r.Servers[2].ErrKind)
	assert.Equal(t, hooks.StatusUnknown, replicaOf(t, f, id, "s3").Status)
}

func TestResyncRecordsMissingAndUnknown(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.register(t, "c1", "log", "")
	f.gw.seed(id, "s3", hooks.StatusEnabled, "echo a")
	f.gw.setFail("s1", gateway.Timeout)

	r, err := f.o.Resync(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Partial, r.Result)
	assert.Equal(t, hooks.StatusUnknown, replicaOf(t, f, id, "s1").Status)
	assert.Equal(t, hooks.StatusMissing, replicaOf(t, f, id, "s2").Status)
	assert.Equal(t, hooks.StatusEnabled, replicaOf(t, f, id, "s3").Status)
	assert.True(t, r.Classification.Degraded)
	assert.True(t, r.Classification.MissingConflict)

	// resync never fails because of the servers
	f.gw.setFail("s2", gateway.Unreachable)
	f.gw.setFail("s3", gateway.Rejected)
	r, err = f.o.Resync(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Failed, r.Result)
	assert.Equal(t, hooks.AggregateUndefined, r.Classification.AggregateStatus)
}

func TestResyncFreshHook(t *testing.T) {
	f := newFixture(t, 0)
	id := f.register(t, "c1", "log", "")

	r, err := f.o.Resync(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, hooks.AggregateUndefined, r.Classification.AggregateStatus)
	assert.False(t, r.Classification.HasConflict())
}

func TestRemoveHook(t *testing.T) {
	ctx := context.Background()

	t.Run("server", func(t *testing.T) {
		f := newFixture(t, 0)
		id := f.seeded(t, "log", "echo a")
		r, err := f.o.RemoveHook(ctx, id, Server("s1"))
		require.NoError(t, err)
		assert.False(t, r.HookRemoved)
		assert.Equal(t, hooks.StatusRemoved, replicaOf(t, f, id, "s1").Status)
		assert.Nil(t, f.gw.get(id, "s1"))
		assert.True(t, r.Classification.MissingConflict)
		_, err = f.cat.Get(ctx, id)
		assert.NoError(t, err)
	})

	t.Run("all", func(t *testing.T) {
		f := newFixture(t, 0)
		id := f.seeded(t, "log", "echo a")
		r, err := f.o.RemoveHook(ctx, id, All())
		require.NoError(t, err)
		assert.True(t, r.HookRemoved)
		assert.Equal(t, Succeeded, r.Result)
		assert.Equal(t, hooks.AggregateUndefined, r.Classification.AggregateStatus)
		for _, rep := range f.store.Get(id) {
			assert.Equal(t, hooks.StatusRemoved, rep.Status)
		}
		_, err = f.cat.Get(ctx, id)
		assert.True(t, errors.Is(err, hooks.ErrNotFound))
	})

	t.Run("partial", func(t *testing.T) {
		f := newFixture(t, 0)
		id := f.seeded(t, "log", "echo a")
		f.gw.setFail("s2", gateway.Unreachable)
		r, err := f.o.RemoveHook(ctx, id, All())
		require.NoError(t, err)
		assert.False(t, r.HookRemoved)
		assert.Equal(t, Partial, r.Result)
		assert.Equal(t, hooks.StatusUnknown, replicaOf(t, f, id, "s2").Status)
		_, err = f.cat.Get(ctx, id)
		assert.NoError(t, err)
	})

	t.Run("empty cluster", func(t *testing.T) {
		f := newFixture(t, 0)
		id := f.register(t, "c0", "log", "")
		r, err := f.o.RemoveHook(ctx, id, All())
		require.NoError(t, err)
		assert.Equal(t, NoOp, r.Result)
		assert.True(t, r.HookRemoved)
	})
}

func TestRemoveAllExceptOneLeavesKeptHookAlone(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.gw.delay = time.Millisecond
	keep := f.seeded(t, "keep", "v0")
	var others []string
	for i := 0; i < 4; i++ {
		others = append(others, f.seeded(t, fmt.Sprintf("dup%d", i), "echo dup"))
	}

	const updates = 10
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= updates; i++ {
			_, err := f.o.UpdateContent(ctx, keep, []byte(fmt.Sprintf("v%d", i)), All())
			assert.NoError(t, err)
		}
	}()
	reports, err := f.o.RemoveAllExceptOne(ctx, append([]string{keep}, others...), keep)
	wg.Wait()

	require.NoError(t, err)
	require.Len(t, reports, len(others))
	for i, r := range reports {
		assert.Equal(t, others[i], r.HookID)
		assert.True(t, r.HookRemoved)
		_, err := f.cat.Get(ctx, others[i])
		assert.True(t, errors.Is(err, hooks.ErrNotFound))
		for _, s := range []string{"s1", "s2", "s3"} {
			assert.Nil(t, f.gw.get(others[i], s))
		}
	}

	h, err := f.cat.Get(ctx, keep)
	require.NoError(t, err)
	assert.False(t, h.Classification.HasConflict())
	want := hooks.Digest([]byte(fmt.Sprintf("v%d", updates)))
	assert.Equal(t, want, h.Checksum)
	require.Len(t, h.Replicas, 3)
	for _, r := range h.Replicas {
		assert.Equal(t, hooks.StatusEnabled, r.Status)
		assert.Equal(t, want, r.Checksum)
	}
}

func TestRemoveAllExceptOneCollectsErrors(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	a := f.seeded(t, "a", "echo a")
	b := f.seeded(t, "b", "echo b")

	reports, err := f.o.RemoveAllExceptOne(ctx, []string{"nope", a, a}, b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hooks.ErrNotFound))
	require.Len(t, reports, 1)
	assert.Equal(t, a, reports[0].HookID)
	assert.True(t, reports[0].HookRemoved)
}

func TestConcurrentSetEnabledIsSerialized(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.gw.delay = time.Millisecond
	id := f.seeded(t, "log", "echo a")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(enabled bool) {
			defer wg.Done()
			_, err := f.o.SetEnabled(ctx, id, enabled, All())
			assert.NoError(t, err)
		}(i%2 == 0)
	}
	wg.Wait()

	f.gw.mtx.Lock()
	overlap := f.gw.overlap
	f.gw.mtx.Unlock()
	assert.False(t, overlap, "enable and disable of the same hook were in flight at the same time")

	h, err := f.cat.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, h.Classification.StatusConflict)
	for _, r := range h.Replicas {
		assert.Equal(t, f.gw.get(id, r.ServerID).status, r.Status)
	}
}

func TestLockTimeout(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seeded(t, "log", "echo a")

	release, err := f.o.locks.Acquire(context.Background(), id)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.o.SetEnabled(ctx, id, true, All())
	assert.True(t, errors.Is(err, hooks.ErrLockTimeout))
}

func TestOperationsOnDifferentHooksDoNotBlock(t *testing.T) {
	f := newFixture(t, 0)
	a := f.seeded(t, "a", "echo a")
	b := f.seeded(t, "b", "echo b")

	release, err := f.o.locks.Acquire(context.Background(), a)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.o.SetEnabled(ctx, b, false, All())
	assert.NoError(t, err)
}

func TestFetchContent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.seeded(t, "log", "echo a")
	f.gw.seed(id, "s2", hooks.StatusEnabled, "echo b")
	f.gw.setFail("s1", gateway.Unreachable)

	content, r, err := f.o.FetchContent(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("echo b"), content)
	assert.Equal(t, []string{"s1", "s2"}, r.ServerIDs())
	assert.Equal(t, Partial, r.Result)
	assert.Equal(t, hooks.StatusUnknown, replicaOf(t, f, id, "s1").Status)
	// the observed content is authoritative
	s2 := replicaOf(t, f, id, "s2")
	assert.Equal(t, []byte("echo b"), s2.Content)
	assert.Equal(t, hooks.Digest([]byte("echo b")), s2.Checksum)
	assert.True(t, r.Classification.ContentConflict)

	content, _, err = f.o.FetchContent(ctx, id, "s3")
	require.NoError(t, err)
	assert.Equal(t, []byte("echo a"), content)

	f.gw.setFail("s2", gateway.Timeout)
	f.gw.setFail("s3", gateway.Rejected)
	content, r, err = f.o.FetchContent(ctx, id, "")
	assert.Nil(t, content)
	assert.True(t, errors.Is(err, hooks.ErrAllServersFailed))
	require.NotNil(t, r)
	assert.Equal(t, Failed, r.Result)
}

func TestFetchContentEmptyCluster(t *testing.T) {
	f := newFixture(t, 0)
	id := f.register(t, "c0", "log", "")
	_, _, err := f.o.FetchContent(context.Background(), id, "")
	assert.True(t, errors.Is(err, hooks.ErrAllServersFailed))
}

func TestResyncAll(t *testing.T) {
	f := newFixture(t, 0)
	a := f.register(t, "c1", "a", "")
	b := f.register(t, "c1", "b", "")
	f.gw.seed(b, "s1", hooks.StatusEnabled, "echo b")

	reports, err := f.o.ResyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	ids := []string{reports[0].HookID, reports[1].HookID}
	assert.ElementsMatch(t, []string{a, b}, ids)
	for _, r := range reports {
		if r.HookID == b {
			assert.True(t, r.Classification.MissingConflict)
		}
	}
}

func TestPurge(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.seeded(t, "log", "echo a")
	calls := f.gw.callsTo(id)

	require.NoError(t, f.o.Purge(ctx, id))
	assert.Equal(t, calls, f.gw.callsTo(id))
	_, err := f.cat.Get(ctx, id)
	assert.True(t, errors.Is(err, hooks.ErrNotFound))
	for _, r := range f.store.Get(id) {
		assert.Equal(t, hooks.StatusRemoved, r.Status)
	}
	// servers keep their copies
	assert.NotNil(t, f.gw.get(id, "s1"))
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seeded(t, "log", "echo a")
	f.gw.setFail("s1", gateway.Rejected)

	_, err := f.o.SetEnabled(context.Background(), id, true, All())
	require.NoError(t, err)
	_, err = f.o.SetEnabled(context.Background(), id, true, Server("s9"))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.o.metrics.ops.WithLabelValues("resync", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.o.metrics.ops.WithLabelValues("enable", "partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.o.metrics.ops.WithLabelValues("enable", "error")))
}

func TestReportString(t *testing.T) {
	r := &Report{
		HookID: "h1",
		Op:     OpRemove,
		Scope:  All(),
		Servers: []ServerReport{
			{ServerID: "s1", OK: true},
			{ServerID: "s2", OK: true},
		},
		HookRemoved: true,
	}
	r.computeResult()
	assert.Equal(t, "remove h1 (all): succeeded, 2/2 servers ok, hook removed", r.String())
	assert.Equal(t, "server:s2", Server("s2").String())
}
