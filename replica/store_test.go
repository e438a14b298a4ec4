package replica

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooksync/hooksync/hooks"
)

type recordingJournal struct {
	mtx     sync.Mutex
	batches [][]hooks.Replica
	fail    error
}

func (j *recordingJournal) SaveReplicas(rs []hooks.Replica) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	if j.fail != nil {
		return j.fail
	}
	j.batches = append(j.batches, append([]hooks.Replica(nil), rs...))
	return nil
}

func newTestStore(j Journal) *Store {
	s := New(j)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mtx sync.Mutex
	s.now = func() time.Time {
		mtx.Lock()
		defer mtx.Unlock()
		t0 = t0.Add(time.Second)
		return t0
	}
	return s
}

var (
	sumA = hooks.Digest([]byte("echo a"))
	sumB = hooks.Digest([]byte("echo b"))
)

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(nil)
	require.NoError(t, s.Upsert("h1", "s2", hooks.StatusEnabled, sumA))
	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusDisabled, sumA))
	require.NoError(t, s.Upsert("h1", "s3", hooks.StatusUnknown, sumB))

	rs := s.Get("h1")
	require.Len(t, rs, 3)
	assert.Equal(t, []string{"s1", "s2", "s3"}, []string{rs[0].ServerID, rs[1].ServerID, rs[2].ServerID})
	assert.Equal(t, hooks.StatusDisabled, rs[0].Status)
	assert.Equal(t, hooks.Checksum(""), rs[2].Checksum, "checksum only kept for replicas with a copy")

	assert.Empty(t, s.Get("unknown"))
}

func TestUpsertLatestWriteWins(t *testing.T) {
	s := newTestStore(nil)
	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusEnabled, sumA))
	first := s.Get("h1")[0]
	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusDisabled, sumB))
	rs := s.Get("h1")
	require.Len(t, rs, 1)
	assert.Equal(t, hooks.StatusDisabled, rs[0].Status)
	assert.Equal(t, sumB, rs[0].Checksum)
	assert.True(t, rs[0].UpdatedAt.After(first.UpdatedAt))
}

func TestUpsertCopyRequiresChecksum(t *testing.T) {
	j := &recordingJournal{}
	s := newTestStore(j)
	for _, st := range []hooks.Status{hooks.StatusEnabled, hooks.StatusDisabled} {
		assert.Error(t, s.Upsert("h1", "s1", st, ""))
		assert.Error(t, s.Upsert("h1", "s1", st, "abc"))
	}
	assert.Empty(t, s.Get("h1"))
	assert.Empty(t, j.batches)

	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusMissing, ""))
	require.NoError(t, s.Upsert("h1", "s2", hooks.StatusUnknown, ""))
	assert.Len(t, s.Get("h1"), 2)
}

func TestSetContent(t *testing.T) {
	s := newTestStore(nil)

	err := s.SetContent("h1", "s1", []byte("echo a"))
	assert.True(t, errors.Is(err, hooks.ErrNotFound))

	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusEnabled, sumA))
	require.NoError(t, s.SetContent("h1", "s1", []byte("echo a")))
	r := s.Get("h1")[0]
	assert.Equal(t, []byte("echo a"), r.Content)
	assert.Equal(t, sumA, r.Checksum)

	// a status change with the same checksum keeps the cache
	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusDisabled, sumA))
	assert.Equal(t, []byte("echo a"), s.Get("h1")[0].Content)

	// observed content wins over the recorded checksum
	require.NoError(t, s.SetContent("h1", "s1", []byte("echo b")))
	r = s.Get("h1")[0]
	assert.Equal(t, sumB, r.Checksum)
	assert.Equal(t, hooks.StatusDisabled, r.Status)

	// a new checksum invalidates the cache
	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusDisabled, sumA))
	assert.Nil(t, s.Get("h1")[0].Content)
}

func TestGetReturnsCopies(t *testing.T) {
	s := newTestStore(nil)
	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusEnabled, sumA))
	require.NoError(t, s.SetContent("h1", "s1", []byte("echo a")))
	rs := s.Get("h1")
	rs[0].Content[0] = 'X'
	rs[0].Status = hooks.StatusMissing
	r := s.Get("h1")[0]
	assert.Equal(t, []byte("echo a"), r.Content)
	assert.Equal(t, hooks.StatusEnabled, r.Status)
}

func TestRemove(t *testing.T) {
	s := newTestStore(nil)
	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusEnabled, sumA))
	require.NoError(t, s.Remove("h1", "s1"))
	rs := s.Get("h1")
	require.Len(t, rs, 1)
	assert.Equal(t, hooks.StatusRemoved, rs[0].Status)
	assert.Empty(t, rs[0].Checksum)
}

func TestRemoveAllExcept(t *testing.T) {
	j := &recordingJournal{}
	s := newTestStore(j)
	for _, h := range []string{"h1", "h2", "h3"} {
		for _, srv := range []string{"s1", "s2"} {
			require.NoError(t, s.Upsert(h, srv, hooks.StatusEnabled, sumA))
		}
	}
	j.batches = nil

	require.NoError(t, s.RemoveAllExcept([]string{"h1", "h2", "h3"}, "h2"))

	for _, h := range []string{"h1", "h3"} {
		for _, r := range s.Get(h) {
			assert.Equal(t, hooks.StatusRemoved, r.Status, "%s/%s", h, r.ServerID)
		}
	}
	for _, r := range s.Get("h2") {
		assert.Equal(t, hooks.StatusEnabled, r.Status)
	}
	require.Len(t, j.batches, 1, "bulk removal is journaled as one batch")
	assert.Len(t, j.batches[0], 4)
}

func TestRemoveAllSkipsTombstones(t *testing.T) {
	j := &recordingJournal{}
	s := newTestStore(j)
	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusEnabled, sumA))
	require.NoError(t, s.Remove("h1", "s1"))
	j.batches = nil
	require.NoError(t, s.RemoveAll([]string{"h1", "nope"}))
	assert.Empty(t, j.batches)
}

func TestJournalFailureLeavesStoreUnchanged(t *testing.T) {
	j := &recordingJournal{}
	s := newTestStore(j)
	require.NoError(t, s.Upsert("h1", "s1", hooks.StatusEnabled, sumA))

	j.fail = errors.New("disk full")
	err := s.Upsert("h1", "s1", hooks.StatusDisabled, sumA)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, hooks.StatusEnabled, s.Get("h1")[0].Status)
}

func TestLoad(t *testing.T) {
	s := newTestStore(nil)
	require.NoError(t, s.Upsert("old", "s1", hooks.StatusEnabled, sumA))

	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s.Load([]hooks.Replica{
		{HookID: "h1", ServerID: "s1", Status: hooks.StatusEnabled, Checksum: sumA, UpdatedAt: t0.Add(time.Minute)},
		{HookID: "h1", ServerID: "s1", Status: hooks.StatusDisabled, Checksum: sumA, UpdatedAt: t0},
		{HookID: "h1", ServerID: "s2", Status: hooks.StatusMissing, UpdatedAt: t0},
	})
	assert.Empty(t, s.Get("old"))
	rs := s.Get("h1")
	require.Len(t, rs, 2)
	assert.Equal(t, hooks.StatusEnabled, rs[0].Status)
}

func TestConcurrentUpserts(t *testing.T) {
	j := &recordingJournal{}
	s := newTestStore(j)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := hooks.StatusFromEnabled(i%2 == 0)
			assert.NoError(t, s.Upsert("h1", "s1", st, sumA))
			_ = s.Get("h1")
		}(i)
	}
	wg.Wait()

	// the journal saw the same final state as memory
	last := j.batches[len(j.batches)-1][0]
	assert.Equal(t, last.Status, s.Get("h1")[0].Status)
	assert.Len(t, j.batches, 50)
}
