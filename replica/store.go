// Package replica keeps the latest known state of every hook on every server.
package replica

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/hooks"
)

// Journal persists replica mutations.
// Store calls it with its lock held, so replicas reach the journal
// in the same order they were applied in memory.
type Journal interface {
	SaveReplicas(replicas []hooks.Replica) error
}

type Store struct {
	mtx      sync.RWMutex
	replicas map[string]map[string]*hooks.Replica // by hook id, then server id
	journal  Journal
	now      func() time.Time
}

// New returns an empty store. j may be nil.
func New(j Journal) *Store {
	return &Store{
		replicas: make(map[string]map[string]*hooks.Replica),
		journal:  j,
		now:      time.Now,
	}
}

// Load replaces the contents of the store. The journal is not consulted.
func (s *Store) Load(replicas []hooks.Replica) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.replicas = make(map[string]map[string]*hooks.Replica)
	for i := range replicas {
		r := replicas[i]
		byServer := s.byServer(r.HookID)
		if prev, ok := byServer[r.ServerID]; ok && prev.UpdatedAt.After(r.UpdatedAt) {
			continue
		}
		byServer[r.ServerID] = &r
	}
}

// Get returns copies of all replicas of hookID, tombstones and UNKNOWN included,
// ordered by server id.
func (s *Store) Get(hookID string) []hooks.Replica {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	byServer := s.replicas[hookID]
	ret := make([]hooks.Replica, 0, len(byServer))
	for _, r := range byServer {
		c := *r
		if r.Content != nil {
			c.Content = append([]byte{}, r.Content...)
		}
		ret = append(ret, c)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ServerID < ret[j].ServerID })
	return ret
}

// Upsert records the state of hookID on serverID.
// A status that carries a copy requires a valid checksum, other statuses
// drop it. Cached content survives only if it still matches the checksum.
func (s *Store) Upsert(hookID, serverID string, status hooks.Status, checksum hooks.Checksum) error {
	if status.HasCopy() && !checksum.Valid() {
		return errors.Errorf("replica %s of hook %s: status %s requires a checksum, got %q", serverID, hookID, status, checksum)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !status.HasCopy() {
		checksum = ""
	}
	next := hooks.Replica{
		HookID:    hookID,
		ServerID:  serverID,
		Status:    status,
		Checksum:  checksum,
		UpdatedAt: s.now(),
	}
	if prev, ok := s.replicas[hookID][serverID]; ok && status.HasCopy() && prev.Content != nil && prev.Checksum == checksum {
		next.Content = prev.Content
	}
	return s.commit(next)
}

// SetContent caches content fetched from serverID.
// If its digest differs from the recorded checksum, the checksum is updated:
// the observed content is authoritative.
func (s *Store) SetContent(hookID, serverID string, content []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	prev, ok := s.replicas[hookID][serverID]
	if !ok || !prev.Status.HasCopy() {
		return errors.Wrapf(hooks.ErrNotFound, "no copy of hook %s recorded for server %s", hookID, serverID)
	}
	next := *prev
	next.Content = append([]byte{}, content...)
	next.Checksum = hooks.Digest(content)
	if next.Checksum == prev.Checksum && bytes.Equal(next.Content, prev.Content) {
		return nil
	}
	next.UpdatedAt = s.now()
	return s.commit(next)
}

// Remove tombstones the replica of hookID on serverID.
func (s *Store) Remove(hookID, serverID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.commit(s.tombstone(hookID, serverID))
}

// RemoveAll tombstones every replica of every hook in hookIDs.
// Readers observe either none or all of the tombstones.
func (s *Store) RemoveAll(hookIDs []string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.removeAllLocked(hookIDs)
}

// RemoveAllExcept is RemoveAll for hookIDs without keep.
func (s *Store) RemoveAllExcept(hookIDs []string, keep string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	filtered := make([]string, 0, len(hookIDs))
	for _, id := range hookIDs {
		if id != keep {
			filtered = append(filtered, id)
		}
	}
	return s.removeAllLocked(filtered)
}

func (s *Store) removeAllLocked(hookIDs []string) error {
	var batch []hooks.Replica
	for _, hookID := range hookIDs {
		servers := make([]string, 0, len(s.replicas[hookID]))
		for serverID, r := range s.replicas[hookID] {
			if r.Status != hooks.StatusRemoved {
				servers = append(servers, serverID)
			}
		}
		sort.Strings(servers)
		for _, serverID := range servers {
			batch = append(batch, s.tombstone(hookID, serverID))
		}
	}
	return s.commit(batch...)
}

func (s *Store) tombstone(hookID, serverID string) hooks.Replica {
	return hooks.Replica{
		HookID:    hookID,
		ServerID:  serverID,
		Status:    hooks.StatusRemoved,
		UpdatedAt: s.now(),
	}
}

// callers must hold s.mtx
func (s *Store) byServer(hookID string) map[string]*hooks.Replica {
	byServer, ok := s.replicas[hookID]
	if !ok {
		byServer = make(map[string]*hooks.Replica)
		s.replicas[hookID] = byServer
	}
	return byServer
}

// commit journals rs and then applies them. Nothing is applied if the journal fails.
// callers must hold s.mtx
func (s *Store) commit(rs ...hooks.Replica) error {
	if len(rs) == 0 {
		return nil
	}
	if s.journal != nil {
		if err := s.journal.SaveReplicas(rs); err != nil {
			return errors.Wrap(err, "cannot journal replica state")
		}
	}
	for i := range rs {
		r := rs[i]
		s.byServer(r.HookID)[r.ServerID] = &r
	}
	return nil
}
