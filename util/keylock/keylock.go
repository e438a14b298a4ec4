// Package keylock provides mutual exclusion keyed by string.
//
// Holders of different keys never block each other. Waiters for the same key
// are served one at a time. Idle keys are dropped from the table.
package keylock

import (
	"context"

	"github.com/hooksync/hooksync/util/chainlock"
	"github.com/hooksync/hooksync/util/semaphore"
)

type Map struct {
	l    *chainlock.L
	keys map[string]*entry
}

type entry struct {
	sem  *semaphore.S
	refs int
}

func New() *Map {
	return &Map{
		l:    chainlock.New(),
		keys: make(map[string]*entry),
	}
}

// Acquire blocks until the lock for key is held or ctx is done.
// There is no timeout other than the one carried by ctx.
// The returned release func must be called exactly once.
func (m *Map) Acquire(ctx context.Context, key string) (release func(), err error) {
	e := m.ref(key)
	guard, err := e.sem.Acquire(ctx)
	if err != nil {
		m.unref(key, e)
		return nil, err
	}
	return func() {
		guard.Release()
		m.unref(key, e)
	}, nil
}

// TryAcquire returns ok=false without blocking if key is held.
func (m *Map) TryAcquire(key string) (release func(), ok bool) {
	e := m.ref(key)
	guard := e.sem.TryAcquire()
	if guard == nil {
		m.unref(key, e)
		return nil, false
	}
	return func() {
		guard.Release()
		m.unref(key, e)
	}, true
}

// Len reports the number of keys that are currently held or waited for.
func (m *Map) Len() int {
	defer m.l.Lock().Unlock()
	return len(m.keys)
}

func (m *Map) ref(key string) *entry {
	defer m.l.Lock().Unlock()
	e, ok := m.keys[key]
	if !ok {
		e = &entry{sem: semaphore.New(1)}
		m.keys[key] = e
	}
	e.refs++
	return e
}

func (m *Map) unref(key string, e *entry) {
	defer m.l.Lock().Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}
