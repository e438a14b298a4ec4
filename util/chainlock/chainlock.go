// Package chainlock implements a mutex whose Lock and Unlock
// methods return the lock itself, to enable chaining.
//
// Intended Usage
//
//	defer s.l.Lock().Unlock()
//	// drop lock while blocking on something else
//	s.l.DropWhile(func() {
//		<-done
//	})
package chainlock

import "sync"

type L struct {
	mtx sync.Mutex
}

func New() *L {
	return &L{}
}

func (l *L) Lock() *L {
	l.mtx.Lock()
	return l
}

func (l *L) Unlock() *L {
	l.mtx.Unlock()
	return l
}

// DropWhile releases l for the duration of f.
// The caller must hold l.
func (l *L) DropWhile(f func()) {
	defer l.Unlock().Lock()
	f()
}

// HoldWhile holds l for the duration of f.
func (l *L) HoldWhile(f func()) {
	defer l.Lock().Unlock()
	f()
}
