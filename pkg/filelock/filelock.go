// Package filelock serializes writers on a per-path basis.
//
// A Registry hands out one mutex per normalized path. Writers targeting
// the same file take turns; writers targeting distinct files never
// contend. Locks live for the registry's lifetime, bounded by the number
// of distinct paths a run touches.
package filelock

import (
	"path/filepath"
	"sync"
)

// Registry maps normalized file paths to their locks.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Handle is a held path lock. Release returns it; releasing twice is a
// no-op.
type Handle struct {
	path    string
	lock    *sync.Mutex
	release sync.Once
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		locks: make(map[string]*sync.Mutex),
	}
}

// Acquire blocks until the lock for path is held and returns a scoped
// handle. Callers release with defer so the lock is returned on every
// exit path.
func (r *Registry) Acquire(path string) *Handle {
	key := Normalize(path)

	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return &Handle{path: key, lock: lock}
}

// WithLock runs fn while holding the lock for path.
func (r *Registry) WithLock(path string, fn func() error) error {
	handle := r.Acquire(path)
	defer handle.Release()
	return fn()
}

// Len returns the number of distinct paths the registry has seen.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Release returns the lock. Safe to call more than once.
func (h *Handle) Release() {
	h.release.Do(func() {
		h.lock.Unlock()
	})
}

// Path returns the normalized path the handle guards.
func (h *Handle) Path() string {
	return h.path
}

// Normalize maps path spellings to one registry key. Relative paths are
// resolved against the working directory so "out.csv" and "./out.csv"
// share a lock.
func Normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
