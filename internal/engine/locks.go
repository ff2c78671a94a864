package engine

import (
	"context"
	"sort"
	"sync"
)

// ResourceLock is an exclusive lock on a named shared resource. Unlike
// sync.Mutex, acquisition can be abandoned through a context.
type ResourceLock struct {
	name string
	sem  chan struct{}

	mu     sync.Mutex
	holder string
}

func newResourceLock(name string) *ResourceLock {
	return &ResourceLock{name: name, sem: make(chan struct{}, 1)}
}

// Name returns the resource name.
func (l *ResourceLock) Name() string {
	return l.name
}

// TryAcquire takes the lock if it is free.
func (l *ResourceLock) TryAcquire(holder string) bool {
	select {
	case l.sem <- struct{}{}:
		l.setHolder(holder)
		return true
	default:
		return false
	}
}

// Acquire blocks until the lock is taken or ctx is done.
func (l *ResourceLock) Acquire(ctx context.Context, holder string) error {
	select {
	case l.sem <- struct{}{}:
		l.setHolder(holder)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock. Releasing a free lock is a programming error.
func (l *ResourceLock) Release() {
	l.setHolder("")
	select {
	case <-l.sem:
	default:
		panic("engine: release of unlocked resource " + l.name)
	}
}

// Holder returns the key of the session holding the lock, or "".
func (l *ResourceLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

func (l *ResourceLock) setHolder(h string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = h
}

// ResourceInfo describes a named resource and its current holder.
type ResourceInfo struct {
	Name   string `json:"name"`
	Holder string `json:"holder,omitempty"`
}

// MutexRegistry maps resource names to locks shared by all sessions. Locks
// are created on first reference and live as long as the registry.
type MutexRegistry struct {
	mu    sync.Mutex
	locks map[string]*ResourceLock
}

// NewMutexRegistry creates an empty registry.
func NewMutexRegistry() *MutexRegistry {
	return &MutexRegistry{
		locks: make(map[string]*ResourceLock),
	}
}

// Lock returns the lock for name, creating it on first use. Every call with
// the same name returns the same lock.
func (r *MutexRegistry) Lock(name string) *ResourceLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[name]
	if !ok {
		l = newResourceLock(name)
		r.locks[name] = l
	}
	return l
}

// List describes every known resource, sorted by name.
func (r *MutexRegistry) List() []ResourceInfo {
	r.mu.Lock()
	locks := make([]*ResourceLock, 0, len(r.locks))
	for _, l := range r.locks {
		locks = append(locks, l)
	}
	r.mu.Unlock()

	infos := make([]ResourceInfo, 0, len(locks))
	for _, l := range locks {
		infos = append(infos, ResourceInfo{Name: l.name, Holder: l.Holder()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
