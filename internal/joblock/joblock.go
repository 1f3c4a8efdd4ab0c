// Package joblock serializes background jobs by name. The datastore supports
// a single writer, so each job category (queue processing, report delivery,
// cleanup) runs under an advisory lock; an attempt that loses the race skips
// its turn instead of blocking.
package joblock

import (
	"context"
	"sync"
)

// Job lock names.
const (
	RegistrationQueue = "registration-queue"
	ReportDelivery    = "report-delivery"
	Cleanup           = "cleanup"
)

// Registry tracks which named locks are held within this process.
type Registry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]struct{})}
}

// TryLock acquires the named lock if it is free. Never blocks.
func (r *Registry) TryLock(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.held[name]; taken {
		return false
	}
	r.held[name] = struct{}{}
	return true
}

// Unlock releases the named lock. Releasing a lock that is not held is a
// no-op so deferred unlocks stay safe on early returns.
func (r *Registry) Unlock(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, name)
}

// RunWithLock runs fn under the named lock. Returns false without running fn
// when another holder has the lock.
func (r *Registry) RunWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	if !r.TryLock(name) {
		return false, nil
	}
	defer r.Unlock(name)
	return true, fn(ctx)
}
