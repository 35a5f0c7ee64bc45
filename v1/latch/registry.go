package latch

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps resource ids to their Lock instances. Locks are created on
// first Resolve and removed the moment they become fully idle, so a later
// Resolve for the same id yields a fresh instance with ticket counters reset
// to zero.
type Registry struct {
	sched Scheduler
	log   zerolog.Logger
	obs   Observer

	mu    sync.Mutex
	locks map[string]*Lock
}

// Option configures a Registry.
type Option func(*Registry)

// WithScheduler overrides the timer scheduler used for hold timeouts.
func WithScheduler(s Scheduler) Option {
	return func(r *Registry) { r.sched = s }
}

// WithLogger sets the logger used for forced expiries and stall diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithObserver attaches an observer notified of every lock transition.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.obs = o }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sched: realScheduler{},
		log:   zerolog.Nop(),
		locks: make(map[string]*Lock),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the lock for id, creating it on first use.
func (r *Registry) Resolve(id string) *Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[id]; ok {
		return l
	}
	l := &Lock{id: id, reg: r}
	r.locks[id] = l
	return l
}

// Len reports the number of locks currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// LockInfo is a point-in-time view of one tracked lock.
type LockInfo struct {
	ID      string `json:"id"`
	Held    bool   `json:"held"`
	Waiters int    `json:"waiters"`
	Current uint64 `json:"current"`
	Next    uint64 `json:"next"`
}

// Snapshot returns the state of every tracked lock. Entries that go idle
// between the map copy and the per-lock read are skipped.
func (r *Registry) Snapshot() []LockInfo {
	r.mu.Lock()
	locks := make([]*Lock, 0, len(r.locks))
	for _, l := range r.locks {
		locks = append(locks, l)
	}
	r.mu.Unlock()

	infos := make([]LockInfo, 0, len(locks))
	for _, l := range locks {
		l.mu.Lock()
		if !l.dropped {
			infos = append(infos, LockInfo{
				ID:      l.id,
				Held:    l.held,
				Waiters: len(l.queue),
				Current: l.cur,
				Next:    l.next,
			})
		}
		l.mu.Unlock()
	}
	return infos
}

// drop removes l from the registry. Called by the lock itself on its idle
// transition; calling it for an already-removed entry is a no-op.
func (r *Registry) drop(l *Lock) {
	r.mu.Lock()
	if cur, ok := r.locks[l.id]; ok && cur == l {
		delete(r.locks, l.id)
	}
	r.mu.Unlock()
}

func (r *Registry) observe(e Event) {
	if r.obs != nil {
		r.obs.ObserveLock(e)
	}
}
