package latch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotHeld is returned when a handle is released although its ticket is no
// longer current, e.g. after a forced expiry or a double release.
var ErrNotHeld = errors.New("latch: lock not held by this handle")

// Lock serializes access to a single resource id. Tickets are issued in
// arrival order and granted strictly FIFO; ticket numbers are unique within
// the lifetime of one Lock instance and reset when the registry forgets it.
type Lock struct {
	id  string
	reg *Registry

	// All fields below are guarded by mu. No blocking call is made while mu
	// is held; queued acquisitions suspend on their waiter channel outside
	// the critical section.
	mu      sync.Mutex
	cur     uint64 // ticket currently in service
	next    uint64 // next ticket to hand out
	held    bool
	queue   []*waiter
	timer   Timer
	dropped bool

	onLocalUnlock func()
}

type waiter struct {
	ticket    uint64
	granted   chan *Handle // buffered, receives exactly one handle
	hold      time.Duration
	abandoned bool
}

// Handle represents a granted acquisition. It is valid until released,
// forcibly expired, or the lock is handed to the next waiter.
type Handle struct {
	lock   *Lock
	ticket uint64
}

// AcquireOption configures a single acquisition.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	hold time.Duration
}

// WithHoldTimeout bounds how long the caller may hold the lock once granted.
// The timeout does not apply while queued. Zero means unbounded.
func WithHoldTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.hold = d }
}

// ID returns the resource id this lock serializes.
func (l *Lock) ID() string { return l.id }

// SetOnLocalUnlock attaches the callback invoked whenever the lock becomes
// fully idle (no holder, no waiters). It is invoked synchronously with the
// lock's mutex held and must return without blocking or re-entering the lock.
func (l *Lock) SetOnLocalUnlock(fn func()) {
	for {
		l.mu.Lock()
		if l.dropped {
			l.mu.Unlock()
			l = l.reg.Resolve(l.id)
			continue
		}
		l.onLocalUnlock = fn
		l.mu.Unlock()
		return
	}
}

// Acquire blocks until the caller becomes the holder or ctx is cancelled.
// If the lock is idle it is granted immediately; otherwise the caller is
// queued FIFO behind the current holder. Cancelling ctx abandons the wait
// without disturbing the ticket order of the remaining waiters.
func (l *Lock) Acquire(ctx context.Context, opts ...AcquireOption) (*Handle, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	for {
		h, w, ok := l.enter(o)
		if !ok {
			l = l.reg.Resolve(l.id)
			continue
		}
		if h != nil {
			return h, nil
		}
		select {
		case h := <-w.granted:
			return h, nil
		case <-ctx.Done():
			if h := l.abandon(w); h != nil {
				// Granted concurrently with cancellation; give it back so
				// the queue keeps moving.
				_ = h.Release()
			}
			return nil, ctx.Err()
		}
	}
}

// TryAcquire grants the lock if it is idle and reports failure otherwise.
// A failed attempt consumes no ticket and leaves the queue untouched.
func (l *Lock) TryAcquire(opts ...AcquireOption) (*Handle, bool) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	for {
		l.mu.Lock()
		if l.dropped {
			l.mu.Unlock()
			l = l.reg.Resolve(l.id)
			continue
		}
		if l.held {
			l.mu.Unlock()
			return nil, false
		}
		h := l.grantIdleLocked(o.hold)
		l.mu.Unlock()
		return h, true
	}
}

// Release relinquishes the handle's ticket, handing the lock to the next
// queued waiter or letting it go idle. It returns ErrNotHeld when the handle
// no longer owns the current ticket.
func (h *Handle) Release() error {
	l := h.lock
	l.mu.Lock()
	if l.dropped || !l.held || h.ticket != l.cur {
		l.mu.Unlock()
		return ErrNotHeld
	}
	l.reg.observe(Event{ID: l.id, Kind: EventReleased, Ticket: l.cur, Waiters: len(l.queue)})
	l.releaseLocked()
	l.mu.Unlock()
	return nil
}

// enter performs the grant-or-enqueue step under the lock's mutex. It returns
// ok=false when the instance has been dropped and the caller must re-resolve.
func (l *Lock) enter(o acquireOptions) (*Handle, *waiter, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropped {
		return nil, nil, false
	}
	if !l.held {
		return l.grantIdleLocked(o.hold), nil, true
	}
	l.next++
	w := &waiter{ticket: l.next, granted: make(chan *Handle, 1), hold: o.hold}
	l.queue = append(l.queue, w)
	l.reg.observe(Event{ID: l.id, Kind: EventQueued, Ticket: w.ticket, Waiters: len(l.queue)})
	return nil, w, true
}

// grantIdleLocked grants an idle lock to the caller. mu must be held.
func (l *Lock) grantIdleLocked(hold time.Duration) *Handle {
	l.held = true
	l.next++
	h := l.armLocked(hold)
	l.reg.observe(Event{ID: l.id, Kind: EventAcquired, Ticket: h.ticket})
	return h
}

// armLocked builds the holder handle bound to the current ticket and starts
// its hold-timeout timer if one was requested. mu must be held.
func (l *Lock) armLocked(hold time.Duration) *Handle {
	bound := l.cur
	if hold > 0 {
		l.timer = l.reg.sched.AfterFunc(hold, func() { l.onTimeout(bound) })
	}
	return &Handle{lock: l, ticket: bound}
}

// releaseLocked retires the current ticket and either hands off to the next
// aligned waiter or transitions to idle. mu must be held.
func (l *Lock) releaseLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.cur++
	for {
		if len(l.queue) == 0 {
			l.held = false
			l.reg.observe(Event{ID: l.id, Kind: EventIdle})
			if l.onLocalUnlock != nil {
				l.onLocalUnlock()
			}
			l.dropped = true
			l.reg.drop(l)
			return
		}
		front := l.queue[0]
		if l.cur+1 != front.ticket {
			// Ticket misalignment: the queue stalls until a later release or
			// a hold timeout restores progress. The sync layer is still told
			// the current ticket retired.
			l.reg.log.Debug().Str("id", l.id).Uint64("current", l.cur).
				Uint64("front", front.ticket).Msg("hand-off ticket mismatch, queue stalled")
			if l.onLocalUnlock != nil {
				l.onLocalUnlock()
			}
			return
		}
		l.queue[0] = nil
		l.queue = l.queue[1:]
		if front.abandoned {
			// The waiter gave up while queued; retire its slot so the ticket
			// sequence stays contiguous.
			l.cur++
			continue
		}
		h := l.armLocked(front.hold)
		l.reg.observe(Event{ID: l.id, Kind: EventHandoff, Ticket: h.ticket, Waiters: len(l.queue)})
		front.granted <- h
		return
	}
}

// abandon removes w from the wait queue after ctx cancellation. If the grant
// already happened it returns the handle so the caller can release it.
func (l *Lock) abandon(w *waiter) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, q := range l.queue {
		if q == w {
			w.abandoned = true
			l.reg.observe(Event{ID: l.id, Kind: EventAbandoned, Ticket: w.ticket, Waiters: len(l.queue)})
			return nil
		}
	}
	select {
	case h := <-w.granted:
		return h
	default:
		return nil
	}
}

// onTimeout fires when the hold timer bound to ticket expires. Stale timers,
// whose ticket no longer matches the one in service, are ignored; this makes
// timer cancellation advisory and removes the race between a concurrent
// release and the timer callback.
func (l *Lock) onTimeout(bound uint64) {
	l.mu.Lock()
	if l.dropped || !l.held || bound != l.cur {
		l.mu.Unlock()
		return
	}
	l.reg.log.Debug().Str("id", l.id).Uint64("ticket", bound).
		Msg("hold timeout expired, forcing release")
	l.reg.observe(Event{ID: l.id, Kind: EventExpired, Ticket: bound, Waiters: len(l.queue)})
	l.timer = nil
	l.releaseLocked()
	l.mu.Unlock()
}
