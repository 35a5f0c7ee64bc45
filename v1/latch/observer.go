package latch

// EventKind identifies a lock state transition.
type EventKind int

const (
	// EventAcquired fires when an idle lock is granted immediately.
	EventAcquired EventKind = iota
	// EventQueued fires when an acquisition is suspended behind the holder.
	EventQueued
	// EventHandoff fires when a queued waiter becomes the holder.
	EventHandoff
	// EventReleased fires when the holder relinquishes its ticket.
	EventReleased
	// EventExpired fires when a hold timeout forces a release.
	EventExpired
	// EventIdle fires when a lock has no holder and no waiters and is about
	// to be forgotten by its registry.
	EventIdle
	// EventAbandoned fires when a queued waiter gives up before being granted.
	EventAbandoned
)

// String returns the event kind name used in logs and wire payloads.
func (k EventKind) String() string {
	switch k {
	case EventAcquired:
		return "acquired"
	case EventQueued:
		return "queued"
	case EventHandoff:
		return "handoff"
	case EventReleased:
		return "released"
	case EventExpired:
		return "expired"
	case EventIdle:
		return "idle"
	case EventAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Event describes a single lock transition.
type Event struct {
	ID      string
	Kind    EventKind
	Ticket  uint64
	Waiters int
}

// Observer receives lock transitions. Callbacks run synchronously while the
// lock's mutex is held and must not block or call back into the lock.
type Observer interface {
	ObserveLock(Event)
}
