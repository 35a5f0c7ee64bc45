package watch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/mirkobrombin/go-latch/v1/latch"
)

// KeyPrefix is the bus key namespace for lock transitions; the full key for
// a resource id is KeyPrefix + id.
const KeyPrefix = "lock/"

// Message is the serialized form of a lock transition.
type Message struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Ticket  uint64    `json:"ticket"`
	Waiters int       `json:"waiters"`
	At      time.Time `json:"at"`
}

// Recorder observes a latch registry and republishes every transition on a
// WatchBus. It also keeps the last transition per resource id in a bounded
// TTL cache so the admin surface can answer "what happened to this id" after
// the registry has forgotten the lock.
type Recorder struct {
	bus     WatchBus
	history *ristretto.Cache
	ttl     time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithHistoryTTL bounds how long the last transition per id is retained.
func WithHistoryTTL(ttl time.Duration) RecorderOption {
	return func(r *Recorder) { r.ttl = ttl }
}

// NewRecorder returns a Recorder publishing to bus.
func NewRecorder(bus WatchBus, opts ...RecorderOption) *Recorder {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	r := &Recorder{bus: bus, history: cache, ttl: time.Hour}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ObserveLock implements latch.Observer. It runs with the lock's mutex held,
// so both the bus publish and the history write are non-blocking.
func (r *Recorder) ObserveLock(e latch.Event) {
	msg := Message{
		ID:      e.ID,
		Kind:    e.Kind.String(),
		Ticket:  e.Ticket,
		Waiters: e.Waiters,
		At:      time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = r.bus.Publish(context.Background(), KeyPrefix+e.ID, data)
	r.history.SetWithTTL(e.ID, msg, 1, r.ttl)
}

// Last returns the most recent recorded transition for id.
func (r *Recorder) Last(id string) (Message, bool) {
	v, ok := r.history.Get(id)
	if !ok {
		return Message{}, false
	}
	msg, ok := v.(Message)
	return msg, ok
}

// Close releases the history cache.
func (r *Recorder) Close() {
	r.history.Close()
}
