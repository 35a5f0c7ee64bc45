// Package watch streams lock state transitions to interested clients. A
// Recorder observes a latch registry, serializes each transition and fans it
// out through a WatchBus; HTTP handlers deliver the stream over SSE or
// WebSocket, and a bounded history keeps the last transition per resource id
// around after the lock itself has been forgotten.
package watch

import "context"

// WatchBus is a simple message bus for streaming serialized lock events.
type WatchBus interface {
	// Publish sends data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// PublishPrefix sends data to all watchers of keys matching prefix.
	PublishPrefix(ctx context.Context, prefix string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// WatchPrefix subscribes to all messages for keys with the given prefix.
	WatchPrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
