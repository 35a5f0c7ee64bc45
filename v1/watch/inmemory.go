package watch

import (
	"context"
	"strings"
	"sync"
)

// InMemoryBus is an in-memory implementation of WatchBus.
type InMemoryBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish sends data to all watchers of key, including matching prefix
// watchers. Slow watchers miss messages rather than blocking the publisher.
func (b *InMemoryBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	chans := append([]chan []byte(nil), b.subs[key]...)
	for prefix, subs := range b.prefixes {
		if strings.HasPrefix(key, prefix) {
			chans = append(chans, subs...)
		}
	}
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// PublishPrefix sends data to all watchers of keys matching prefix.
func (b *InMemoryBus) PublishPrefix(ctx context.Context, prefix string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	var chans []chan []byte
	for key, subs := range b.subs {
		if strings.HasPrefix(key, prefix) {
			chans = append(chans, subs...)
		}
	}
	for p, subs := range b.prefixes {
		if strings.HasPrefix(p, prefix) || strings.HasPrefix(prefix, p) {
			chans = append(chans, subs...)
		}
	}
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// WatchPrefix subscribes to every key with the given prefix.
func (b *InMemoryBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.prefixes[prefix] = append(b.prefixes[prefix], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.prefixes[prefix] = removeChan(b.prefixes[prefix], ch)
		if len(b.prefixes[prefix]) == 0 {
			delete(b.prefixes, prefix)
		}
		b.mu.Unlock()
	}()
	return ch, nil
}

// Unwatch removes the channel from key watchers.
func (b *InMemoryBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	subs := removeChan(b.subs[key], ch)
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	b.mu.Unlock()
	return nil
}

func removeChan(subs []chan []byte, ch chan []byte) []chan []byte {
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	return subs
}
