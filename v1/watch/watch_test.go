package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-latch/v1/latch"
)

func TestInMemoryBusPublishWatch(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, err := bus.Watch(ctx, "lock/r1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "lock/r1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryBusPrefixWatch(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, err := bus.WatchPrefix(ctx, KeyPrefix)
	if err != nil {
		t.Fatalf("watch prefix: %v", err)
	}
	if err := bus.Publish(ctx, KeyPrefix+"a", []byte("1")); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if err := bus.Publish(ctx, KeyPrefix+"b", []byte("2")); err != nil {
		t.Fatalf("publish b: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("prefix watcher missed message %d", i+1)
		}
	}
}

func TestRecorderPublishesAndRemembers(t *testing.T) {
	bus := NewInMemoryBus()
	rec := NewRecorder(bus)
	defer rec.Close()
	ctx := context.Background()

	ch, err := bus.Watch(ctx, KeyPrefix+"r1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	r := latch.NewRegistry(latch.WithObserver(rec))
	h, err := r.Resolve("r1").Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	select {
	case data := <-ch:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.ID != "r1" || msg.Kind != "acquired" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("transition not published")
	}

	_ = h.Release()

	// History outlives the registry entry.
	deadline := time.Now().Add(time.Second)
	for {
		if msg, ok := rec.Last("r1"); ok && msg.Kind == "idle" {
			break
		}
		if time.Now().After(deadline) {
			msg, ok := rec.Last("r1")
			t.Fatalf("history = %+v ok=%v, want idle", msg, ok)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEHandlerStreams(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?id=r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = bus.Publish(context.Background(), KeyPrefix+"r1", []byte(`{"id":"r1"}`))
			case <-stop:
				return
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("unexpected line %q", line)
	}
}
