package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/latch"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

func newCluster(t *testing.T) (*Coordinator, *Coordinator, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := syncbus.NewInMemoryBus()

	a, err := New(latch.NewRegistry(), bus, WithRedis(client))
	if err != nil {
		t.Fatalf("new coordinator a: %v", err)
	}
	b, err := New(latch.NewRegistry(), bus, WithRedis(client))
	if err != nil {
		t.Fatalf("new coordinator b: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return a, b, context.Background()
}

func TestCrossNodeMutualExclusion(t *testing.T) {
	a, b, ctx := newCluster(t)

	g, err := a.Acquire(ctx, "r1", 0)
	if err != nil {
		t.Fatalf("acquire on a: %v", err)
	}
	if _, ok, err := b.TryAcquire(ctx, "r1", 0); err != nil || ok {
		t.Fatalf("expected global claim held, ok=%v err=%v", ok, err)
	}
	if err := g.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	g2, ok, err := b.TryAcquire(ctx, "r1", 0)
	if err != nil || !ok {
		t.Fatalf("expected claim after release, ok=%v err=%v", ok, err)
	}
	_ = g2.Release(ctx)
}

func TestRemoteWaiterWakesOnRelease(t *testing.T) {
	a, b, ctx := newCluster(t)

	g, err := a.Acquire(ctx, "r1", 0)
	if err != nil {
		t.Fatalf("acquire on a: %v", err)
	}

	granted := make(chan *Grant, 1)
	errs := make(chan error, 1)
	go func() {
		gb, err := b.Acquire(ctx, "r1", 0)
		if err != nil {
			errs <- err
			return
		}
		granted <- gb
	}()

	time.Sleep(50 * time.Millisecond)
	if err := g.Release(ctx); err != nil {
		t.Fatalf("release on a: %v", err)
	}

	select {
	case gb := <-granted:
		_ = gb.Release(ctx)
	case err := <-errs:
		t.Fatalf("acquire on b: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("remote waiter not woken by unlock event")
	}
}

func TestAcquireContextCancelWhileClaiming(t *testing.T) {
	a, b, ctx := newCluster(t)

	g, err := a.Acquire(ctx, "r1", 0)
	if err != nil {
		t.Fatalf("acquire on a: %v", err)
	}
	defer func() { _ = g.Release(context.Background()) }()

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(cctx, "r1", 0); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLocalOnlyCoordinator(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	c, err := New(latch.NewRegistry(), bus)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx := context.Background()

	unlockCh, err := bus.Subscribe(ctx, syncbus.UnlockTopic("r1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	g, err := c.Acquire(ctx, "r1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case <-unlockCh:
	case <-time.After(2 * time.Second):
		t.Fatal("idle transition not announced on bus")
	}
}
