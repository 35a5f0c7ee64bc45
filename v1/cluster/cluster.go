// Package cluster attaches a best-effort distributed layer to a local latch
// registry. Idle transitions are announced on a syncbus so other nodes can
// retry, and an optional Redis token lock serializes holders across
// processes. This is propagation, not consensus: without the Redis claim the
// bus only shortens retry latency.
package cluster

import (
	"context"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/latch"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/cluster")

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

const globalKeyPrefix = "latch:holder:"

// Coordinator bridges a local registry with other processes through a bus
// and an optional shared Redis claim per resource id.
type Coordinator struct {
	reg    *latch.Registry
	bus    syncbus.Bus
	client *redis.Client
	node   string
	log    zerolog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRedis enables the shared Redis claim that makes mutual exclusion hold
// across processes.
func WithRedis(client *redis.Client) Option {
	return func(c *Coordinator) { c.client = client }
}

// WithLogger sets the coordinator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New returns a Coordinator for reg publishing on bus.
func New(reg *latch.Registry, bus syncbus.Bus, opts ...Option) (*Coordinator, error) {
	node, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		reg:    reg,
		bus:    bus,
		node:   node,
		log:    zerolog.Nop(),
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Node returns the coordinator's node identity.
func (c *Coordinator) Node() string { return c.node }

// Grant pairs a local holder handle with its global claim.
type Grant struct {
	c      *Coordinator
	id     string
	handle *latch.Handle
}

// Acquire takes the local lock for id, then the global claim when Redis is
// configured. hold bounds the local hold time and, when positive, expires the
// global claim as well so a crashed holder cannot wedge the cluster.
func (c *Coordinator) Acquire(ctx context.Context, id string, hold time.Duration) (*Grant, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Acquire",
		trace.WithAttributes(attribute.String("latch.resource", id)))
	defer span.End()

	l := c.reg.Resolve(id)
	l.SetOnLocalUnlock(c.unlockNotifier(id))

	var opts []latch.AcquireOption
	if hold > 0 {
		opts = append(opts, latch.WithHoldTimeout(hold))
	}
	h, err := l.Acquire(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if c.client != nil {
		if err := c.claimGlobal(ctx, id, hold); err != nil {
			_ = h.Release()
			return nil, err
		}
	}
	_ = c.bus.Publish(ctx, syncbus.LockTopic(id))
	return &Grant{c: c, id: id, handle: h}, nil
}

// TryAcquire attempts both the local and the global claim without waiting.
func (c *Coordinator) TryAcquire(ctx context.Context, id string, hold time.Duration) (*Grant, bool, error) {
	l := c.reg.Resolve(id)
	l.SetOnLocalUnlock(c.unlockNotifier(id))

	var opts []latch.AcquireOption
	if hold > 0 {
		opts = append(opts, latch.WithHoldTimeout(hold))
	}
	h, ok := l.TryAcquire(opts...)
	if !ok {
		return nil, false, nil
	}
	if c.client != nil {
		claimed, err := c.tryClaimGlobal(ctx, id, hold)
		if err != nil || !claimed {
			_ = h.Release()
			return nil, false, err
		}
	}
	_ = c.bus.Publish(ctx, syncbus.LockTopic(id))
	return &Grant{c: c, id: id, handle: h}, true, nil
}

// Release drops the global claim and then the local lock.
func (g *Grant) Release(ctx context.Context) error {
	if g.c.client != nil {
		if err := g.c.releaseGlobal(ctx, g.id); err != nil {
			return err
		}
	}
	return g.handle.Release()
}

// unlockNotifier returns the OnLocalUnlock hook for id. The hook runs with
// the lock's mutex held, so the bus publish goes through a goroutine.
func (c *Coordinator) unlockNotifier(id string) func() {
	return func() {
		go func() {
			if err := c.bus.Publish(context.Background(), syncbus.UnlockTopic(id)); err != nil {
				c.log.Debug().Err(err).Str("id", id).Msg("unlock publish failed")
			}
		}()
	}
}

func (c *Coordinator) tryClaimGlobal(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	token := c.node + ":" + id
	ok, err := c.client.SetNX(ctx, globalKeyPrefix+id, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		c.mu.Lock()
		c.tokens[id] = token
		c.mu.Unlock()
	}
	return ok, nil
}

func (c *Coordinator) claimGlobal(ctx context.Context, id string, ttl time.Duration) error {
	for {
		ok, err := c.tryClaimGlobal(ctx, id, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		ch, err := c.bus.Subscribe(ctx, syncbus.UnlockTopic(id))
		if err != nil {
			return err
		}
		// Re-check after subscribing: the remote release may have landed
		// between the failed claim and the subscription.
		ok, err = c.tryClaimGlobal(ctx, id, ttl)
		if err != nil || ok {
			_ = c.bus.Unsubscribe(context.Background(), syncbus.UnlockTopic(id), ch)
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			_ = c.bus.Unsubscribe(context.Background(), syncbus.UnlockTopic(id), ch)
			return ctx.Err()
		}
		_ = c.bus.Unsubscribe(context.Background(), syncbus.UnlockTopic(id), ch)
	}
}

func (c *Coordinator) releaseGlobal(ctx context.Context, id string) error {
	c.mu.Lock()
	token, ok := c.tokens[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := delScript.Run(ctx, c.client, []string{globalKeyPrefix + id}, token).Result()
	if err == redis.Nil {
		err = nil
	}
	if err == nil {
		c.mu.Lock()
		delete(c.tokens, id)
		c.mu.Unlock()
		_ = c.bus.Publish(ctx, syncbus.UnlockTopic(id))
	}
	return err
}
