package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-latch/v1/cluster"
	"github.com/mirkobrombin/go-latch/v1/config"
	"github.com/mirkobrombin/go-latch/v1/httperr"
	"github.com/mirkobrombin/go-latch/v1/latch"
	"github.com/mirkobrombin/go-latch/v1/watch"
)

// grant tracks a lock held on behalf of an HTTP client.
type grant struct {
	release  func(context.Context) error
	id       string
	acquired time.Time
}

// server exposes the registry over HTTP. Holders are identified by opaque
// tokens so a release can only come from the client that acquired. When a
// coordinator is present, acquisitions also take the cross-process claim.
type server struct {
	reg   *latch.Registry
	coord *cluster.Coordinator
	rec   *watch.Recorder
	bus   watch.WatchBus
	cfg   *config.Manager
	log   zerolog.Logger

	mu     sync.Mutex
	grants map[string]*grant
}

func newServer(reg *latch.Registry, coord *cluster.Coordinator, rec *watch.Recorder, bus watch.WatchBus, cfg *config.Manager, log zerolog.Logger) *server {
	return &server{
		reg:    reg,
		coord:  coord,
		rec:    rec,
		bus:    bus,
		cfg:    cfg,
		log:    log,
		grants: make(map[string]*grant),
	}
}

func (s *server) router(prom *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prom, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/locks", s.listLocks)
	v1.GET("/locks/:id", s.getLock)
	v1.POST("/locks/:id/acquire", s.acquire)
	v1.POST("/locks/:id/try", s.tryAcquire)
	v1.POST("/locks/:id/release", s.release)
	v1.GET("/watch", gin.WrapH(watch.SSEHandler(s.bus)))
	v1.GET("/watch/ws", gin.WrapH(watch.WebSocketHandler(s.bus)))
	return r
}

// holdFor resolves the effective hold timeout for a request, clamping the
// client's ask to the configured maximum.
func (s *server) holdFor(c *gin.Context) (time.Duration, error) {
	lc := s.cfg.Current().Latch
	hold := lc.DefaultHold
	if raw := c.Query("hold"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			return 0, httperr.BadRequest("invalid hold duration")
		}
		hold = parsed
	}
	if lc.MaxHold > 0 && hold > lc.MaxHold {
		hold = lc.MaxHold
	}
	return hold, nil
}

type grantResponse struct {
	ID       string    `json:"id"`
	Token    string    `json:"token"`
	Acquired time.Time `json:"acquired"`
}

func (s *server) storeGrant(id string, release func(context.Context) error) grantResponse {
	g := &grant{release: release, id: id, acquired: time.Now().UTC()}
	token := uuid.NewString()
	s.mu.Lock()
	s.grants[token] = g
	s.mu.Unlock()
	return grantResponse{ID: id, Token: token, Acquired: g.acquired}
}

func (s *server) acquire(c *gin.Context) {
	id := c.Param("id")
	hold, err := s.holdFor(c)
	if err != nil {
		httperr.Render(c, err)
		return
	}

	ctx := c.Request.Context()
	if raw := c.Query("wait"); raw != "" {
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait <= 0 {
			httperr.Render(c, httperr.BadRequest("invalid wait duration"))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	if s.coord != nil {
		g, err := s.coord.Acquire(ctx, id, hold)
		if err != nil {
			httperr.Render(c, err)
			return
		}
		c.JSON(http.StatusOK, s.storeGrant(id, g.Release))
		return
	}

	var opts []latch.AcquireOption
	if hold > 0 {
		opts = append(opts, latch.WithHoldTimeout(hold))
	}
	h, err := s.reg.Resolve(id).Acquire(ctx, opts...)
	if err != nil {
		httperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, s.storeGrant(id, func(context.Context) error { return h.Release() }))
}

func (s *server) tryAcquire(c *gin.Context) {
	id := c.Param("id")
	hold, err := s.holdFor(c)
	if err != nil {
		httperr.Render(c, err)
		return
	}

	if s.coord != nil {
		g, ok, err := s.coord.TryAcquire(c.Request.Context(), id, hold)
		if err != nil {
			httperr.Render(c, err)
			return
		}
		if !ok {
			httperr.Render(c, httperr.Conflict("lock held"))
			return
		}
		c.JSON(http.StatusOK, s.storeGrant(id, g.Release))
		return
	}

	var opts []latch.AcquireOption
	if hold > 0 {
		opts = append(opts, latch.WithHoldTimeout(hold))
	}
	h, ok := s.reg.Resolve(id).TryAcquire(opts...)
	if !ok {
		httperr.Render(c, httperr.Conflict("lock held"))
		return
	}
	c.JSON(http.StatusOK, s.storeGrant(id, func(context.Context) error { return h.Release() }))
}

func (s *server) release(c *gin.Context) {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		httperr.Render(c, httperr.BadRequest("missing holder token"))
		return
	}

	s.mu.Lock()
	g, ok := s.grants[body.Token]
	if ok {
		delete(s.grants, body.Token)
	}
	s.mu.Unlock()
	if !ok || g.id != c.Param("id") {
		httperr.Render(c, httperr.NotFound("unknown holder token"))
		return
	}
	if err := g.release(c.Request.Context()); err != nil {
		// The hold timeout may have already forced this release.
		s.log.Debug().Err(err).Str("id", g.id).Msg("release after expiry")
		httperr.Render(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) listLocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"locks": s.reg.Snapshot()})
}

func (s *server) getLock(c *gin.Context) {
	id := c.Param("id")
	for _, info := range s.reg.Snapshot() {
		if info.ID == id {
			c.JSON(http.StatusOK, gin.H{"lock": info})
			return
		}
	}
	// Idle locks are forgotten by the registry; the recorder may still
	// remember the final transition.
	if msg, ok := s.rec.Last(id); ok {
		c.JSON(http.StatusOK, gin.H{"last": msg})
		return
	}
	httperr.Render(c, httperr.NotFound("no such lock"))
}
