// latchd serves per-resource exclusive locks over HTTP with FIFO ordering,
// bounded hold times and a live transition stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/certs"
	"github.com/mirkobrombin/go-latch/v1/cluster"
	"github.com/mirkobrombin/go-latch/v1/config"
	"github.com/mirkobrombin/go-latch/v1/latch"
	"github.com/mirkobrombin/go-latch/v1/logging"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/watch"
)

// multiObserver fans a lock transition out to several observers.
type multiObserver []latch.Observer

func (m multiObserver) ObserveLock(e latch.Event) {
	for _, o := range m {
		o.ObserveLock(e)
	}
}

func main() {
	configPath := flag.String("config", "", "path to latchd config file (yaml or json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "latchd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var mgr *config.Manager
	if configPath == "" {
		mgr = config.NewStaticManager(config.Default())
	} else {
		var err error
		mgr, err = config.NewManager(configPath, zerolog.Nop())
		if err != nil {
			return err
		}
	}
	defer mgr.Close()
	cfg := mgr.Current()

	log, err := logging.New("latchd", cfg.Log)
	if err != nil {
		return err
	}
	mgr.OnChange(func(c config.Config) {
		log.Info().
			Dur("default_hold", c.Latch.DefaultHold).
			Dur("max_hold", c.Latch.MaxHold).
			Msg("lock limits updated")
	})
	if err := mgr.Watch(); err != nil {
		return err
	}

	bus, coordOpts, cleanup, err := buildBus(cfg.Bus, log)
	if err != nil {
		return err
	}
	defer cleanup()

	watchBus := watch.NewInMemoryBus()
	rec := watch.NewRecorder(watchBus)
	defer rec.Close()

	prom := metrics.NewRegistry()
	metrics.RegisterLatchMetrics(prom)

	reg := latch.NewRegistry(
		latch.WithLogger(log),
		latch.WithObserver(multiObserver{metrics.Collector{}, rec}),
	)
	coord, err := cluster.New(reg, bus, coordOpts...)
	if err != nil {
		return err
	}
	log.Info().Str("node", coord.Node()).Str("bus", cfg.Bus.Backend).Msg("coordinator ready")

	srv := newServer(reg, coord, rec, watchBus, mgr, log)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.router(prom),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLS.Enabled {
		cert, err := certs.EnsureServerCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Host)
		if err != nil {
			return err
		}
		httpSrv.TLSConfig = certs.ServerTLSConfig(cert)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("listen", cfg.Server.Listen).Bool("tls", cfg.TLS.Enabled).Msg("serving")
		var err error
		if cfg.TLS.Enabled {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}

// buildBus constructs the configured syncbus backend plus the coordinator
// options and cleanup that go with it.
func buildBus(cfg config.BusConfig, log zerolog.Logger) (syncbus.Bus, []cluster.Option, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "", "memory":
		return syncbus.NewInMemoryBus(), []cluster.Option{cluster.WithLogger(log)}, noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
		bus := syncbus.NewRedisBus(client)
		cleanup := func() {
			_ = bus.Close()
			_ = client.Close()
		}
		opts := []cluster.Option{cluster.WithLogger(log), cluster.WithRedis(client)}
		return bus, opts, cleanup, nil
	case "nats":
		conn, err := nats.Connect(cfg.Addr)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connect nats: %w", err)
		}
		return syncbus.NewNATSBus(conn), []cluster.Option{cluster.WithLogger(log)}, conn.Close, nil
	case "kafka":
		bus, err := syncbus.NewKafkaBus(cfg.Brokers, sarama.NewConfig())
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connect kafka: %w", err)
		}
		return bus, []cluster.Option{cluster.WithLogger(log)}, bus.Close, nil
	default:
		return nil, nil, noop, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}
