// Package shield wires the full mitigation engine together: shared state
// backend, policy store, limiter, escalation machine, telemetry, and the
// client-facing router.
package shield

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/developingchet/shield-proxy/internal/config"
	"github.com/developingchet/shield-proxy/internal/escalate"
	"github.com/developingchet/shield-proxy/internal/limiter"
	"github.com/developingchet/shield-proxy/internal/policy"
	"github.com/developingchet/shield-proxy/internal/proxy"
	"github.com/developingchet/shield-proxy/internal/state"
	"github.com/developingchet/shield-proxy/internal/storage"
	"github.com/developingchet/shield-proxy/internal/telemetry"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Shield is the fully wired proxy engine.
type Shield struct {
	cfg      *config.Config
	backend  *state.Backend
	registry storage.Registry
	router   *proxy.Router
	webhook  *telemetry.WebhookSink // nil when no dashboard is configured
	agg      *telemetry.Aggregator  // nil when no dashboard is configured
	rdb      *redis.Client          // nil when Redis is disabled
	log      zerolog.Logger
}

// New constructs a Shield from config. The registry's durable verdicts are
// replayed into the local store so standing bans survive a restart even
// before (or without) Redis connectivity.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Shield, error) {
	registry, err := storage.NewBboltRegistry(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	var rdb *redis.Client
	var remote state.Store
	if cfg.UseRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		remote = state.NewRedisStore(rdb)
	}

	local := state.NewMemoryStore()
	backend := state.NewBackend(remote, local, cfg.ProbeInterval, log)
	policies := policy.NewStore(cfg)

	var sink telemetry.Sink = telemetry.NopSink{}
	var webhook *telemetry.WebhookSink
	var agg *telemetry.Aggregator
	if cfg.DashboardURL != "" {
		webhook, err = telemetry.NewWebhookSink(telemetry.Config{
			URL:        cfg.DashboardURL,
			Workers:    cfg.TelemetryWorkers,
			QueueDepth: cfg.TelemetryQueueDepth,
		}, log)
		if err != nil {
			_ = registry.Close()
			return nil, fmt.Errorf("build telemetry sink: %w", err)
		}
		sink = webhook
		agg = telemetry.NewAggregator(sink, cfg.StatsInterval)
	}

	lim := limiter.New(policies, backend, log)
	machine := escalate.New(policies, backend, registry, sink, log)

	if err := machine.Seed(ctx, local); err != nil {
		log.Warn().Err(err).Msg("seeding isolation state from registry failed")
	}

	router, err := proxy.NewRouter(cfg, policies, lim, machine, backend, sink, agg, log)
	if err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("build router: %w", err)
	}

	return &Shield{
		cfg:      cfg,
		backend:  backend,
		registry: registry,
		router:   router,
		webhook:  webhook,
		agg:      agg,
		rdb:      rdb,
		log:      log,
	}, nil
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs.
func (s *Shield) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.webhook != nil {
		s.webhook.Start(gctx)
	}

	g.Go(func() error {
		return s.serveProxy(gctx)
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		return s.backend.Run(gctx)
	})

	if s.agg != nil {
		g.Go(func() error {
			return s.agg.Run(gctx)
		})
	}

	janitor := NewJanitor(s.backend.Local(), s.registry, s.cfg.JanitorInterval, s.log)
	g.Go(func() error {
		return janitor.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if s.webhook != nil {
		s.webhook.Stop()
	}
	return nil
}

// Close releases the registry and the Redis connection.
func (s *Shield) Close() error {
	var errs []error
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serveProxy runs the client-facing HTTP server.
func (s *Shield) serveProxy(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.ListenAddr).
		Str("upstream", s.cfg.UpstreamURL).
		Str("backend", s.backend.Mode()).
		Str("version", BinaryVersion).
		Msg("proxy server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Shield) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    s.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
