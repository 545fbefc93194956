package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/shield-proxy/internal/metrics"
)

// envelope is the wire format posted to the dashboard.
type envelope struct {
	Event     string    `json:"event"`
	EmittedAt time.Time `json:"emitted_at"`
	Data      any       `json:"data"`
}

// Config holds webhook sink configuration.
type Config struct {
	URL        string
	Workers    int
	QueueDepth int
	Timeout    time.Duration
}

// WebhookSink posts events to a dashboard endpoint from a small worker pool.
// The queue is bounded and Emit never blocks: when the buffer is full the
// event is counted and dropped. No retries; the dashboard reconstructs state
// from the shared store, so a lost event is cosmetic.
type WebhookSink struct {
	cfg      Config
	client   *http.Client
	events   chan envelope
	quit     chan struct{}
	stopped  atomic.Bool
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWebhookSink builds a sink. URL must be non-empty.
func NewWebhookSink(cfg Config, log zerolog.Logger) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("dashboard URL required")
	}
	if cfg.Workers < 1 || cfg.Workers > 16 {
		return nil, fmt.Errorf("TELEMETRY_WORKERS must be 1–16, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		events: make(chan envelope, cfg.QueueDepth),
		quit:   make(chan struct{}),
		log:    log,
	}, nil
}

// Start launches the worker goroutines. ctx controls worker lifetime.
func (s *WebhookSink) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Emit enqueues an event without blocking. Full buffer drops the event, and
// so does a sink that has been stopped: request handlers can outlive server
// shutdown, so Emit must stay safe to call after Stop.
func (s *WebhookSink) Emit(event string, payload any) {
	if s.stopped.Load() {
		metrics.TelemetryEvents.WithLabelValues(event, "dropped").Inc()
		return
	}
	env := envelope{Event: event, EmittedAt: time.Now().UTC(), Data: payload}
	select {
	case s.events <- env:
	default:
		metrics.TelemetryEvents.WithLabelValues(event, "dropped").Inc()
		s.log.Warn().Str("event", event).Msg("telemetry event dropped: queue full")
	}
}

// Stop marks the sink stopped and waits for workers to drain the queue.
// The events channel is never closed; an emit racing the stop lands in the
// buffer and is simply abandoned. Safe to call more than once.
func (s *WebhookSink) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.quit)
	})
	s.wg.Wait()
}

func (s *WebhookSink) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.events:
			s.post(ctx, env)
		case <-s.quit:
			s.drain(ctx)
			return
		}
	}
}

// drain posts whatever is already buffered, then returns.
func (s *WebhookSink) drain(ctx context.Context) {
	for {
		select {
		case env := <-s.events:
			s.post(ctx, env)
		default:
			return
		}
	}
}

func (s *WebhookSink) post(ctx context.Context, env envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		metrics.TelemetryEvents.WithLabelValues(env.Event, "failed").Inc()
		s.log.Error().Err(err).Str("event", env.Event).Msg("telemetry marshal failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		metrics.TelemetryEvents.WithLabelValues(env.Event, "failed").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.TelemetryEvents.WithLabelValues(env.Event, "failed").Inc()
		s.log.Debug().Err(err).Str("event", env.Event).Msg("telemetry post failed")
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.TelemetryEvents.WithLabelValues(env.Event, "failed").Inc()
		s.log.Debug().Int("status", resp.StatusCode).Str("event", env.Event).
			Msg("dashboard rejected telemetry event")
		return
	}
	metrics.TelemetryEvents.WithLabelValues(env.Event, "sent").Inc()
}
