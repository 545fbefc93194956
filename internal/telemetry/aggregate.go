package telemetry

import (
	"context"
	"sort"
	"strconv"
	"time"
)

const topEndpointLimit = 5

// Sample is one served request observation.
type Sample struct {
	Status int
	Path   string
}

// Aggregator folds request samples into periodic traffic_stats events.
// Observe is non-blocking; a full sample buffer drops the observation
// rather than slowing the request path.
type Aggregator struct {
	sink     Sink
	interval time.Duration
	samples  chan Sample
}

// NewAggregator builds an Aggregator flushing to sink every interval.
func NewAggregator(sink Sink, interval time.Duration) *Aggregator {
	return &Aggregator{
		sink:     sink,
		interval: interval,
		samples:  make(chan Sample, 4096),
	}
}

// Observe records one served request.
func (a *Aggregator) Observe(status int, path string) {
	select {
	case a.samples <- Sample{Status: status, Path: path}:
	default:
	}
}

// Run collects samples and emits one traffic_stats event per interval.
// Empty windows emit nothing. Returns when ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	statuses := make(map[string]int64)
	endpoints := make(map[string]int64)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-a.samples:
			statuses[strconv.Itoa(s.Status)]++
			endpoints[s.Path]++
			total++
		case <-ticker.C:
			if total == 0 {
				continue
			}
			a.sink.Emit(EventStats, buildStats(statuses, endpoints, total, a.interval))
			statuses = make(map[string]int64)
			endpoints = make(map[string]int64)
			total = 0
		}
	}
}

func buildStats(statuses, endpoints map[string]int64, total int64, window time.Duration) StatsPayload {
	top := make([]EndpointCount, 0, len(endpoints))
	for path, count := range endpoints {
		top = append(top, EndpointCount{Path: path, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Path < top[j].Path
	})
	if len(top) > topEndpointLimit {
		top = top[:topEndpointLimit]
	}

	return StatsPayload{
		RequestsPerSecond: float64(total) / window.Seconds(),
		StatusCodes:       statuses,
		TopEndpoints:      top,
		WindowSeconds:     int(window / time.Second),
	}
}
