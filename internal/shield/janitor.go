package shield

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/shield-proxy/internal/metrics"
	"github.com/developingchet/shield-proxy/internal/state"
	"github.com/developingchet/shield-proxy/internal/storage"
)

// Janitor performs periodic housekeeping: sweeping expired local state,
// pruning finished jail records from the registry, and updating gauges.
type Janitor struct {
	local    *state.MemoryStore
	registry storage.Registry
	interval time.Duration
	log      zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(local *state.MemoryStore, registry storage.Registry, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		local:    local,
		registry: registry,
		interval: interval,
		log:      log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	// Expiry in the local store is otherwise lazy; the sweep bounds memory
	// held by identities that went quiet.
	if removed := j.local.PruneExpired(); removed > 0 {
		metrics.JanitorPruned.WithLabelValues("memory").Add(float64(removed))
		j.log.Debug().Int("count", removed).Msg("janitor: swept expired local state")
	}

	pruned, err := j.registry.PruneExpiredJails()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune expired jails failed")
	} else if pruned > 0 {
		metrics.JanitorPruned.WithLabelValues("registry").Add(float64(pruned))
		j.log.Info().Int("count", pruned).Msg("janitor: pruned expired jail records")
	}

	size, err := j.registry.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read registry size failed")
	} else {
		metrics.RegistrySizeBytes.Set(float64(size))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
