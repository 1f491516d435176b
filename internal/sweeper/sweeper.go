// Package sweeper purges expired counter rows on a timer.
package sweeper

import (
	"context"
	"time"

	"github.com/developingchet/authguard/internal/metrics"
	"github.com/developingchet/authguard/internal/storage"
	"github.com/rs/zerolog"
)

// QueueDepther reports a worker queue length. *pool.Pool satisfies it.
type QueueDepther interface {
	Depth() int
}

// Sweeper periodically removes counter rows whose expiry has passed and
// refreshes housekeeping gauges.
type Sweeper struct {
	store    storage.CounterStore
	queue    QueueDepther
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a Sweeper. queue may be nil.
func New(store storage.CounterStore, queue QueueDepther, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		queue:    queue,
		interval: interval,
		now:      time.Now,
		log:      log,
	}
}

// Run executes the sweep loop until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass and returns the number of rows removed. Failures
// are logged and counted; the next tick retries.
func (s *Sweeper) Sweep(ctx context.Context) int {
	pruned, err := s.store.SweepExpired(ctx, s.now())
	if err != nil {
		metrics.Sweeps.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("sweeper: sweep expired counters failed")
	} else {
		metrics.Sweeps.WithLabelValues("ok").Inc()
		metrics.SweptRows.Add(float64(pruned))
		if pruned > 0 {
			s.log.Info().Int("count", pruned).Msg("sweeper: pruned expired counters")
		}
	}

	if sizer, ok := s.store.(storage.Sizer); ok {
		size, err := sizer.SizeBytes()
		if err != nil {
			s.log.Warn().Err(err).Msg("sweeper: read store size failed")
		} else {
			metrics.StoreSizeBytes.Set(float64(size))
		}
	}

	if s.queue != nil {
		metrics.WorkerQueueDepth.Set(float64(s.queue.Depth()))
	}

	s.log.Debug().Msg("sweeper: tick complete")
	return pruned
}
