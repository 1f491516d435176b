// Package pool runs disallowed-host jobs on a bounded set of workers.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/authguard/internal/metrics"
	"github.com/rs/zerolog"
)

// Job is a unit of work for the worker pool.
type Job struct {
	Action   string // "ban" or "delete"
	Host     string // canonical address
	Origin   string // CrowdSec decision origin (e.g. "CAPI", "crowdsec")
	Scenario string
}

// JobHandler processes a single Job. Returns an error if the job should be retried.
type JobHandler func(ctx context.Context, job Job) error

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a fixed set of workers fed from a buffered channel. Failed jobs are
// retried inline with exponential backoff.
type Pool struct {
	cfg      Config
	jobs     chan Job
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Pool with the given config and handler.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1-64, got %d", cfg.Workers)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("POOL_MAX_RETRIES must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 4096
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueDepth),
		handler: handler,
		log:     log,
	}, nil
}

// Start launches the worker goroutines. ctx controls worker lifetime.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Action).Inc()
		return true
	default:
		metrics.JobsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Str("host", job.Host).Str("action", job.Action).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the job channel and waits for the workers to drain it.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Depth returns the current number of pending jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
			p.processWithRetry(ctx, job, log)
		}
	}
}

// processWithRetry retries in place rather than re-enqueueing, so a worker
// never sends on a channel Stop may have closed.
func (p *Pool) processWithRetry(ctx context.Context, job Job, log zerolog.Logger) {
	log = log.With().Str("action", job.Action).Str("host", job.Host).Logger()

	var err error
	for retry := 0; ; retry++ {
		if err = p.handler(ctx, job); err == nil {
			metrics.JobsProcessed.WithLabelValues(job.Action, "success").Inc()
			return
		}
		if retry >= p.cfg.MaxRetries {
			break
		}
		metrics.JobsProcessed.WithLabelValues(job.Action, "retried").Inc()

		wait := p.backoff(retry)
		log.Warn().Err(err).Int("attempt", retry+1).Dur("backoff", wait).Msg("retrying job")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
			return
		case <-timer.C:
		}
	}

	metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
	log.Error().Err(err).Int("max_retries", p.cfg.MaxRetries).Msg("job failed: max retries exceeded")
}

const maxBackoff = 5 * time.Minute

// backoff doubles RetryBase per retry, capped at maxBackoff.
func (p *Pool) backoff(retry int) time.Duration {
	d := p.cfg.RetryBase
	for i := 0; i < retry; i++ {
		if d >= maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	return min(d, maxBackoff)
}
