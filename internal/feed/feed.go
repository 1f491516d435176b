// Package feed keeps the disallowed-host list in sync with a CrowdSec LAPI
// decision stream.
package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/developingchet/authguard/internal/config"
	"github.com/developingchet/authguard/internal/decision"
	"github.com/developingchet/authguard/internal/lapi_metrics"
	"github.com/developingchet/authguard/internal/metrics"
	"github.com/developingchet/authguard/internal/netaddr"
	"github.com/developingchet/authguard/internal/netrule"
	"github.com/developingchet/authguard/internal/pool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// HostRegistry is the slice of the rule repository the feed mutates. The feed
// only ever removes entries it created itself.
type HostRegistry interface {
	CreateDisallowedHostFrom(host, source string) (netrule.DisallowedHost, error)
	DeleteDisallowedHostFrom(host, source string) error
}

// MetricsRecorder receives the outcome of every applied job.
type MetricsRecorder interface {
	RecordBan(origin string)
	RecordDeletion()
}

// Feed wires the CrowdSec stream, filter pipeline and worker pool to a
// HostRegistry.
type Feed struct {
	pool      *pool.Pool
	filterCfg decision.FilterConfig
	log       zerolog.Logger
	streamBnc *csbouncer.StreamBouncer
	reporter  *lapi_metrics.Reporter
}

// New constructs a Feed from cfg. The stream is not contacted until Run.
func New(cfg *config.Config, hosts HostRegistry, log zerolog.Logger) (*Feed, error) {
	whitelist, err := netaddr.ParseWhitelist(cfg.BlockWhitelist)
	if err != nil {
		return nil, fmt.Errorf("parse whitelist: %w", err)
	}

	filterCfg := decision.NewFilterConfig()
	filterCfg.ScenarioExclude = cfg.BlockScenarioExclude
	filterCfg.AllowedOrigins = cfg.CrowdSecOrigins
	filterCfg.Whitelist = whitelist
	filterCfg.SkipPrivate = cfg.BlockSkipPrivate
	filterCfg.MinBanDuration = cfg.BlockMinDuration

	log = log.With().Str("component", "feed").Logger()

	reporter := lapi_metrics.NewReporter(cfg.CrowdSecLAPIURL, cfg.CrowdSecLAPIKey,
		BinaryVersion, cfg.LAPIMetricsPushInterval, log)

	p, err := pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}, makeJobHandler(hosts, reporter, log), log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	skipVerify := !cfg.CrowdSecLAPIVerifyTLS
	streamBnc := &csbouncer.StreamBouncer{
		APIKey:              cfg.CrowdSecLAPIKey,
		APIUrl:              cfg.CrowdSecLAPIURL,
		TickerInterval:      cfg.CrowdSecPollInterval.String(),
		InsecureSkipVerify:  &skipVerify,
		UserAgent:           "authguard/" + BinaryVersion,
		RetryInitialConnect: true,
	}

	return &Feed{
		pool:      p,
		filterCfg: filterCfg,
		log:       log,
		streamBnc: streamBnc,
		reporter:  reporter,
	}, nil
}

// Depth reports pending jobs; the sweeper publishes it as a gauge.
func (f *Feed) Depth() int {
	return f.pool.Depth()
}

// Run starts the pool, the stream reader and the usage-metrics reporter, and
// blocks until ctx is
// cancelled or the stream fails.
func (f *Feed) Run(ctx context.Context) error {
	if err := f.streamBnc.Init(); err != nil {
		return fmt.Errorf("init CrowdSec stream: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	f.pool.Start(gctx)

	g.Go(func() error {
		return f.processStream(gctx)
	})
	g.Go(func() error {
		return f.reporter.Run(gctx)
	})

	err := g.Wait()
	f.pool.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (f *Feed) processStream(ctx context.Context) error {
	// Run returns when ctx is cancelled
	go f.streamBnc.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case decisions, ok := <-f.streamBnc.Stream:
			if !ok {
				return fmt.Errorf("CrowdSec stream closed")
			}
			f.handleDecisionBlock(decisions)
		}
	}
}

func (f *Feed) handleDecisionBlock(decisions *models.DecisionsStreamResponse) {
	if decisions == nil {
		return
	}
	for _, d := range decisions.New {
		f.submit(d, decision.ActionBan)
	}
	for _, d := range decisions.Deleted {
		f.submit(d, decision.ActionDelete)
	}
}

// submit filters d and enqueues it as action. A deleted decision arrives
// with its original type, so the job action comes from the stream side.
func (f *Feed) submit(d *models.Decision, action string) {
	if d == nil {
		return
	}
	cfg := f.filterCfg
	if action == decision.ActionDelete {
		// a deletion carries the remaining duration, which says nothing about
		// whether the ban was worth applying
		cfg.MinBanDuration = 0
	}
	result := decision.Filter(d, cfg, f.log)
	if !result.Passed {
		return
	}
	metrics.DecisionsProcessed.WithLabelValues(action, result.Origin).Inc()
	f.pool.Enqueue(pool.Job{
		Action:   action,
		Host:     result.Host.String(),
		Origin:   result.Origin,
		Scenario: result.Scenario,
	})
}
