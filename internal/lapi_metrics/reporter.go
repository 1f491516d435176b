// Package lapi_metrics reports feed activity back to the CrowdSec LAPI
// through its /v1/usage-metrics endpoint.
package lapi_metrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ComponentType identifies authguard in the usage-metrics payload.
const ComponentType = "authguard"

const minInterval = 10 * time.Minute

// Reporter accumulates feed outcomes and pushes them on an interval. It
// satisfies feed.MetricsRecorder.
type Reporter struct {
	lapiURL     string
	apiKey      string
	version     string
	interval    time.Duration
	startupTime time.Time
	log         zerolog.Logger
	httpClient  *http.Client

	mu        sync.Mutex
	blocked   map[string]int64 // by decision origin
	processed int64
}

// NewReporter constructs a Reporter. A positive interval below ten minutes is
// raised to ten minutes; zero disables pushing.
func NewReporter(lapiURL, apiKey, version string, interval time.Duration, log zerolog.Logger) *Reporter {
	if interval > 0 && interval < minInterval {
		log.Warn().
			Dur("requested", interval).
			Dur("enforced", minInterval).
			Msg("LAPI_METRICS_PUSH_INTERVAL below minimum; clamping to 10m")
		interval = minInterval
	}
	return &Reporter{
		lapiURL:     lapiURL,
		apiKey:      apiKey,
		version:     version,
		interval:    interval,
		startupTime: time.Now(),
		log:         log,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		blocked:     make(map[string]int64),
	}
}

// Interval returns the effective push interval.
func (r *Reporter) Interval() time.Duration {
	return r.interval
}

// RecordBan counts a host disallowed on behalf of origin.
func (r *Reporter) RecordBan(origin string) {
	r.mu.Lock()
	r.blocked[origin]++
	r.processed++
	r.mu.Unlock()
}

// RecordDeletion counts a lifted ban.
func (r *Reporter) RecordDeletion() {
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

// Run pushes on every tick until ctx is cancelled, then makes a final push.
// Returns immediately if the interval is zero.
func (r *Reporter) Run(ctx context.Context) error {
	if r.interval == 0 {
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.push(ctx); err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics push failed")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.push(shutdownCtx); err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics final push failed")
			}
			return nil
		}
	}
}

type metricEntry struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

type osMeta struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type windowMeta struct {
	WindowSizeSeconds   int64 `json:"window_size_seconds"`
	UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
	UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
}

type component struct {
	Type     string        `json:"type"`
	Version  string        `json:"version"`
	Os       osMeta        `json:"os"`
	Features []string      `json:"features"`
	Meta     windowMeta    `json:"meta"`
	Metrics  []metricEntry `json:"metrics"`
}

type payload struct {
	RemediationComponents []component `json:"remediation_components"`
}

// snapshot returns the accumulated metrics and resets the counters.
func (r *Reporter) snapshot() []metricEntry {
	r.mu.Lock()
	blocked := r.blocked
	processed := r.processed
	r.blocked = make(map[string]int64)
	r.processed = 0
	r.mu.Unlock()

	origins := make([]string, 0, len(blocked))
	for origin, count := range blocked {
		if count > 0 {
			origins = append(origins, origin)
		}
	}
	sort.Strings(origins)

	items := make([]metricEntry, 0, len(origins)+1)
	for _, origin := range origins {
		items = append(items, metricEntry{
			Name:  "blocked",
			Value: blocked[origin],
			Unit:  "ip",
			Labels: map[string]string{
				"origin":           origin,
				"remediation_type": "ban",
			},
		})
	}
	return append(items, metricEntry{Name: "processed", Value: processed, Unit: "decision"})
}

func (r *Reporter) push(ctx context.Context) error {
	osName, osVersion := detectOS()
	body, err := json.Marshal(payload{
		RemediationComponents: []component{{
			Type:     ComponentType,
			Version:  r.version,
			Os:       osMeta{Name: osName, Version: osVersion},
			Features: []string{},
			Meta: windowMeta{
				WindowSizeSeconds:   int64(r.interval.Seconds()),
				UtcStartupTimestamp: r.startupTime.Unix(),
				UtcNowTimestamp:     time.Now().Unix(),
			},
			Metrics: r.snapshot(),
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal usage-metrics payload: %w", err)
	}

	url := strings.TrimRight(r.lapiURL, "/") + "/v1/usage-metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage-metrics request: %w", err)
	}
	req.Header.Set("X-Api-Key", r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ComponentType+"/"+r.version)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST usage-metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("usage-metrics returned %d", resp.StatusCode)
	}
	return nil
}

// detectOS returns runtime.GOOS and VERSION_ID from /etc/os-release, or an
// empty version when it cannot be read.
func detectOS() (name, version string) {
	name = runtime.GOOS

	f, err := os.Open("/etc/os-release")
	if err != nil {
		return name, ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VERSION_ID=") {
			return name, strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
		}
	}
	return name, ""
}
