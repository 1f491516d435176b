// Package limiter implements a fixed-window rate limiter over a
// storage.CounterStore.
//
// Each check maps the current time onto window = floor(now_ms / scale_ms) and
// admits the attempt only if the window's count plus the increment stays
// within the limit. Denied attempts leave the stored count unchanged. Counts
// reset when the window rolls over; there is no continuous refill.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/developingchet/authguard/internal/apperr"
	"github.com/developingchet/authguard/internal/metrics"
	"github.com/developingchet/authguard/internal/storage"
	"github.com/rs/zerolog"
)

// ValidationError is returned for arguments rejected before the store is touched.
type ValidationError = apperr.ValidationError

// CounterType tags a family of counters, e.g. "login_attempt_by_host".
type CounterType string

var counterTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks that t is a well-formed tag.
func (t CounterType) Validate() error {
	if !counterTypePattern.MatchString(string(t)) {
		return apperr.Invalid("counter_type", "%q must match %s", string(t), counterTypePattern)
	}
	return nil
}

// Result is a limiter decision. Deny is a normal outcome, not an error.
type Result struct {
	Allowed bool
	Count   int64
	Limit   int64
	// ResetAt is the start of the next window.
	ResetAt time.Time
	// RetryAfter is the time until ResetAt for a denied check, zero otherwise.
	RetryAfter time.Duration
}

func (r Result) String() string {
	if r.Allowed {
		return fmt.Sprintf("Allow(%d)", r.Count)
	}
	return fmt.Sprintf("Deny(%d)", r.Count)
}

// Config configures an Engine.
type Config struct {
	// Expiry is the storage TTL of each counter row. It must exceed every
	// scale the engine is asked to check.
	Expiry time.Duration
	// CounterTypes is the closed set of tags the engine accepts.
	CounterTypes []CounterType
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Engine evaluates rate checks. It is safe for concurrent use.
type Engine struct {
	store  storage.CounterStore
	expiry time.Duration
	types  map[CounterType]struct{}
	now    func() time.Time
	log    zerolog.Logger
}

// New builds an Engine over store.
func New(store storage.CounterStore, cfg Config, log zerolog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("limiter: counter store is required")
	}
	if cfg.Expiry <= 0 {
		return nil, apperr.Invalid("expiry", "must be > 0; got %s", cfg.Expiry)
	}
	if len(cfg.CounterTypes) == 0 {
		return nil, apperr.Invalid("counter_types", "at least one counter type is required")
	}
	types := make(map[CounterType]struct{}, len(cfg.CounterTypes))
	for _, t := range cfg.CounterTypes {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		types[t] = struct{}{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:  store,
		expiry: cfg.Expiry,
		types:  types,
		now:    now,
		log:    log,
	}, nil
}

// CheckRate is CheckRateWithIncrement with an increment of 1.
func (e *Engine) CheckRate(ctx context.Context, t CounterType, id string, scaleMs, limit int64) (Result, error) {
	return e.CheckRateWithIncrement(ctx, t, id, scaleMs, limit, 1)
}

// CheckRateWithIncrement adds increment to the current window of (t, id) if
// the result stays within limit.
func (e *Engine) CheckRateWithIncrement(ctx context.Context, t CounterType, id string, scaleMs, limit, increment int64) (Result, error) {
	if err := e.validate(t, id, scaleMs, limit); err != nil {
		return Result{}, err
	}
	if increment < 0 {
		return Result{}, apperr.Invalid("increment", "must be >= 0; got %d", increment)
	}

	now := e.now()
	key := windowKey(t, id, scaleMs, now)

	// A sweep can remove the row between FetchOrCreate and TryIncrement only
	// if it expired in between; recreate once and retry.
	var (
		admitted bool
		count    int64
		err      error
	)
	for attempt := 0; attempt < 2; attempt++ {
		if _, err = e.store.FetchOrCreate(ctx, key, now, e.expiry); err != nil {
			break
		}
		admitted, count, err = e.store.TryIncrement(ctx, key, increment, limit)
		if !errors.Is(err, storage.ErrCounterMissing) {
			break
		}
	}
	if err != nil {
		metrics.RateChecks.WithLabelValues(string(t), "error").Inc()
		return Result{}, fmt.Errorf("check rate %s: %w", CounterName(t, id), err)
	}

	res := newResult(admitted, count, limit, key, now)
	if admitted {
		metrics.RateChecks.WithLabelValues(string(t), "allow").Inc()
	} else {
		metrics.RateChecks.WithLabelValues(string(t), "deny").Inc()
		e.log.Debug().
			Str("counter", CounterName(t, id)).
			Int64("count", count).
			Int64("limit", limit).
			Dur("retry_after", res.RetryAfter).
			Msg("rate limit exceeded")
	}
	return res, nil
}

// InspectCounter reports the current window of (t, id) without changing it.
// A missing row reads as count 0. The result is Allow iff another attempt of
// size 1 would be admitted.
func (e *Engine) InspectCounter(ctx context.Context, t CounterType, id string, scaleMs, limit int64) (Result, error) {
	if err := e.validate(t, id, scaleMs, limit); err != nil {
		return Result{}, err
	}
	now := e.now()
	key := windowKey(t, id, scaleMs, now)
	entry, _, err := e.store.Inspect(ctx, key, now)
	if err != nil {
		return Result{}, fmt.Errorf("inspect %s: %w", CounterName(t, id), err)
	}
	return newResult(entry.Count < limit, entry.Count, limit, key, now), nil
}

// DeleteCounters removes every window of (t, id) and returns the number of
// rows removed.
func (e *Engine) DeleteCounters(ctx context.Context, t CounterType, id string) (int, error) {
	if err := e.validateIdentity(t, id); err != nil {
		return 0, err
	}
	removed, err := e.store.DeleteAll(ctx, string(t), id)
	if err != nil {
		return 0, fmt.Errorf("delete counters %s: %w", CounterName(t, id), err)
	}
	metrics.CountersDeleted.WithLabelValues(string(t)).Add(float64(removed))
	e.log.Debug().Str("counter", CounterName(t, id)).Int("removed", removed).Msg("counters deleted")
	return removed, nil
}

// CounterName formats (t, id) for logs and diagnostics.
func CounterName(t CounterType, id string) string {
	return string(t) + "_" + id
}

// RateCheck binds a counter type, scale and limit so callers only supply ids.
type RateCheck struct {
	engine  *Engine
	Type    CounterType
	ScaleMs int64
	Limit   int64
}

// CheckRateFunc returns a RateCheck for (t, scaleMs, limit).
func (e *Engine) CheckRateFunc(t CounterType, scaleMs, limit int64) RateCheck {
	return RateCheck{engine: e, Type: t, ScaleMs: scaleMs, Limit: limit}
}

// Evaluate runs CheckRate for id.
func (r RateCheck) Evaluate(ctx context.Context, id string) (Result, error) {
	return r.engine.CheckRate(ctx, r.Type, id, r.ScaleMs, r.Limit)
}

func (e *Engine) validateIdentity(t CounterType, id string) error {
	if _, ok := e.types[t]; !ok {
		return apperr.Invalid("counter_type", "%q is not registered", string(t))
	}
	if id == "" {
		return apperr.Invalid("counter_id", "must not be empty")
	}
	if strings.IndexByte(id, 0) >= 0 {
		return apperr.Invalid("counter_id", "must not contain NUL")
	}
	return nil
}

func (e *Engine) validate(t CounterType, id string, scaleMs, limit int64) error {
	if err := e.validateIdentity(t, id); err != nil {
		return err
	}
	if scaleMs <= 0 {
		return apperr.Invalid("scale_ms", "must be > 0; got %d", scaleMs)
	}
	if limit <= 0 {
		return apperr.Invalid("limit", "must be > 0; got %d", limit)
	}
	return nil
}

func windowKey(t CounterType, id string, scaleMs int64, now time.Time) storage.CounterKey {
	return storage.CounterKey{
		Type:    string(t),
		ID:      id,
		ScaleMs: scaleMs,
		Window:  windowID(now.UnixMilli(), scaleMs),
	}
}

// windowID is floor(nowMs / scaleMs), also for instants before the epoch.
func windowID(nowMs, scaleMs int64) int64 {
	w := nowMs / scaleMs
	if nowMs%scaleMs != 0 && nowMs < 0 {
		w--
	}
	return w
}

func newResult(allowed bool, count, limit int64, key storage.CounterKey, now time.Time) Result {
	resetAt := time.UnixMilli((key.Window + 1) * key.ScaleMs)
	res := Result{Allowed: allowed, Count: count, Limit: limit, ResetAt: resetAt}
	if !allowed {
		res.RetryAfter = resetAt.Sub(now)
	}
	return res
}
