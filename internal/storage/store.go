package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/authguard/internal/apperr"
)

// ErrCounterMissing is returned by TryIncrement when no row exists for the
// key, e.g. because the sweeper removed it after FetchOrCreate.
var ErrCounterMissing = fmt.Errorf("counter row %w", apperr.ErrNotFound)

// CounterKey addresses one fixed-window counter row.
type CounterKey struct {
	Type    string
	ID      string
	ScaleMs int64
	Window  int64
}

// CounterEntry is the stored state of a counter row.
type CounterEntry struct {
	Count     int64     `msgpack:"c"`
	ExpiresAt time.Time `msgpack:"e"`
}

// CounterStore persists windowed counters. TryIncrement must be atomic per
// key; SweepExpired must never remove a row whose ExpiresAt is not before now.
type CounterStore interface {
	// FetchOrCreate returns the row for key, creating it with count 0 and
	// ExpiresAt = now+ttl when absent or already expired.
	FetchOrCreate(ctx context.Context, key CounterKey, now time.Time, ttl time.Duration) (CounterEntry, error)

	// TryIncrement commits count+delta iff the result is <= limit. When not
	// admitted the row is left unchanged and the current count is returned.
	TryIncrement(ctx context.Context, key CounterKey, delta, limit int64) (admitted bool, count int64, err error)

	// Inspect reads a row without creating it. Expired rows read as absent.
	Inspect(ctx context.Context, key CounterKey, now time.Time) (CounterEntry, bool, error)

	// DeleteAll removes every window row of (counterType, counterID).
	DeleteAll(ctx context.Context, counterType, counterID string) (int, error)

	// SweepExpired removes rows whose ExpiresAt is before now.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Sizer is implemented by backends that can report their on-disk size.
type Sizer interface {
	SizeBytes() (int64, error)
}

// Rule tiers as persisted.
const (
	TierGlobal   = "global"
	TierOwner    = "owner"
	TierInstance = "instance"
)

// Tiers lists the persisted rule tiers.
var Tiers = []string{TierGlobal, TierOwner, TierInstance}

// RuleRecord is the persisted form of a network rule. Exactly one of Network
// or RangeLower/RangeUpper is set.
type RuleRecord struct {
	ID         string    `msgpack:"id"`
	Tier       string    `msgpack:"tier"`
	ScopeID    string    `msgpack:"scope,omitempty"`
	Network    string    `msgpack:"net,omitempty"`
	RangeLower string    `msgpack:"lo,omitempty"`
	RangeUpper string    `msgpack:"hi,omitempty"`
	Action     string    `msgpack:"action"`
	Precedence int       `msgpack:"prec"`
	UpdatedAt  time.Time `msgpack:"updated"`
}

// HostRecord is the persisted form of a disallowed host. Source is empty for
// records written before sources were tracked.
type HostRecord struct {
	ID        string    `msgpack:"id"`
	Host      string    `msgpack:"host"`
	Source    string    `msgpack:"src,omitempty"`
	CreatedAt time.Time `msgpack:"created"`
}

// RuleStore persists network rules and disallowed hosts.
type RuleStore interface {
	PutRule(rec RuleRecord) error
	DeleteRule(tier, id string) (bool, error)
	ListRules(tier string) ([]RuleRecord, error)

	PutHost(rec HostRecord) error
	DeleteHost(id string) (bool, error)
	ListHosts() ([]HostRecord, error)
}

func errUnknownTier(tier string) error {
	return fmt.Errorf("unknown rule tier %q", tier)
}

// ErrUnavailable is the sentinel every backend I/O failure wraps.
var ErrUnavailable = apperr.ErrUnavailable
