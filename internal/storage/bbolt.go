package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/developingchet/authguard/internal/apperr"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketHosts = "disallowed_hosts"
	rulePrefix  = "rules_"
)

// ErrLocked is returned when another process holds the bbolt file, usually a
// running daemon.
var ErrLocked = errors.New("database file is locked by another process")

// openTimeout bounds the wait for the bbolt file lock.
var openTimeout = 5 * time.Second

// BboltStore keeps counters and rules in a single bbolt file. bbolt runs one
// write transaction at a time, which makes every counter mutation atomic.
type BboltStore struct {
	db      *bolt.DB
	counter []byte
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/authguard.db.
// table names the counter bucket.
func NewBboltStore(dataDir, table string) (*BboltStore, error) {
	if table == "" {
		return nil, fmt.Errorf("counter table name is required")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "authguard.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("open bbolt at %s: %w; stop the daemon or use its HTTP API", path, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	buckets := []string{table, bucketHosts}
	for _, tier := range Tiers {
		buckets = append(buckets, rulePrefix+tier)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BboltStore{db: db, counter: []byte(table)}, nil
}

// ---- Counter key encoding ---------------------------------------------------

// counterPrefix is type NUL id NUL; the limiter rejects NUL in both parts.
func counterPrefix(counterType, counterID string) []byte {
	buf := make([]byte, 0, len(counterType)+len(counterID)+2)
	buf = append(buf, counterType...)
	buf = append(buf, 0)
	buf = append(buf, counterID...)
	return append(buf, 0)
}

func encodeCounterKey(k CounterKey) []byte {
	buf := counterPrefix(k.Type, k.ID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.ScaleMs))
	return binary.BigEndian.AppendUint64(buf, uint64(k.Window))
}

// ---- Counters ---------------------------------------------------------------

func (s *BboltStore) FetchOrCreate(_ context.Context, key CounterKey, now time.Time, ttl time.Duration) (CounterEntry, error) {
	var entry CounterEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.counter)
		k := encodeCounterKey(key)
		if raw := b.Get(k); raw != nil {
			if err := msgpack.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("unmarshal counter: %w", err)
			}
			if !entry.ExpiresAt.Before(now) {
				return nil
			}
		}
		entry = CounterEntry{Count: 0, ExpiresAt: now.Add(ttl).UTC()}
		data, err := msgpack.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal counter: %w", err)
		}
		return b.Put(k, data)
	})
	if err != nil {
		return CounterEntry{}, apperr.Unavailable("fetch or create", err)
	}
	return entry, nil
}

func (s *BboltStore) TryIncrement(_ context.Context, key CounterKey, delta, limit int64) (bool, int64, error) {
	var (
		admitted bool
		count    int64
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.counter)
		k := encodeCounterKey(key)
		raw := b.Get(k)
		if raw == nil {
			return ErrCounterMissing
		}
		var entry CounterEntry
		if err := msgpack.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("unmarshal counter: %w", err)
		}
		next := entry.Count + delta
		if next > limit {
			count = entry.Count
			return nil
		}
		entry.Count = next
		data, err := msgpack.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal counter: %w", err)
		}
		admitted, count = true, next
		return b.Put(k, data)
	})
	if errors.Is(err, ErrCounterMissing) {
		return false, 0, err
	}
	if err != nil {
		return false, 0, apperr.Unavailable("try increment", err)
	}
	return admitted, count, nil
}

func (s *BboltStore) Inspect(_ context.Context, key CounterKey, now time.Time) (CounterEntry, bool, error) {
	var (
		entry CounterEntry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(s.counter).Get(encodeCounterKey(key))
		if raw == nil {
			return nil
		}
		if err := msgpack.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("unmarshal counter: %w", err)
		}
		found = !entry.ExpiresAt.Before(now)
		return nil
	})
	if err != nil {
		return CounterEntry{}, false, apperr.Unavailable("inspect", err)
	}
	if !found {
		return CounterEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *BboltStore) DeleteAll(_ context.Context, counterType, counterID string) (int, error) {
	prefix := counterPrefix(counterType, counterID)
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.counter).Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		b := tx.Bucket(s.counter)
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Unavailable("delete counters", err)
	}
	return removed, nil
}

func (s *BboltStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.counter)
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry CounterEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return nil // skip corrupt entries
			}
			if entry.ExpiresAt.Before(now) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Unavailable("sweep expired", err)
	}
	return pruned, nil
}

// ---- Rules ------------------------------------------------------------------

func ruleBucket(tx *bolt.Tx, tier string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(rulePrefix + tier))
	if b == nil {
		return nil, errUnknownTier(tier)
	}
	return b, nil
}

func (s *BboltStore) PutRule(rec RuleRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal RuleRecord: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := ruleBucket(tx, rec.Tier)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
	if err != nil {
		return apperr.Unavailable("put rule", err)
	}
	return nil
}

func (s *BboltStore) DeleteRule(tier, id string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := ruleBucket(tx, tier)
		if err != nil {
			return err
		}
		existed = b.Get([]byte(id)) != nil
		return b.Delete([]byte(id))
	})
	if err != nil {
		return false, apperr.Unavailable("delete rule", err)
	}
	return existed, nil
}

func (s *BboltStore) ListRules(tier string) ([]RuleRecord, error) {
	var result []RuleRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := ruleBucket(tx, tier)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var rec RuleRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal RuleRecord for %s: %w", k, err)
			}
			result = append(result, rec)
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Unavailable("list rules", err)
	}
	return result, nil
}

// ---- Disallowed hosts -------------------------------------------------------

func (s *BboltStore) PutHost(rec HostRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal HostRecord: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketHosts)).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return apperr.Unavailable("put host", err)
	}
	return nil
}

func (s *BboltStore) DeleteHost(id string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketHosts))
		existed = b.Get([]byte(id)) != nil
		return b.Delete([]byte(id))
	})
	if err != nil {
		return false, apperr.Unavailable("delete host", err)
	}
	return existed, nil
}

func (s *BboltStore) ListHosts() ([]HostRecord, error) {
	var result []HostRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketHosts)).ForEach(func(k, v []byte) error {
			var rec HostRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal HostRecord for %s: %w", k, err)
			}
			result = append(result, rec)
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Unavailable("list hosts", err)
	}
	return result, nil
}

// ---- Utility ----------------------------------------------------------------

func (s *BboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *BboltStore) Ping(_ context.Context) error {
	if err := s.db.View(func(*bolt.Tx) error { return nil }); err != nil {
		return apperr.Unavailable("ping", err)
	}
	return nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}
