package storage

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 64

type memoryShard struct {
	mu   sync.Mutex
	rows map[CounterKey]CounterEntry
}

// MemoryStore is a single-process CounterStore and RuleStore. Counter rows are
// sharded by (type, id) so every window of one identity lives in one shard:
// conflicting updates serialize on the shard lock while distinct identities
// proceed in parallel.
type MemoryStore struct {
	shards [memoryShards]memoryShard

	rulesMu sync.RWMutex
	rules   map[string]map[string]RuleRecord
	hosts   map[string]HostRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		rules: make(map[string]map[string]RuleRecord, len(Tiers)),
		hosts: make(map[string]HostRecord),
	}
	for i := range s.shards {
		s.shards[i].rows = make(map[CounterKey]CounterEntry)
	}
	for _, tier := range Tiers {
		s.rules[tier] = make(map[string]RuleRecord)
	}
	return s
}

func (s *MemoryStore) shard(counterType, counterID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(counterType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(counterID))
	return &s.shards[h.Sum32()%memoryShards]
}

// ---- Counters ---------------------------------------------------------------

func (s *MemoryStore) FetchOrCreate(_ context.Context, key CounterKey, now time.Time, ttl time.Duration) (CounterEntry, error) {
	sh := s.shard(key.Type, key.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if entry, ok := sh.rows[key]; ok && !entry.ExpiresAt.Before(now) {
		return entry, nil
	}
	entry := CounterEntry{Count: 0, ExpiresAt: now.Add(ttl).UTC()}
	sh.rows[key] = entry
	return entry, nil
}

func (s *MemoryStore) TryIncrement(_ context.Context, key CounterKey, delta, limit int64) (bool, int64, error) {
	sh := s.shard(key.Type, key.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.rows[key]
	if !ok {
		return false, 0, ErrCounterMissing
	}
	next := entry.Count + delta
	if next > limit {
		return false, entry.Count, nil
	}
	entry.Count = next
	sh.rows[key] = entry
	return true, next, nil
}

func (s *MemoryStore) Inspect(_ context.Context, key CounterKey, now time.Time) (CounterEntry, bool, error) {
	sh := s.shard(key.Type, key.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.rows[key]
	if !ok || entry.ExpiresAt.Before(now) {
		return CounterEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *MemoryStore) DeleteAll(_ context.Context, counterType, counterID string) (int, error) {
	sh := s.shard(counterType, counterID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var removed int
	for k := range sh.rows {
		if k.Type == counterType && k.ID == counterID {
			delete(sh.rows, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	var pruned int
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, entry := range sh.rows {
			if entry.ExpiresAt.Before(now) {
				delete(sh.rows, k)
				pruned++
			}
		}
		sh.mu.Unlock()
	}
	return pruned, nil
}

// ---- Rules ------------------------------------------------------------------

func (s *MemoryStore) PutRule(rec RuleRecord) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	tier, ok := s.rules[rec.Tier]
	if !ok {
		return errUnknownTier(rec.Tier)
	}
	tier[rec.ID] = rec
	return nil
}

func (s *MemoryStore) DeleteRule(tierName, id string) (bool, error) {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	tier, ok := s.rules[tierName]
	if !ok {
		return false, errUnknownTier(tierName)
	}
	_, existed := tier[id]
	delete(tier, id)
	return existed, nil
}

func (s *MemoryStore) ListRules(tierName string) ([]RuleRecord, error) {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	tier, ok := s.rules[tierName]
	if !ok {
		return nil, errUnknownTier(tierName)
	}
	result := make([]RuleRecord, 0, len(tier))
	for _, rec := range tier {
		result = append(result, rec)
	}
	return result, nil
}

func (s *MemoryStore) PutHost(rec HostRecord) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	s.hosts[rec.ID] = rec
	return nil
}

func (s *MemoryStore) DeleteHost(id string) (bool, error) {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	_, existed := s.hosts[id]
	delete(s.hosts, id)
	return existed, nil
}

func (s *MemoryStore) ListHosts() ([]HostRecord, error) {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	result := make([]HostRecord, 0, len(s.hosts))
	for _, rec := range s.hosts {
		result = append(result, rec)
	}
	return result, nil
}

// ---- Utility ----------------------------------------------------------------

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
