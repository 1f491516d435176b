package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/authguard/internal/apperr"
	"github.com/redis/go-redis/v9"
)

// fetchOrCreateLua returns the live row or resets it.
// KEYS[1] = counter key, KEYS[2] = identity index set
// ARGV[1] = now (unix ms), ARGV[2] = expires-at (unix ms)
var fetchOrCreateLua = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'e')
if exp and tonumber(exp) >= tonumber(ARGV[1]) then
  return {tonumber(redis.call('HGET', KEYS[1], 'c')), tonumber(exp)}
end
redis.call('HSET', KEYS[1], 'c', 0, 'e', ARGV[2])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], KEYS[1])
return {0, tonumber(ARGV[2])}
`)

// tryIncrementLua commits count+delta iff it stays within the limit.
// KEYS[1] = counter key
// ARGV[1] = delta, ARGV[2] = limit
//
// Returns {1, new} when admitted, {0, current} when denied, {-1, 0} when the
// row is missing.
var tryIncrementLua = redis.NewScript(`
local c = redis.call('HGET', KEYS[1], 'c')
if not c then
  return {-1, 0}
end
local cur = tonumber(c)
local nxt = cur + tonumber(ARGV[1])
if nxt <= tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], 'c', nxt)
  return {1, nxt}
end
return {0, cur}
`)

// deleteAllLua removes every row listed in an identity index and the index.
// KEYS[1] = identity index set
var deleteAllLua = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, k in ipairs(members) do
  removed = removed + redis.call('DEL', k)
end
redis.call('DEL', KEYS[1])
return removed
`)

// sweepIndexLua drops expired rows of one identity and prunes index members
// whose rows Redis already evicted by TTL. Both count as pruned.
// KEYS[1] = identity index set
// ARGV[1] = now (unix ms)
var sweepIndexLua = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, k in ipairs(members) do
  local exp = redis.call('HGET', k, 'e')
  if not exp then
    redis.call('SREM', KEYS[1], k)
    removed = removed + 1
  elseif tonumber(exp) < tonumber(ARGV[1]) then
    redis.call('DEL', k)
    redis.call('SREM', KEYS[1], k)
    removed = removed + 1
  end
end
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return removed
`)

// RedisStore is a CounterStore shared by several nodes. Rows carry a native
// TTL equal to their expiry, so Redis evicts them even if no sweeper runs.
// The scripts touch keys derived from the index set, which requires all keys
// of one prefix to live on a single primary.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore whose keys start with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "authguard"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) counterKey(k CounterKey) string {
	return s.prefix + ":c:" + k.Type + ":" + k.ID + ":" +
		strconv.FormatInt(k.ScaleMs, 10) + ":" + strconv.FormatInt(k.Window, 10)
}

func (s *RedisStore) indexKey(counterType, counterID string) string {
	return s.prefix + ":i:" + counterType + ":" + counterID
}

func (s *RedisStore) FetchOrCreate(ctx context.Context, key CounterKey, now time.Time, ttl time.Duration) (CounterEntry, error) {
	expiresAt := now.Add(ttl)
	res, err := fetchOrCreateLua.Run(ctx, s.client,
		[]string{s.counterKey(key), s.indexKey(key.Type, key.ID)},
		now.UnixMilli(), expiresAt.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return CounterEntry{}, apperr.Unavailable("fetch or create", err)
	}
	if len(res) != 2 {
		return CounterEntry{}, apperr.Unavailable("fetch or create", fmt.Errorf("unexpected script reply %v", res))
	}
	return CounterEntry{Count: res[0], ExpiresAt: time.UnixMilli(res[1]).UTC()}, nil
}

func (s *RedisStore) TryIncrement(ctx context.Context, key CounterKey, delta, limit int64) (bool, int64, error) {
	res, err := tryIncrementLua.Run(ctx, s.client, []string{s.counterKey(key)}, delta, limit).Int64Slice()
	if err != nil {
		return false, 0, apperr.Unavailable("try increment", err)
	}
	if len(res) != 2 {
		return false, 0, apperr.Unavailable("try increment", fmt.Errorf("unexpected script reply %v", res))
	}
	switch res[0] {
	case -1:
		return false, 0, ErrCounterMissing
	case 1:
		return true, res[1], nil
	default:
		return false, res[1], nil
	}
}

func (s *RedisStore) Inspect(ctx context.Context, key CounterKey, now time.Time) (CounterEntry, bool, error) {
	vals, err := s.client.HMGet(ctx, s.counterKey(key), "c", "e").Result()
	if err != nil {
		return CounterEntry{}, false, apperr.Unavailable("inspect", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return CounterEntry{}, false, nil
	}
	count, err := parseRedisInt(vals[0])
	if err != nil {
		return CounterEntry{}, false, apperr.Unavailable("inspect", err)
	}
	expMs, err := parseRedisInt(vals[1])
	if err != nil {
		return CounterEntry{}, false, apperr.Unavailable("inspect", err)
	}
	if expMs < now.UnixMilli() {
		return CounterEntry{}, false, nil
	}
	return CounterEntry{Count: count, ExpiresAt: time.UnixMilli(expMs).UTC()}, true, nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, counterType, counterID string) (int, error) {
	removed, err := deleteAllLua.Run(ctx, s.client, []string{s.indexKey(counterType, counterID)}).Int64()
	if err != nil {
		return 0, apperr.Unavailable("delete counters", err)
	}
	return int(removed), nil
}

func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var pruned int
	iter := s.client.Scan(ctx, 0, s.prefix+":i:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := sweepIndexLua.Run(ctx, s.client, []string{iter.Val()}, now.UnixMilli()).Int64()
		if err != nil {
			return pruned, apperr.Unavailable("sweep expired", err)
		}
		pruned += int(n)
	}
	if err := iter.Err(); err != nil {
		return pruned, apperr.Unavailable("sweep expired", err)
	}
	return pruned, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperr.Unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseRedisInt(v interface{}) (int64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected redis value %T", v)
	}
	// Lua may hand back a float rendering such as "3" or "3.0".
	str = strings.TrimSuffix(str, ".0")
	return strconv.ParseInt(str, 10, 64)
}
