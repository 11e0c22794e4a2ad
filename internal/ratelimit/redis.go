package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "ratelimit:agency:"
	redisIndexKey  = "ratelimit:agencies"
)

// rateLimitScript applies the reset rule and one operation to an agency hash atomically.
var rateLimitScript = redis.NewScript(`
-- KEYS[1] = agency hash
-- ARGV[1] = mode: check | peek | release
-- ARGV[2] = now (unix ms)
-- ARGV[3] = next hourly reset (unix ms)
-- ARGV[4] = next daily reset (unix ms)
-- ARGV[5], ARGV[6] = release only: hourly and daily windows the reservation was charged against
--
-- Returns false when the agency is unknown, else
-- {allowed, hourly, daily, per_hour, per_day, throttled, hourly_reset, daily_reset, reset}
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end

local v = redis.call('HMGET', KEYS[1], 'per_hour', 'per_day', 'hourly', 'daily', 'hourly_reset', 'daily_reset')
local ph, pd = tonumber(v[1]), tonumber(v[2])
local h, d = tonumber(v[3]), tonumber(v[4])
local hr, dr = tonumber(v[5]), tonumber(v[6])
local now = tonumber(ARGV[2])
local mode = ARGV[1]

local reset = 0
if now >= hr then
  h = 0
  hr = tonumber(ARGV[3])
  reset = 1
end
if now >= dr then
  d = 0
  dr = tonumber(ARGV[4])
  reset = 1
end

local allowed = 0
local throttled = 0
if mode == 'check' then
  if h < ph and d < pd then
    h = h + 1
    d = d + 1
    allowed = 1
  else
    throttled = 1
  end
elseif mode == 'release' then
  if hr == tonumber(ARGV[5]) then
    h = math.max(h - 1, 0)
  end
  if dr == tonumber(ARGV[6]) then
    d = math.max(d - 1, 0)
  end
  if not (h < ph and d < pd) then
    throttled = 1
  end
else
  if not (h < ph and d < pd) then
    throttled = 1
  end
end

redis.call('HSET', KEYS[1],
  'hourly', h, 'daily', d, 'hourly_reset', hr, 'daily_reset', dr,
  'throttled', throttled, 'updated_at', now)
return {allowed, h, d, ph, pd, throttled, hr, dr, reset}
`)

var ensureScript = redis.NewScript(`
-- KEYS[1] = agency hash, KEYS[2] = agency index set
-- ARGV = per_hour, per_day, hourly_reset, daily_reset, now, agency_id
redis.call('SADD', KEYS[2], ARGV[6])
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'per_hour', ARGV[1], 'per_day', ARGV[2], 'hourly', 0, 'daily', 0,
  'hourly_reset', ARGV[3], 'daily_reset', ARGV[4], 'throttled', 0, 'updated_at', ARGV[5])
return 1
`)

// RedisStore keeps one hash per agency and relies on Lua for per-agency atomicity.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, agencyID string, now time.Time) (Decision, error) {
	l, allowed, _, err := s.run(ctx, "check", agencyID, now)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: allowed, Limit: l}, nil
}

func (s *RedisStore) Peek(ctx context.Context, agencyID string, now time.Time) (AgencyRateLimit, error) {
	l, _, _, err := s.run(ctx, "peek", agencyID, now)
	return l, err
}

func (s *RedisStore) Release(ctx context.Context, r Reservation, now time.Time) error {
	_, _, _, err := s.run(ctx, "release", r.AgencyID, now, r.HourlyResetAt.UnixMilli(), r.DailyResetAt.UnixMilli())
	return err
}

func (s *RedisStore) ResetExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.rdb.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		_, _, reset, err := s.run(ctx, "peek", id, now)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("reset %s: %w", id, err)
		}
		if reset {
			n++
		}
	}
	return n, nil
}

func (s *RedisStore) Ensure(ctx context.Context, agencyID string, perHour, perDay int, now time.Time) (AgencyRateLimit, error) {
	if agencyID == "" {
		return AgencyRateLimit{}, ErrInvalidArgument
	}
	keys := []string{redisKeyPrefix + agencyID, redisIndexKey}
	if err := ensureScript.Run(ctx, s.rdb, keys,
		perHour,
		perDay,
		NextHourlyReset(now).UnixMilli(),
		NextDailyReset(now).UnixMilli(),
		now.UnixMilli(),
		agencyID,
	).Err(); err != nil {
		return AgencyRateLimit{}, err
	}
	return s.Peek(ctx, agencyID, now)
}

func (s *RedisStore) SetCaps(ctx context.Context, agencyID string, perHour, perDay int, now time.Time) (AgencyRateLimit, error) {
	if _, err := s.Ensure(ctx, agencyID, perHour, perDay, now); err != nil {
		return AgencyRateLimit{}, err
	}
	if err := s.rdb.HSet(ctx, redisKeyPrefix+agencyID, "per_hour", perHour, "per_day", perDay).Err(); err != nil {
		return AgencyRateLimit{}, err
	}
	return s.Peek(ctx, agencyID, now)
}

func (s *RedisStore) run(ctx context.Context, mode, agencyID string, now time.Time, extra ...any) (AgencyRateLimit, bool, bool, error) {
	args := append([]any{mode, now.UnixMilli(), NextHourlyReset(now).UnixMilli(), NextDailyReset(now).UnixMilli()}, extra...)
	vals, err := rateLimitScript.Run(ctx, s.rdb, []string{redisKeyPrefix + agencyID}, args...).Int64Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return AgencyRateLimit{}, false, false, ErrNotFound
		}
		return AgencyRateLimit{}, false, false, err
	}
	return decodeScriptResult(agencyID, vals, now)
}

func decodeScriptResult(agencyID string, vals []int64, now time.Time) (AgencyRateLimit, bool, bool, error) {
	if len(vals) != 9 {
		return AgencyRateLimit{}, false, false, fmt.Errorf("unexpected rate limit script reply length %d", len(vals))
	}
	l := AgencyRateLimit{
		AgencyID:      agencyID,
		HourlyCount:   int(vals[1]),
		DailyCount:    int(vals[2]),
		AlertsPerHour: int(vals[3]),
		AlertsPerDay:  int(vals[4]),
		Throttled:     vals[5] == 1,
		HourlyResetAt: time.UnixMilli(vals[6]).UTC(),
		DailyResetAt:  time.UnixMilli(vals[7]).UTC(),
		UpdatedAt:     now.UTC(),
	}
	return l, vals[0] == 1, vals[8] == 1, nil
}
