// Package quota implements domain.QuotaManager per spec.md §4.4: a
// per-minute fast path backed by a Redis Lua token bucket (adapted from the
// teacher's internal/service/ratelimiter/redis_lua_limiter.go) and a
// per-day persisted path backed by Postgres quota_counter/quota_usage_log
// rows, using the teacher's dual-write idiom (mirrorToPostgres/
// WarmFromPostgres) generalized from one bucket per API key to one bucket
// per (service, window).
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// PgxPool is the minimal pool surface this package depends on.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// BucketConfig is a token bucket's capacity and refill rate, derived from a
// per-minute limit the same way the teacher's NewBucketConfigFromPerMinute
// does.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64 // units per second
}

// FromPerMinute builds a BucketConfig whose capacity is the per-minute
// limit and whose refill rate spreads that limit evenly across 60 seconds.
func FromPerMinute(perMinute int64) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{Capacity: perMinute, RefillRate: float64(perMinute) / 60.0}
}

// ServiceLimits is the (window -> limit) pairs for one external service, for
// both its primary unit (tokens, or whatever Cost.Amount/Tokens represents)
// and its request-count unit.
type ServiceLimits struct {
	PerMinuteTokens   int64
	PerDayTokens      int64
	PerMinuteRequests int64
	PerDayRequests    int64
}

// Manager implements domain.QuotaManager.
type Manager struct {
	redis   *redis.Client
	pool    PgxPool
	script  *redis.Script
	mu      sync.RWMutex
	limits  map[string]ServiceLimits
}

// NewManager builds a Manager. redis may be nil, in which case the
// per-minute fast path fails open (always allows) the same way the
// teacher's RedisLuaLimiter.Allow does when its client is nil.
func NewManager(rdb *redis.Client, pool PgxPool, limits map[string]ServiceLimits) *Manager {
	if limits == nil {
		limits = map[string]ServiceLimits{}
	}
	return &Manager{
		redis:  rdb,
		pool:   pool,
		script: redis.NewScript(luaTokenBucketScript),
		limits: limits,
	}
}

// SetServiceLimits updates or creates a service's configured limits, the
// same dynamic-reconfiguration affordance as the teacher's SetBucketConfig.
func (m *Manager) SetServiceLimits(service string, limits ServiceLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[service] = limits
}

func (m *Manager) limitsFor(service string) ServiceLimits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits[service]
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local peek = ARGV[5] == "1"

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end
if last_refill == nil then
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  allowed = 1
  if not peek then
    tokens = tokens - cost
  end
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

if not peek then
  redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
  redis.call("EXPIRE", key, 172800)
end

return { allowed, tokens, last_refill, retry_after }
`

// bucketAllow consumes cost units from the named bucket's token bucket,
// failing open (allowed=true) if Redis is unreachable or unconfigured —
// matching the teacher's explicit trade: a hard Redis outage must not stall
// the whole pipeline, only the persisted per-day path remains authoritative.
func (m *Manager) bucketAllow(ctx context.Context, bucketKey string, cfg BucketConfig, cost int64, peek bool) (bool, time.Duration, error) {
	if m.redis == nil || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9

	peekArg := "0"
	if peek {
		peekArg = "1"
	}
	res, err := m.script.Run(ctx, m.redis, []string{"quota:" + bucketKey}, cfg.Capacity, cfg.RefillRate, nowSec, cost, peekArg).Result()
	if err != nil {
		slog.Error("quota redis script error", slog.String("key", bucketKey), slog.Any("error", err))
		return true, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("quota redis unexpected script result", slog.String("key", bucketKey), slog.Any("result", res))
		return true, 0, nil
	}
	allowed := toInt64(vals[0]) == 1
	retryAfterSec := toFloat64(vals[3])
	return allowed, time.Duration(retryAfterSec * float64(time.Second)), nil
}

// Check implements domain.QuotaManager.Check (§4.4): evaluates the
// per-minute fast path and the per-day persisted path for both the token
// and request units, denying if any would be exceeded and returning the
// earliest reset instant among the denying windows.
func (m *Manager) Check(ctx context.Context, service string, estimated domain.Cost) (domain.QuotaDecision, error) {
	return m.check(ctx, service, estimated, false)
}

// peekCapacity reports whether service currently has capacity without
// consuming any per-minute tokens, so the resume sweeper can poll
// QUOTA_EXCEEDED items without draining the bucket it's asking about.
func (m *Manager) peekCapacity(ctx context.Context, service string) (domain.QuotaDecision, error) {
	return m.check(ctx, service, domain.Cost{Tokens: 1, Requests: 1}, true)
}

func (m *Manager) check(ctx context.Context, service string, estimated domain.Cost, peek bool) (domain.QuotaDecision, error) {
	limits := m.limitsFor(service)
	tokenCost := estimated.Tokens
	if tokenCost <= 0 {
		tokenCost = int64(math.Max(estimated.Amount, 1))
	}

	var earliestDeny time.Time
	denied := false

	considerDeny := func(resetAt time.Time) {
		if !denied || resetAt.Before(earliestDeny) {
			earliestDeny = resetAt
		}
		denied = true
	}

	if limits.PerMinuteTokens > 0 {
		ok, retryAfter, err := m.bucketAllow(ctx, service+":tokens", FromPerMinute(limits.PerMinuteTokens), tokenCost, peek)
		if err != nil {
			return domain.QuotaDecision{}, fmt.Errorf("op=quota.check.minute_tokens: %w", err)
		}
		if !ok {
			considerDeny(time.Now().Add(retryAfter))
		}
	}
	if limits.PerMinuteRequests > 0 {
		ok, retryAfter, err := m.bucketAllow(ctx, service+":requests", FromPerMinute(limits.PerMinuteRequests), 1, peek)
		if err != nil {
			return domain.QuotaDecision{}, fmt.Errorf("op=quota.check.minute_requests: %w", err)
		}
		if !ok {
			considerDeny(time.Now().Add(retryAfter))
		}
	}

	if m.pool != nil {
		if limits.PerDayTokens > 0 {
			ok, resetAt, err := m.dailyHasCapacity(ctx, service, limits.PerDayTokens, tokenCost)
			if err != nil {
				return domain.QuotaDecision{}, fmt.Errorf("op=quota.check.day_tokens: %w", err)
			}
			if !ok {
				considerDeny(resetAt)
			}
		}
		if limits.PerDayRequests > 0 {
			ok, resetAt, err := m.dailyHasCapacity(ctx, service+".requests", limits.PerDayRequests, 1)
			if err != nil {
				return domain.QuotaDecision{}, fmt.Errorf("op=quota.check.day_requests: %w", err)
			}
			if !ok {
				considerDeny(resetAt)
			}
		}
	}

	if denied {
		return domain.QuotaDecision{Allowed: false, ResetAt: earliestDeny}, nil
	}
	return domain.QuotaDecision{Allowed: true}, nil
}

// dailyHasCapacity reads the current quota_counter row for (service, per_day),
// tumbling it to zero if the window has elapsed, and reports whether used+cost
// would stay within limit.
func (m *Manager) dailyHasCapacity(ctx context.Context, service string, limit, cost int64) (bool, time.Time, error) {
	used, windowStart, err := m.readDayCounter(ctx, service, limit)
	if err != nil {
		return false, time.Time{}, err
	}
	resetAt := windowStart.Add(24 * time.Hour)
	return used+cost <= limit, resetAt, nil
}

func (m *Manager) readDayCounter(ctx context.Context, service string, limit int64) (used int64, windowStart time.Time, err error) {
	row := m.pool.QueryRow(ctx, `
		SELECT used, window_start FROM quota_counter WHERE service = $1 AND window = $2`,
		service, domain.WindowPerDay,
	)
	err = row.Scan(&used, &windowStart)
	if err == pgx.ErrNoRows {
		return 0, dayStart(time.Now().UTC()), nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	if time.Now().UTC().After(windowStart.Add(24 * time.Hour)) {
		return 0, dayStart(time.Now().UTC()), nil
	}
	return used, windowStart, nil
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Record implements domain.QuotaManager.Record (§4.4): atomically increments
// the per-day counters (tumbling to zero first if the window elapsed) and
// appends a QuotaUsageLog row.
func (m *Manager) Record(ctx context.Context, service string, actual domain.Cost, workItemID string) error {
	if m.pool == nil {
		return nil
	}
	tokenCost := actual.Tokens
	if tokenCost <= 0 {
		tokenCost = int64(math.Max(actual.Amount, 0))
	}
	requestCost := actual.Requests
	if requestCost <= 0 {
		requestCost = 1
	}

	if err := m.upsertDayCounter(ctx, service, tokenCost); err != nil {
		return fmt.Errorf("op=quota.record.day_tokens: %w", err)
	}
	if err := m.upsertDayCounter(ctx, service+".requests", requestCost); err != nil {
		return fmt.Errorf("op=quota.record.day_requests: %w", err)
	}

	id := fmt.Sprintf("%s-%d", service, time.Now().UnixNano())
	_, err := m.pool.Exec(ctx, `
		INSERT INTO quota_usage_log (id, service, work_item_id, input_tokens, image_count, cost, at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		id, service, nullableString(workItemID), actual.Tokens, actual.Images, actual.Amount,
	)
	if err != nil {
		return fmt.Errorf("op=quota.record.usage_log: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (m *Manager) upsertDayCounter(ctx context.Context, service string, delta int64) error {
	windowStart := dayStart(time.Now().UTC())
	_, err := m.pool.Exec(ctx, `
		INSERT INTO quota_counter (service, window, "limit", used, window_start)
		VALUES ($1, $2, 0, $3, $4)
		ON CONFLICT (service, window) DO UPDATE SET
			used = CASE
				WHEN quota_counter.window_start + interval '24 hours' <= now()
					THEN $3
				ELSE quota_counter.used + $3
			END,
			window_start = CASE
				WHEN quota_counter.window_start + interval '24 hours' <= now()
					THEN $4
				ELSE quota_counter.window_start
			END`,
		service, domain.WindowPerDay, delta, windowStart,
	)
	return err
}

// ResetInstant implements domain.QuotaManager.ResetInstant (§4.4): the
// instant at which the first of any exceeded window resets, or the zero
// time when the service currently has capacity.
func (m *Manager) ResetInstant(ctx context.Context, service string) (time.Time, error) {
	decision, err := m.peekCapacity(ctx, service)
	if err != nil {
		return time.Time{}, err
	}
	if decision.Allowed {
		return time.Time{}, nil
	}
	return decision.ResetAt, nil
}

// HasCapacity implements domain.QuotaManager.HasCapacity, used by the resume
// sweeper to decide whether a QUOTA_EXCEEDED item may return to READY. It
// peeks rather than consumes: a sweeper tick must not itself spend the
// quota it's only checking on an item's behalf.
func (m *Manager) HasCapacity(ctx context.Context, service string) (bool, error) {
	decision, err := m.peekCapacity(ctx, service)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
