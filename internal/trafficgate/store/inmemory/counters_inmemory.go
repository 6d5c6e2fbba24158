// Package inmemory provides an in-memory counter store.
package inmemory

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"trafficgate/internal/trafficgate/core"
)

const recordShards = 64

// InMemoryCounters implements core.CounterStore in process memory. It is the
// default store for single-instance deployments and the test double for the
// distributed one; SetHealthy simulates store outages. Records are sharded
// by key hash so independent keys never contend on one lock.
type InMemoryCounters struct {
	shards  [recordShards]recordShard
	healthy atomic.Bool
}

type recordShard struct {
	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	tokens      float64
	last        time.Time
	dailyUsed   int64
	monthlyUsed int64
	dayStart    time.Time
	monthStart  time.Time
}

// NewInMemoryCounters constructs an empty store.
func NewInMemoryCounters() *InMemoryCounters {
	store := &InMemoryCounters{}
	for i := range store.shards {
		store.shards[i].records = make(map[string]*record)
	}
	store.healthy.Store(true)
	return store
}

func (s *InMemoryCounters) shardFor(key string) *recordShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%recordShards]
}

// Healthy reports store health.
func (s *InMemoryCounters) Healthy(_ context.Context) bool {
	if s == nil {
		return false
	}
	return s.healthy.Load()
}

// SetHealthy updates the health flag.
func (s *InMemoryCounters) SetHealthy(v bool) {
	if s == nil {
		return
	}
	s.healthy.Store(v)
}

// CheckAndConsume atomically evaluates the bucket and both window counters.
func (s *InMemoryCounters) CheckAndConsume(_ context.Context, key string, params core.QuotaParams, now time.Time) (*core.QuotaState, error) {
	if s == nil {
		return nil, errors.New("counter store is nil")
	}
	if !s.healthy.Load() {
		return nil, errors.New("counter store unhealthy")
	}
	if key == "" || params.RequestsPerMinute <= 0 {
		return nil, errors.New("invalid key or rate")
	}
	now = now.UTC()

	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	capacity := float64(params.BurstCapacity)
	if capacity < 1 {
		capacity = float64(params.RequestsPerMinute)
	}
	ratePerSec := float64(params.RequestsPerMinute) / 60.0

	rec := shard.records[key]
	if rec == nil {
		rec = &record{
			tokens:     capacity,
			last:       now,
			dayStart:   dayStart(now),
			monthStart: monthStart(now),
		}
		shard.records[key] = rec
	}
	rec.resetWindows(now)

	elapsed := now.Sub(rec.last).Seconds()
	if elapsed > 0 {
		rec.tokens = math.Min(capacity, rec.tokens+elapsed*ratePerSec)
	}
	rec.last = now

	bucketOK := rec.tokens >= 1
	dailyOK := params.DailyQuota <= 0 || rec.dailyUsed < params.DailyQuota
	monthlyOK := params.MonthlyQuota <= 0 || rec.monthlyUsed < params.MonthlyQuota
	allowed := bucketOK && dailyOK && monthlyOK

	dailyResetAt := rec.dayStart.AddDate(0, 0, 1)
	monthlyResetAt := rec.monthStart.AddDate(0, 1, 0)

	retryAfter := time.Duration(0)
	if !allowed {
		if !bucketOK && ratePerSec > 0 {
			retryAfter = time.Duration((1 - rec.tokens) / ratePerSec * float64(time.Second))
		}
		if !dailyOK {
			if wait := dailyResetAt.Sub(now); wait > retryAfter {
				retryAfter = wait
			}
		}
		if !monthlyOK {
			if wait := monthlyResetAt.Sub(now); wait > retryAfter {
				retryAfter = wait
			}
		}
	}

	if allowed {
		rec.tokens -= 1
		rec.dailyUsed++
		rec.monthlyUsed++
	}

	return &core.QuotaState{
		Allowed:        allowed,
		BucketTokens:   rec.tokens,
		DailyUsed:      rec.dailyUsed,
		MonthlyUsed:    rec.monthlyUsed,
		RetryAfter:     retryAfter,
		DailyResetAt:   dailyResetAt,
		MonthlyResetAt: monthlyResetAt,
	}, nil
}

// Usage returns current counters without consuming.
func (s *InMemoryCounters) Usage(_ context.Context, key string, now time.Time) (*core.UsageSnapshot, error) {
	if s == nil {
		return nil, errors.New("counter store is nil")
	}
	if !s.healthy.Load() {
		return nil, errors.New("counter store unhealthy")
	}
	now = now.UTC()

	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec := shard.records[key]
	if rec == nil {
		return &core.UsageSnapshot{
			DailyResetAt:   dayStart(now).AddDate(0, 0, 1),
			MonthlyResetAt: monthStart(now).AddDate(0, 1, 0),
		}, nil
	}
	rec.resetWindows(now)
	return &core.UsageSnapshot{
		DailyUsed:      rec.dailyUsed,
		MonthlyUsed:    rec.monthlyUsed,
		BucketTokens:   rec.tokens,
		DailyResetAt:   rec.dayStart.AddDate(0, 0, 1),
		MonthlyResetAt: rec.monthStart.AddDate(0, 1, 0),
	}, nil
}

// resetWindows applies lazy UTC window resets. The reset is the only
// decrement counters ever see.
func (r *record) resetWindows(now time.Time) {
	if day := dayStart(now); !day.Equal(r.dayStart) {
		r.dayStart = day
		r.dailyUsed = 0
	}
	if month := monthStart(now); !month.Equal(r.monthStart) {
		r.monthStart = month
		r.monthlyUsed = 0
	}
}

func dayStart(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func monthStart(now time.Time) time.Time {
	year, month, _ := now.Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}
