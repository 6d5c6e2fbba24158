// Package core defines the quota counter store port.
package core

import (
	"context"
	"time"
)

// QuotaParams carries the effective limits for one quota evaluation.
type QuotaParams struct {
	RequestsPerMinute int64
	BurstCapacity     int64
	DailyQuota        int64
	MonthlyQuota      int64
}

// QuotaState reports the outcome of a store-side quota evaluation.
type QuotaState struct {
	Allowed        bool
	BucketTokens   float64
	DailyUsed      int64
	MonthlyUsed    int64
	RetryAfter     time.Duration
	DailyResetAt   time.Time
	MonthlyResetAt time.Time
}

// UsageSnapshot reports current counters without consuming.
type UsageSnapshot struct {
	DailyUsed      int64
	MonthlyUsed    int64
	BucketTokens   float64
	DailyResetAt   time.Time
	MonthlyResetAt time.Time
}

// CounterStore holds per-key quota state. The evaluation of a key is atomic
// inside the store: the bucket, daily counter, and monthly counter are checked
// and consumed as one unit, and a denial mutates nothing.
type CounterStore interface {
	Healthy(ctx context.Context) bool
	CheckAndConsume(ctx context.Context, key string, params QuotaParams, now time.Time) (*QuotaState, error)
	Usage(ctx context.Context, key string, now time.Time) (*UsageSnapshot, error)
}
