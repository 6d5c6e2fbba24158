// Package core provides the quota ledger.
package core

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"trafficgate/internal/trafficgate/observability"
)

const quotaLockShards = 64

// QuotaLedger applies tiered quota checks per user and endpoint. Counter
// state lives behind the CounterStore port; tier assignments, grace periods,
// and endpoint overrides are operator-managed in-memory state.
type QuotaLedger struct {
	store    CounterStore
	fallback *LocalLedger
	logger   observability.Logger
	metrics  observability.Metrics

	locks [quotaLockShards]sync.Mutex

	mu        sync.RWMutex
	table     map[Tier]TierLimits
	userTiers map[string]Tier
	grace     map[string]GracePeriod
	overrides map[string]EndpointLimit

	now func() time.Time
}

// NewQuotaLedger constructs a quota ledger.
func NewQuotaLedger(store CounterStore, fallback *LocalLedger, table map[Tier]TierLimits, logger observability.Logger, metrics observability.Metrics) *QuotaLedger {
	if fallback == nil {
		fallback = NewLocalLedger(0)
	}
	if table == nil {
		table = DefaultTierTable()
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &QuotaLedger{
		store:     store,
		fallback:  fallback,
		logger:    logger,
		metrics:   metrics,
		table:     table,
		userTiers: make(map[string]Tier),
		grace:     make(map[string]GracePeriod),
		overrides: make(map[string]EndpointLimit),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the ledger clock for tests.
func (q *QuotaLedger) SetClock(now func() time.Time) {
	if q == nil || now == nil {
		return
	}
	q.now = now
}

// CheckAndConsume evaluates and, if allowed, consumes quota for one request.
// A denial mutates nothing.
func (q *QuotaLedger) CheckAndConsume(ctx context.Context, userID, endpoint, method string) (*RateLimitResult, error) {
	if q == nil {
		return nil, ErrInvalidInput
	}
	if userID == "" || endpoint == "" {
		return nil, ErrInvalidInput
	}
	now := q.now()
	tier, limits := q.resolveTier(userID)

	if limits.Unlimited() {
		result := q.allowedResult(tier, nil, limits)
		q.recordDecision(result, tier)
		return result, nil
	}

	if q.graceActive(userID, now) {
		result := q.allowedResult(tier, nil, limits)
		result.Metadata["grace_period"] = "true"
		q.recordDecision(result, tier)
		return result, nil
	}

	params := q.effectiveParams(limits, endpoint)
	key := quotaKey(userID, endpoint)

	shard := &q.locks[shardIndex(userID)]
	shard.Lock()
	defer shard.Unlock()

	state, err := q.store.CheckAndConsume(ctx, key, params, now)
	if err != nil {
		result := q.degradedCheck(key, params, tier, now)
		q.recordDecision(result, tier)
		return result, nil
	}

	result := q.resultFromState(tier, params, state)
	q.recordDecision(result, tier)
	return result, nil
}

// Usage reports the user's current counters for an endpoint.
func (q *QuotaLedger) Usage(ctx context.Context, userID, endpoint string) (*UsageSnapshot, error) {
	if q == nil || q.store == nil {
		return nil, ErrInvalidInput
	}
	if userID == "" || endpoint == "" {
		return nil, ErrInvalidInput
	}
	return q.store.Usage(ctx, quotaKey(userID, endpoint), q.now())
}

// SetTier assigns a tier to a user. Takes effect on the next check.
func (q *QuotaLedger) SetTier(userID string, tier Tier) error {
	if q == nil || userID == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.table[tier]; !ok {
		return Wrap(CodeInvalidInput, "unknown tier: "+string(tier), nil)
	}
	q.userTiers[userID] = tier
	return nil
}

// TierOf returns the tier currently assigned to a user.
func (q *QuotaLedger) TierOf(userID string) Tier {
	if q == nil {
		return TierFree
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if tier, ok := q.userTiers[userID]; ok {
		return tier
	}
	return TierFree
}

// SetEndpointLimit installs a custom per-minute limit for an endpoint.
func (q *QuotaLedger) SetEndpointLimit(limit EndpointLimit) error {
	if q == nil {
		return ErrInvalidInput
	}
	if limit.Endpoint == "" || limit.RequestsPerMinute <= 0 {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.overrides[limit.Endpoint] = limit
	return nil
}

// ClearEndpointLimit removes a custom endpoint limit.
func (q *QuotaLedger) ClearEndpointLimit(endpoint string) {
	if q == nil || endpoint == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.overrides, endpoint)
}

// ActivateGrace suspends enforcement for a user until now+duration.
func (q *QuotaLedger) ActivateGrace(userID string, duration time.Duration) error {
	if q == nil || userID == "" || duration <= 0 {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.grace[userID] = GracePeriod{UserID: userID, ExpiresAt: q.now().Add(duration)}
	return nil
}

// DeactivateGrace ends a user's grace period immediately.
func (q *QuotaLedger) DeactivateGrace(userID string) {
	if q == nil || userID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.grace, userID)
}

func (q *QuotaLedger) resolveTier(userID string) (Tier, TierLimits) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	tier, ok := q.userTiers[userID]
	if !ok {
		tier = TierFree
	}
	limits, ok := q.table[tier]
	if !ok {
		limits = q.table[TierFree]
	}
	return tier, limits
}

func (q *QuotaLedger) graceActive(userID string, now time.Time) bool {
	q.mu.RLock()
	period, ok := q.grace[userID]
	q.mu.RUnlock()
	if !ok {
		return false
	}
	if period.Active(now) {
		return true
	}
	// Expired entries are dropped lazily on the next check.
	q.mu.Lock()
	if current, ok := q.grace[userID]; ok && !current.Active(now) {
		delete(q.grace, userID)
	}
	q.mu.Unlock()
	return false
}

func (q *QuotaLedger) effectiveParams(limits TierLimits, endpoint string) QuotaParams {
	params := QuotaParams{
		RequestsPerMinute: limits.RequestsPerMinute,
		BurstCapacity:     limits.BurstCapacity,
		DailyQuota:        limits.DailyQuota,
		MonthlyQuota:      limits.MonthlyQuota,
	}
	q.mu.RLock()
	override, ok := q.overrides[endpoint]
	q.mu.RUnlock()
	if ok {
		params.RequestsPerMinute = override.RequestsPerMinute
		if override.BurstCapacity > 0 {
			params.BurstCapacity = override.BurstCapacity
		} else {
			params.BurstCapacity = override.RequestsPerMinute
		}
	}
	if params.BurstCapacity < 1 {
		params.BurstCapacity = params.RequestsPerMinute
	}
	return params
}

func (q *QuotaLedger) degradedCheck(key string, params QuotaParams, tier Tier, now time.Time) *RateLimitResult {
	if q.metrics != nil {
		q.metrics.IncStoreError("check_and_consume")
	}
	q.logger.Warn("counter store unreachable, enforcing locally", map[string]any{
		"key":  key,
		"tier": string(tier),
	})
	allowed, retryAfter := q.fallback.Allow(key, params, now)
	result := &RateLimitResult{
		Tier:      tier,
		Limit:     params.RequestsPerMinute,
		Remaining: -1,
		Metadata:  map[string]string{"degraded": "true"},
	}
	if allowed {
		result.Decision = DecisionAllowed
	} else {
		result.Decision = DecisionDenied
		result.RetryAfter = retryAfter
	}
	return result
}

func (q *QuotaLedger) resultFromState(tier Tier, params QuotaParams, state *QuotaState) *RateLimitResult {
	if state == nil {
		return &RateLimitResult{Decision: DecisionDenied, Tier: tier, Metadata: map[string]string{}}
	}
	remaining := int64(state.BucketTokens)
	if params.DailyQuota > 0 {
		dailyLeft := params.DailyQuota - state.DailyUsed
		if dailyLeft < remaining {
			remaining = dailyLeft
		}
	}
	if params.MonthlyQuota > 0 {
		monthlyLeft := params.MonthlyQuota - state.MonthlyUsed
		if monthlyLeft < remaining {
			remaining = monthlyLeft
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	result := &RateLimitResult{
		Tier:         tier,
		CurrentUsage: state.DailyUsed,
		Limit:        params.DailyQuota,
		Remaining:    remaining,
		Metadata: map[string]string{
			"daily_reset":   state.DailyResetAt.Format(time.RFC3339),
			"monthly_reset": state.MonthlyResetAt.Format(time.RFC3339),
		},
	}
	if state.Allowed {
		result.Decision = DecisionAllowed
	} else {
		result.Decision = DecisionDenied
		result.RetryAfter = state.RetryAfter
	}
	return result
}

func (q *QuotaLedger) allowedResult(tier Tier, state *QuotaState, limits TierLimits) *RateLimitResult {
	result := &RateLimitResult{
		Decision:  DecisionAllowed,
		Tier:      tier,
		Limit:     limits.DailyQuota,
		Remaining: -1,
		Metadata:  map[string]string{},
	}
	if state != nil {
		result.CurrentUsage = state.DailyUsed
	}
	return result
}

func (q *QuotaLedger) recordDecision(result *RateLimitResult, tier Tier) {
	if q.metrics == nil || result == nil {
		return
	}
	label := "denied"
	if result.Decision == DecisionAllowed {
		label = "allowed"
	}
	if result.Metadata["degraded"] == "true" {
		label += "_degraded"
	}
	q.metrics.IncQuotaDecision(label, string(tier))
}

func quotaKey(userID, endpoint string) string {
	return userID + "\x1f" + endpoint
}

func shardIndex(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % quotaLockShards)
}

// RetryAfterSeconds renders a retry-after duration as whole seconds, rounding
// up so callers never retry early.
func RetryAfterSeconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	seconds := int64((d + time.Second - 1) / time.Second)
	return strconv.FormatInt(seconds, 10)
}
