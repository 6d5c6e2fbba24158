package core_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trafficgate/internal/trafficgate/core"
	"trafficgate/internal/trafficgate/observability"
	"trafficgate/internal/trafficgate/store/inmemory"
)

func newTestLedger(t *testing.T, table map[core.Tier]core.TierLimits) (*core.QuotaLedger, *inmemory.InMemoryCounters, *fakeClock, *observability.InMemoryMetrics) {
	t.Helper()
	store := inmemory.NewInMemoryCounters()
	metrics := observability.NewInMemoryMetrics()
	ledger := core.NewQuotaLedger(store, nil, table, nil, metrics)
	clock := newFakeClock()
	ledger.SetClock(clock.Now)
	return ledger, store, clock, metrics
}

func TestQuotaLedger_FreeTierBurstExhaustion(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := ledger.CheckAndConsume(ctx, "user-1", "/search", "GET")
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if !result.Allowed() {
			t.Fatalf("expected call %d within burst to be allowed", i)
		}
	}

	result, err := ledger.CheckAndConsume(ctx, "user-1", "/search", "GET")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.Allowed() {
		t.Fatalf("expected denial past burst capacity")
	}
	if result.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", result.RetryAfter)
	}

	// The denial must not consume anything.
	usage, err := ledger.Usage(ctx, "user-1", "/search")
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	if usage.DailyUsed != 10 {
		t.Fatalf("expected 10 consumed after denial, got %d", usage.DailyUsed)
	}
}

func TestQuotaLedger_ConcurrentNoOverAdmission(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, nil)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := ledger.CheckAndConsume(ctx, "user-2", "/items", "GET")
			if err == nil && result.Allowed() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Fatalf("expected exactly 10 admissions at burst 10, got %d", got)
	}
}

func TestQuotaLedger_DailyQuotaAndLazyReset(t *testing.T) {
	t.Parallel()

	table := core.DefaultTierTable()
	limits := table[core.TierFree]
	limits.DailyQuota = 3
	table[core.TierFree] = limits

	ledger, _, clock, _ := newTestLedger(t, table)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := ledger.CheckAndConsume(ctx, "user-3", "/a", "GET")
		if err != nil || !result.Allowed() {
			t.Fatalf("expected call %d allowed: %v", i, err)
		}
		clock.Advance(10 * time.Second)
	}

	result, err := ledger.CheckAndConsume(ctx, "user-3", "/a", "GET")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.Allowed() {
		t.Fatalf("expected denial at daily quota")
	}
	midnight := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	wantRetry := midnight.Sub(clock.Now())
	if result.RetryAfter != wantRetry {
		t.Fatalf("expected retry-after until UTC midnight (%v), got %v", wantRetry, result.RetryAfter)
	}

	// The window resets lazily on the next check after midnight.
	clock.Advance(13 * time.Hour)
	result, err = ledger.CheckAndConsume(ctx, "user-3", "/a", "GET")
	if err != nil || !result.Allowed() {
		t.Fatalf("expected admission after daily reset: %v", err)
	}
	if result.CurrentUsage != 1 {
		t.Fatalf("expected fresh daily counter, got %d", result.CurrentUsage)
	}
}

func TestQuotaLedger_GracePeriodOverridesDenial(t *testing.T) {
	t.Parallel()

	ledger, _, clock, _ := newTestLedger(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := ledger.CheckAndConsume(ctx, "user-4", "/g", "GET"); err != nil {
			t.Fatalf("check failed: %v", err)
		}
	}
	result, _ := ledger.CheckAndConsume(ctx, "user-4", "/g", "GET")
	if result.Allowed() {
		t.Fatalf("expected denial before grace")
	}

	if err := ledger.ActivateGrace("user-4", time.Minute); err != nil {
		t.Fatalf("activate grace failed: %v", err)
	}
	result, _ = ledger.CheckAndConsume(ctx, "user-4", "/g", "GET")
	if !result.Allowed() {
		t.Fatalf("expected admission during grace")
	}
	if result.Metadata["grace_period"] != "true" {
		t.Fatalf("expected grace metadata, got %v", result.Metadata)
	}

	clock.Advance(2 * time.Minute)
	result, _ = ledger.CheckAndConsume(ctx, "user-4", "/g", "GET")
	if result.Metadata["grace_period"] == "true" {
		t.Fatalf("expected grace to expire")
	}
}

func TestQuotaLedger_EndpointOverride(t *testing.T) {
	t.Parallel()

	ledger, _, clock, _ := newTestLedger(t, nil)
	ctx := context.Background()

	if err := ledger.SetEndpointLimit(core.EndpointLimit{
		Endpoint:          "/expensive",
		RequestsPerMinute: 2,
		BurstCapacity:     2,
	}); err != nil {
		t.Fatalf("set endpoint limit failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		result, err := ledger.CheckAndConsume(ctx, "user-5", "/expensive", "POST")
		if err != nil || !result.Allowed() {
			t.Fatalf("expected call %d under override allowed: %v", i, err)
		}
	}
	result, _ := ledger.CheckAndConsume(ctx, "user-5", "/expensive", "POST")
	if result.Allowed() {
		t.Fatalf("expected denial under endpoint override")
	}

	// Other endpoints keep the tier limit.
	result, err := ledger.CheckAndConsume(ctx, "user-5", "/cheap", "GET")
	if err != nil || !result.Allowed() {
		t.Fatalf("expected other endpoint unaffected: %v", err)
	}

	ledger.ClearEndpointLimit("/expensive")
	clock.Advance(time.Minute)
	result, _ = ledger.CheckAndConsume(ctx, "user-5", "/expensive", "POST")
	if !result.Allowed() {
		t.Fatalf("expected tier limit to apply after clearing override")
	}
}

func TestQuotaLedger_TierAssignment(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, nil)

	if got := ledger.TierOf("user-6"); got != core.TierFree {
		t.Fatalf("expected default FREE tier, got %v", got)
	}
	if err := ledger.SetTier("user-6", core.TierPremium); err != nil {
		t.Fatalf("set tier failed: %v", err)
	}
	if got := ledger.TierOf("user-6"); got != core.TierPremium {
		t.Fatalf("expected PREMIUM, got %v", got)
	}
	if err := ledger.SetTier("user-6", core.Tier("GOLD")); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}

func TestQuotaLedger_UnlimitedTier(t *testing.T) {
	t.Parallel()

	ledger, _, _, _ := newTestLedger(t, nil)
	ctx := context.Background()

	if err := ledger.SetTier("user-7", core.TierUnlimited); err != nil {
		t.Fatalf("set tier failed: %v", err)
	}
	for i := 0; i < 200; i++ {
		result, err := ledger.CheckAndConsume(ctx, "user-7", "/any", "GET")
		if err != nil || !result.Allowed() {
			t.Fatalf("expected unlimited admission on call %d: %v", i, err)
		}
	}
}

func TestQuotaLedger_DegradedLocalEnforcement(t *testing.T) {
	t.Parallel()

	ledger, store, _, metrics := newTestLedger(t, nil)
	ctx := context.Background()

	store.SetHealthy(false)

	result, err := ledger.CheckAndConsume(ctx, "user-8", "/d", "GET")
	if err != nil {
		t.Fatalf("degraded check must not error: %v", err)
	}
	if !result.Allowed() {
		t.Fatalf("expected local admission while degraded")
	}
	if result.Metadata["degraded"] != "true" {
		t.Fatalf("expected degraded metadata, got %v", result.Metadata)
	}
	if metrics.Count("quota|allowed_degraded|FREE") == 0 {
		t.Fatalf("expected degraded decision metric")
	}

	// Local enforcement still caps the burst.
	denied := false
	for i := 0; i < 30; i++ {
		result, _ = ledger.CheckAndConsume(ctx, "user-8", "/d", "GET")
		if !result.Allowed() {
			denied = true
			break
		}
	}
	if !denied {
		t.Fatalf("expected local limiter to deny past burst")
	}

	// Recovery resumes store-backed enforcement.
	store.SetHealthy(true)
	result, err = ledger.CheckAndConsume(ctx, "user-8", "/d", "GET")
	if err != nil {
		t.Fatalf("check failed after recovery: %v", err)
	}
	if result.Metadata["degraded"] == "true" {
		t.Fatalf("expected normal enforcement after recovery")
	}
}
