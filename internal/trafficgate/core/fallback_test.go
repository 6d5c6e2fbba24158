package core_test

import (
	"fmt"
	"testing"
	"time"

	"trafficgate/internal/trafficgate/core"
)

func TestLocalLedger_EnforcesBurst(t *testing.T) {
	t.Parallel()

	ledger := core.NewLocalLedger(0)
	params := core.QuotaParams{RequestsPerMinute: 60, BurstCapacity: 3}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		allowed, _ := ledger.Allow("k", params, now)
		if !allowed {
			t.Fatalf("expected call %d within burst", i)
		}
	}

	allowed, retryAfter := ledger.Allow("k", params, now)
	if allowed {
		t.Fatalf("expected denial past burst")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", retryAfter)
	}

	// A denial must not consume; waiting out the delay admits again.
	allowed, _ = ledger.Allow("k", params, now.Add(retryAfter))
	if !allowed {
		t.Fatalf("expected admission after waiting out retry-after")
	}
}

func TestLocalLedger_IndependentKeys(t *testing.T) {
	t.Parallel()

	ledger := core.NewLocalLedger(0)
	params := core.QuotaParams{RequestsPerMinute: 60, BurstCapacity: 1}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if allowed, _ := ledger.Allow("a", params, now); !allowed {
		t.Fatalf("expected first key admitted")
	}
	if allowed, _ := ledger.Allow("b", params, now); !allowed {
		t.Fatalf("expected second key unaffected")
	}
	if allowed, _ := ledger.Allow("a", params, now); allowed {
		t.Fatalf("expected first key exhausted")
	}
}

func TestLocalLedger_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	ledger := core.NewLocalLedger(2)
	params := core.QuotaParams{RequestsPerMinute: 1, BurstCapacity: 1}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if allowed, _ := ledger.Allow("a", params, now); !allowed {
		t.Fatalf("expected first use of a admitted")
	}
	if allowed, _ := ledger.Allow("b", params, now); !allowed {
		t.Fatalf("expected first use of b admitted")
	}
	// Touch a again so b becomes the stalest key.
	if allowed, _ := ledger.Allow("a", params, now); allowed {
		t.Fatalf("expected a exhausted on second use")
	}

	if allowed, _ := ledger.Allow("c", params, now); !allowed {
		t.Fatalf("expected c admitted, evicting b")
	}
	if got := ledger.Len(); got != 2 {
		t.Fatalf("expected capacity held at 2 keys, got %d", got)
	}

	// b was evicted so it starts over with a full burst; a kept its state.
	if allowed, _ := ledger.Allow("b", params, now); !allowed {
		t.Fatalf("expected evicted key to start fresh")
	}
	if allowed, _ := ledger.Allow("a", params, now); allowed {
		t.Fatalf("expected surviving key to keep its consumed state")
	}
}

func TestLocalLedger_EvictsBeyondCapacity(t *testing.T) {
	t.Parallel()

	ledger := core.NewLocalLedger(0)
	params := core.QuotaParams{RequestsPerMinute: 60, BurstCapacity: 1}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 9000; i++ {
		ledger.Allow(fmt.Sprintf("key-%d", i), params, now)
	}
	if got := ledger.Len(); got > 8192 {
		t.Fatalf("expected key count capped at 8192, got %d", got)
	}
}
