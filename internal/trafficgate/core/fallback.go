// Package core provides degraded-mode local quota enforcement.
package core

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultLocalLedgerKeys = 8192

// LocalLedger enforces per-key limits in process memory. It backs the quota
// ledger while the counter store is unreachable, so enforcement stays capped
// instead of failing open without bound. Daily and monthly counters are not
// tracked here; only the per-minute rate survives degradation. Keys are held
// in recency order and the least recently seen are dropped past capacity.
type LocalLedger struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used
	max     int
}

type ledgerEntry struct {
	key     string
	limiter *rate.Limiter
}

// NewLocalLedger constructs an empty local ledger holding at most maxKeys
// keys; zero or negative selects the default capacity.
func NewLocalLedger(maxKeys int) *LocalLedger {
	if maxKeys <= 0 {
		maxKeys = defaultLocalLedgerKeys
	}
	return &LocalLedger{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		max:     maxKeys,
	}
}

// Allow consumes one request for the key under the given limits. A denial
// consumes nothing and reports how long until a token is available.
func (ll *LocalLedger) Allow(key string, params QuotaParams, now time.Time) (bool, time.Duration) {
	if ll == nil {
		return true, 0
	}
	perSecond := rate.Limit(float64(params.RequestsPerMinute) / 60.0)
	burst := int(params.BurstCapacity)
	if burst < 1 {
		burst = 1
	}

	ll.mu.Lock()
	limiter := ll.touch(key, perSecond, burst, now)
	ll.mu.Unlock()

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len reports the number of tracked keys.
func (ll *LocalLedger) Len() int {
	if ll == nil {
		return 0
	}
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return len(ll.entries)
}

// touch returns the key's limiter with current limits applied, refreshing
// its recency and evicting the stalest keys past capacity. Callers hold the
// mutex.
func (ll *LocalLedger) touch(key string, perSecond rate.Limit, burst int, now time.Time) *rate.Limiter {
	if element, ok := ll.entries[key]; ok {
		ll.order.MoveToFront(element)
		limiter := element.Value.(*ledgerEntry).limiter
		if limiter.Limit() != perSecond {
			limiter.SetLimitAt(now, perSecond)
		}
		if limiter.Burst() != burst {
			limiter.SetBurstAt(now, burst)
		}
		return limiter
	}

	limiter := rate.NewLimiter(perSecond, burst)
	ll.entries[key] = ll.order.PushFront(&ledgerEntry{key: key, limiter: limiter})
	for len(ll.entries) > ll.max {
		back := ll.order.Back()
		if back == nil {
			break
		}
		ll.order.Remove(back)
		delete(ll.entries, back.Value.(*ledgerEntry).key)
	}
	return limiter
}
