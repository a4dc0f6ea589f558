package reconcile

import (
	"sync"
	"time"
)

// receiptGuard remembers trade receipts by idempotency key so a receipt
// replayed after a reconnect is applied at most once.
type receiptGuard struct {
	mu        sync.Mutex
	seen      map[string]int64
	ttl       time.Duration
	lastPrune int64
}

func newReceiptGuard(ttl time.Duration) *receiptGuard {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &receiptGuard{
		seen: map[string]int64{},
		ttl:  ttl,
	}
}

// first reports whether key has not been seen inside the window, and
// marks it seen. An empty key is always first.
func (g *receiptGuard) first(key string, now time.Time) bool {
	if g == nil || key == "" {
		return true
	}
	nowMS := now.UnixMilli()
	expiresAt := nowMS + g.ttl.Milliseconds()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shouldPruneLocked(nowMS) {
		g.pruneLocked(nowMS)
	}
	if exp, ok := g.seen[key]; ok && exp > nowMS {
		return false
	}
	g.seen[key] = expiresAt
	return true
}

func (g *receiptGuard) shouldPruneLocked(nowMS int64) bool {
	if len(g.seen) == 0 {
		return false
	}
	if len(g.seen) > 1024 {
		return true
	}
	return nowMS-g.lastPrune > g.ttl.Milliseconds()/2
}

func (g *receiptGuard) pruneLocked(nowMS int64) {
	for k, exp := range g.seen {
		if exp <= nowMS {
			delete(g.seen, k)
		}
	}
	g.lastPrune = nowMS
}
