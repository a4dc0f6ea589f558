package transport

import "time"

// Backoff doubles from Base up to Max between reconnect attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	cur  time.Duration
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 5 * time.Second
	}
	if max < base {
		max = base * 12
	}
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay to wait before the upcoming attempt.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Base
		return b.cur
	}
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

// Reset is called after a successful login.
func (b *Backoff) Reset() { b.cur = 0 }
