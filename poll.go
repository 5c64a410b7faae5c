package vkclient

import "time"

// backoff implements an exponential back-off interval generator for
// reconnect retries. Call Reset() after a successful reconnect to return
// to the fast interval.
type backoff struct {
	Cur    time.Duration
	Fast   time.Duration
	Steady time.Duration
	skip   bool
}

// newBackoff builds a backoff generator initialized to the fast interval.
func newBackoff(fast, steady time.Duration) *backoff {
	if fast <= 0 {
		fast = DefaultReconnectFast
	}
	if steady < fast {
		steady = fast
	}
	return &backoff{Cur: fast, Fast: fast, Steady: steady}
}

// Next returns the interval to wait before the next reconnect attempt and
// advances the backoff exponentially up to Steady.
func (b *backoff) Next() time.Duration {
	if b.skip {
		b.skip = false
		return 0
	}
	d := b.Cur
	if b.Cur < b.Steady {
		b.Cur *= 2
		if b.Cur > b.Steady {
			b.Cur = b.Steady
		}
	}
	return d
}

// Reset moves the current interval back to the fast value and makes the
// next Next() call return immediately.
func (b *backoff) Reset() {
	b.Cur = b.Fast
	b.skip = true
}
