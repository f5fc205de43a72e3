package firehose

import (
	"sync/atomic"
	"time"
)

// Backoff computes waits between reconnect attempts. The first failure is
// retried immediately; each later consecutive failure waits Base doubled per
// failure, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	failures atomic.Int64
}

// Next records a failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	n := b.failures.Add(1) - 1
	if n == 0 {
		return 0
	}
	if n > 32 {
		return b.Max
	}
	wait := b.Base << (n - 1)
	if wait <= 0 || wait > b.Max {
		return b.Max
	}
	return wait
}

// Reset clears the consecutive-failure count.
func (b *Backoff) Reset() {
	b.failures.Store(0)
}

// Failures returns the current consecutive-failure count.
func (b *Backoff) Failures() int {
	return int(b.failures.Load())
}
