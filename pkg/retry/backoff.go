// Package retry computes reconnect delays with exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Backoff hands out growing delays. The zero value is not usable; use New.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64

	next time.Duration
}

// New creates a Backoff starting at initial and capped at max.
func New(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max, Multiplier: 2, next: initial}
}

// Next returns the delay to wait now and grows the following one.
func (b *Backoff) Next() time.Duration {
	if b.next <= 0 {
		b.next = b.Initial
	}
	d := b.next

	grown := time.Duration(float64(b.next) * b.Multiplier)
	if grown > b.Max || grown <= 0 {
		grown = b.Max
	}
	b.next = grown

	if b.Jitter > 0 {
		d += time.Duration(float64(d) * b.Jitter * (rand.Float64()*2 - 1))
	}
	return d
}

// Reset starts over from Initial, e.g. after a connection succeeded.
func (b *Backoff) Reset() {
	b.next = b.Initial
}

// Sleep waits for d or until ctx ends, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
