package resilience

import "time"

// Backoff produces growing delays for long-lived reconnect loops.
// It is not safe for concurrent use.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
}

// NewBackoff returns a Backoff growing by 1.5x from initial up to max.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max, Multiplier: 1.5}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
		return b.current
	}
	multiplier := b.Multiplier
	if multiplier <= 1 {
		multiplier = 1.5
	}
	next := time.Duration(float64(b.current) * multiplier)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	b.current = next
	return b.current
}

// Reset starts the sequence over after a successful attempt.
func (b *Backoff) Reset() {
	b.current = 0
}
