// internal/client/backoff.go
package client

import "time"

// Backoff computes reconnect delays. It carries no jitter so the sequence is
// reproducible.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        500 * time.Millisecond,
		Factor:      2,
		Max:         10 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before retry number n, starting at 0.
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < n; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}
