// Package retry provides the reconnection policies used when a live
// subscription drops. The contract is only that resubscription is
// eventually attempted again; how long to wait between attempts is the
// policy's business.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy yields the delay before a given retry attempt. Attempts are
// numbered from 0 (the first retry after the initial failure).
type Policy interface {
	Delay(attempt int) time.Duration
}

// fixed waits the same duration every time.
type fixed time.Duration

func (f fixed) Delay(int) time.Duration { return time.Duration(f) }

// Fixed returns a constant-delay policy. The hosted-store clients this
// module replaces retried on a flat 3 second timer; Fixed(3*time.Second)
// reproduces that behavior.
func Fixed(d time.Duration) Policy { return fixed(d) }

// Exponential doubles the delay per attempt, capped at Max, with an
// optional random jitter fraction (0 to 1) applied around the delay.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay implements Policy.
func (e Exponential) Delay(attempt int) time.Duration {
	d := e.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			d = e.Max
			break
		}
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if e.Jitter > 0 {
		spread := float64(d) * e.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Wait sleeps for the policy's delay for the given attempt, returning early
// with the context error if ctx is cancelled.
func Wait(ctx context.Context, p Policy, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
