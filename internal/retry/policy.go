package retry

import (
	"context"
	"time"
)

// Policy is a shared exponential-backoff calculator. Values are read-only
// after construction, so one policy can back every step of every attempt.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

func Default() Policy {
	return Policy{
		Base:       1 * time.Second,
		Max:        10 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the backoff before retry number attempt (0-based):
// min(Base * Multiplier^attempt, Max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.base())
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		d *= mult
		if time.Duration(d) >= p.max() {
			return p.max()
		}
	}
	if time.Duration(d) > p.max() {
		return p.max()
	}
	return time.Duration(d)
}

// Sleep waits out the backoff for attempt, honouring ctx cancellation.
// Returns false if ctx expired first.
func (p Policy) Sleep(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p Policy) base() time.Duration {
	if p.Base <= 0 {
		return 1 * time.Second
	}
	return p.Base
}

func (p Policy) max() time.Duration {
	if p.Max <= 0 {
		return 10 * time.Second
	}
	return p.Max
}
