package credential

import (
	"math"
	"time"
)

// BackoffPolicy computes rate-limit cooldowns as Base * Multiplier^failures,
// capped at Max.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       30 * time.Second,
		Multiplier: 2,
		Max:        30 * time.Minute,
	}
}

// Backoff returns the cooldown for a credential that had failures
// consecutive failures before the current rate limit.
func (b BackoffPolicy) Backoff(failures int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if failures < 0 {
		failures = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Base) * math.Pow(mult, float64(failures))
	if b.Max > 0 && (math.IsInf(d, 0) || d > float64(b.Max)) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// CooldownUntil is the earliest time a credential rate limited at
// lastFailure becomes eligible again. An upstream retryAfter hint longer
// than the backoff wins.
func (b BackoffPolicy) CooldownUntil(failures int, lastFailure time.Time, retryAfter time.Duration) time.Time {
	d := b.Backoff(failures)
	if retryAfter > d {
		d = retryAfter
	}
	return lastFailure.Add(d)
}
