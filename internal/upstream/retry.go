package upstream

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const (
	retryBase = 250 * time.Millisecond
	retryMax  = 4 * time.Second
)

// nextBackoff returns the delay before setup attempt+1, with jitter in
// [0.5, 1.5).
func nextBackoff(attempt int) time.Duration {
	d := float64(retryBase) * math.Pow(2, float64(attempt))
	if d > float64(retryMax) {
		d = float64(retryMax)
	}
	return time.Duration(d * (0.5 + rand.Float64()))
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, v); err == nil {
			d := t.Sub(now)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	return 0, false
}
