package session

import (
	"math/rand"
	"time"
)

// backoffDelay computes the wait before retry attempt n (1-based):
// base doubled per attempt, capped, then spread by +/- jitter fraction.
func backoffDelay(base, cap time.Duration, jitter float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	if jitter > 0 {
		spread := 1 + jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	return d
}
