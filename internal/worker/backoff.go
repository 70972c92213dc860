package worker

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// backoff computes jittered exponential delays for port contention.
type backoff struct {
	base time.Duration
	max  time.Duration
}

// next returns a delay in [d/2, d) where d = base*2^attempt capped at max.
func (b backoff) next(attempt int) time.Duration {
	base := b.base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	limit := b.max
	if limit < base {
		limit = base
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(limit) {
		delay = float64(limit)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
