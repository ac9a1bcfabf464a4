package conn

import (
	"math/rand"
	"time"
)

// ReconnectPolicy decides how long to wait before reconnect attempt n
// (1-based, reset after every successful open). Returning false stops
// reconnecting.
type ReconnectPolicy interface {
	Delay(attempt int) (time.Duration, bool)
}

// FixedDelay retries forever with the same delay.
type FixedDelay time.Duration

func (f FixedDelay) Delay(int) (time.Duration, bool) {
	return time.Duration(f), true
}

// maxBackoff caps ExponentialBackoff when Max is unset.
const maxBackoff = time.Hour

// ExponentialBackoff doubles the delay on every consecutive failure.
//
// Formula: delay = Base * 2^(attempt-1), capped at Max (one hour when Max
// is 0), then spread by ±Jitter (a fraction, e.g. 0.2). MaxAttempts of 0
// means unlimited.
type ExponentialBackoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int
}

func (b ExponentialBackoff) Delay(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}

	limit := b.Max
	if limit <= 0 {
		limit = maxBackoff
	}
	delay := min(b.Base, limit)
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	delay = min(delay, limit)

	if b.Jitter > 0 {
		spread := float64(delay) * b.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return max(delay, 0), true
}
