package engine

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy computes retry delays for failed jobs. The delay doubles
// per attempt up to a cap, and half of it is randomized to spread retries
// of many series across time. Permanent error kinds use a shorter base
// since repeating the request rarely helps.
type BackoffPolicy struct {
	BaseDelay          time.Duration
	PermanentBaseDelay time.Duration
	MaxDelay           time.Duration
}

// DefaultBackoff builds a policy with production defaults.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:          30 * time.Second,
		PermanentBaseDelay: 10 * time.Second,
		MaxDelay:           30 * time.Minute,
	}
}

// Delay returns the wait before retry number attempt (1-based, the value
// of attempt_count after the failed execution).
func (p BackoffPolicy) Delay(kind ErrorKind, attempt int) time.Duration {
	base := p.BaseDelay
	if kind != ErrorKindNone && !kind.Transient() {
		base = p.PermanentBaseDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
