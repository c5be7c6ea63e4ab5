package retry

import (
	"math"
	"time"
)

// Policy is an exponential backoff with a ceiling and a bounded attempt count.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	Exhausted bool
	Delay     time.Duration
}

// Default mirrors the production defaults: 3 attempts, 1s base, x2, 5m ceiling.
func Default() Policy {
	return Policy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 3,
	}
}

// Delay returns min(BaseDelay * Multiplier^n, MaxDelay).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	exp := float64(p.BaseDelay) * math.Pow(mult, float64(n))
	if p.MaxDelay > 0 && (exp >= float64(p.MaxDelay) || math.IsInf(exp, 1)) {
		return p.MaxDelay
	}
	if exp >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(exp)
}

// Next decides what happens after the attempts-th execution failed.
// MaxAttempts is checked before any delay is computed.
func (p Policy) Next(attempts int) Decision {
	if attempts >= p.MaxAttempts {
		return Decision{Exhausted: true}
	}
	return Decision{Delay: p.Delay(attempts - 1)}
}
