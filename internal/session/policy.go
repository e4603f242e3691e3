package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reconnection defaults.
const (
	DefaultMaxRetries      = 5
	DefaultRetryInitial    = time.Second
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
)

// ReconnectPolicy decides whether and when a transiently dropped session
// reconnects. Logged-out and rejected sessions never reconnect.
type ReconnectPolicy struct {
	// MaxRetries bounds consecutive reconnect attempts. Zero means
	// DefaultMaxRetries; negative disables reconnection.
	MaxRetries int

	// Initial is the first delay. Default: 1s.
	Initial time.Duration

	// Max caps the delay. Default: 30s.
	Max time.Duration

	// Multiplier grows the delay per attempt. Default: 2.
	Multiplier float64

	// Jitter is the randomization factor in [0, 1). Default: 0.
	Jitter float64
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Initial <= 0 {
		p.Initial = DefaultRetryInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultRetryMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryMultiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// retrier tracks one session's position on the backoff curve.
type retrier struct {
	max      int
	attempts int
	curve    *backoff.ExponentialBackOff
}

func (p ReconnectPolicy) newRetrier() *retrier {
	p = p.withDefaults()
	curve := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	curve.Reset()
	return &retrier{max: p.MaxRetries, curve: curve}
}

// next returns the delay before the next attempt, or false once the
// attempt bound is used up.
func (r *retrier) next() (time.Duration, bool) {
	if r.max < 0 || r.attempts >= r.max {
		return 0, false
	}
	d := r.curve.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}

// reset starts the curve over after a successful connection.
func (r *retrier) reset() {
	r.attempts = 0
	r.curve.Reset()
}
