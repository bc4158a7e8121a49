package transport

import (
	"context"
	"math"
	"math/rand"
	"net"
	"time"
)

// BackoffConfig defines dial retry behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// DialRetry dials ep, retrying with backoff until ctx is done or maxAttempts
// is exhausted (0 means unbounded).
func DialRetry(ctx context.Context, ep Endpoint, cfg BackoffConfig, maxAttempts int) (net.Conn, error) {
	var lastErr error
	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		conn, err := ep.Dial()
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(NextBackoffDelay(cfg, attempt, nil)):
		}
	}
	return nil, lastErr
}
