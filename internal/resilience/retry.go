package resilience

import (
	"context"
	"math/rand"
	"time"
)

// TransportRetryConfig configures exponential backoff for a transport
// call against one target.
type TransportRetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	CapDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness
}

// DefaultTransportRetry returns the base x 2^attempt backoff used for
// retrying transport errors (never non-zero exit codes) against build
// servers, virt hosts, and boards.
func DefaultTransportRetry() TransportRetryConfig {
	return TransportRetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		CapDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryTransport executes fn with exponential backoff. It never retries a
// non-transport failure — callers are responsible for only invoking this
// around operations where that distinction has already been made (the
// adapters in internal/transport do this).
func RetryTransport(ctx context.Context, cfg TransportRetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg TransportRetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.CapDelay {
		return cfg.CapDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
