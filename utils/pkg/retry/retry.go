package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Clock drives the waits between attempts. Defaults to the real clock.
	Clock clockwork.Clock
	// Retryable overrides IsRetryable when set.
	Retryable func(error) bool
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Do executes fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned wrapped.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt-1)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Exponential returns base * 2^n capped at max, without jitter. Used for
// schedule-level backoff where the delay must be reproducible after a restart.
func Exponential(base, max time.Duration, n int) time.Duration {
	if n <= 0 {
		return base
	}
	if n > 30 {
		return max
	}
	d := base * time.Duration(1<<uint(n))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// IsRetryable checks if an error is a transient transport or node error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	type hasStatusCode interface {
		StatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"eof",
	"broken pipe",
	"timeout",
	"temporary failure",
	"service unavailable",
	"rate limit",
	"too many requests",
	// Solana node conditions that clear on their own.
	"node is behind",
	"node is unhealthy",
	"blockhash not found",
	"slot was skipped",
}

// calculateBackoff is base * 2^attempt, capped at max, scaled by a random
// factor in [0.5, 1.0).
func calculateBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := Exponential(base, max, attempt)
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
