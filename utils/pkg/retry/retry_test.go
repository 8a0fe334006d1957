package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestKeeper_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestKeeper_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("success after transient errors", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("node is behind by 42 slots")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("exhausts attempts and wraps last error", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("connection reset by peer")
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return orig
		})
		require.ErrorIs(t, err, orig)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		require.Equal(t, 3, attempts)
	})

	t.Run("non-retryable error returns immediately", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("invalid account data")
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return orig
		})
		require.Equal(t, orig, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("custom retryable predicate", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig(2)
		cfg.Retryable = func(error) bool { return true }
		attempts := 0
		_ = Do(context.Background(), cfg, func() error {
			attempts++
			return errors.New("anything")
		})
		require.Equal(t, 2, attempts)
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second}
		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			cancel()
			return errors.New("timeout")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	})
}

func TestKeeper_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"net timeout", &net.DNSError{Err: "lookup", IsTimeout: true}, true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"blockhash not found", errors.New("Transaction simulation failed: Blockhash not found"), true},
		{"429", &httpError{statusCode: http.StatusTooManyRequests}, true},
		{"503", &httpError{statusCode: http.StatusServiceUnavailable}, true},
		{"400", &httpError{statusCode: http.StatusBadRequest}, false},
		{"404", &httpError{statusCode: http.StatusNotFound}, false},
		{"program error", errors.New("custom program error: 0x1771"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestKeeper_Retry_Exponential(t *testing.T) {
	t.Parallel()

	base := 30 * time.Second
	max := 10 * time.Minute
	require.Equal(t, base, Exponential(base, max, 0))
	require.Equal(t, 60*time.Second, Exponential(base, max, 1))
	require.Equal(t, 4*time.Minute, Exponential(base, max, 3))
	require.Equal(t, max, Exponential(base, max, 5))
	require.Equal(t, max, Exponential(base, max, 64))
}

func TestKeeper_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 5; attempt++ {
		want := Exponential(500*time.Millisecond, 5*time.Second, attempt)
		got := calculateBackoff(500*time.Millisecond, 5*time.Second, attempt)
		require.GreaterOrEqual(t, got, want/2)
		require.LessOrEqual(t, got, want)
	}
}
