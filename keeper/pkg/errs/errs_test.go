package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeeper_Errs_KindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"wrapped liquidity", fmt.Errorf("quote: %w", ErrInsufficientLiquidity), KindInsufficientLiquidity},
		{"connectivity", Connectivity("getSlot", errors.New("dial tcp: refused")), KindConnectivity},
		{"indeterminate wins over connectivity", fmt.Errorf("%w: %w", ErrIndeterminate, ErrConnectivity), KindIndeterminate},
		{"consumed quote is stale", ErrQuoteConsumed, KindStaleQuote},
		{"canceled", context.Canceled, KindCanceled},
		{"unknown", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKeeper_Errs_Connectivity(t *testing.T) {
	t.Parallel()

	require.NoError(t, Connectivity("op", nil))
	require.Equal(t, context.Canceled, Connectivity("op", context.Canceled))

	inner := errors.New("i/o timeout")
	err := Connectivity("getAccountInfo", inner)
	require.ErrorIs(t, err, ErrConnectivity)
	require.ErrorIs(t, err, inner)
	require.Equal(t, err, Connectivity("again", err))
}

func TestKeeper_Errs_IsFatal(t *testing.T) {
	t.Parallel()

	require.True(t, IsFatal(fmt.Errorf("load: %w", ErrConfigValidation)))
	require.True(t, IsFatal(ErrPreflightFailure))
	require.False(t, IsFatal(ErrConnectivity))
	require.False(t, IsFatal(ErrNothingToHarvest))
}
