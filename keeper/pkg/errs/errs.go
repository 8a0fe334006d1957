// Package errs defines the keeper's error taxonomy. Components wrap these
// sentinels so the orchestrator can classify any failure with KindOf.
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConfigValidation      = errors.New("config validation failed")
	ErrConnectivity          = errors.New("connectivity failure")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrStaleQuote            = errors.New("stale quote")
	ErrIndeterminate         = errors.New("confirmation indeterminate")
	ErrNothingToHarvest      = errors.New("nothing to harvest")
	ErrPreflightFailure      = errors.New("preflight failed")

	ErrPriceImpactExceeded = errors.New("price impact exceeds ceiling")
	ErrStaleExclusions     = errors.New("exclusion set is stale")
	ErrQuoteConsumed       = errors.New("quote already consumed")
	ErrTransactionFailed   = errors.New("transaction failed")
	ErrNotFound            = errors.New("not found")
)

// Kind is the classified category of a failure, used in logs, metrics and alerts.
type Kind string

const (
	KindNone                  Kind = ""
	KindConfigValidation      Kind = "config_validation"
	KindConnectivity          Kind = "connectivity"
	KindInsufficientLiquidity Kind = "insufficient_liquidity"
	KindSlippageExceeded      Kind = "slippage_exceeded"
	KindStaleQuote            Kind = "stale_quote"
	KindIndeterminate         Kind = "indeterminate"
	KindNothingToHarvest      Kind = "nothing_to_harvest"
	KindPreflightFailure      Kind = "preflight_failure"
	KindPriceImpactExceeded   Kind = "price_impact_exceeded"
	KindStaleExclusions       Kind = "stale_exclusions"
	KindTransactionFailed     Kind = "transaction_failed"
	KindNotFound              Kind = "not_found"
	KindCanceled              Kind = "canceled"
	KindUnknown               Kind = "unknown"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	// Order matters: a chain can carry more than one sentinel, and the most
	// specific classification must win.
	{ErrConfigValidation, KindConfigValidation},
	{ErrPreflightFailure, KindPreflightFailure},
	{ErrIndeterminate, KindIndeterminate},
	{ErrSlippageExceeded, KindSlippageExceeded},
	{ErrStaleQuote, KindStaleQuote},
	{ErrQuoteConsumed, KindStaleQuote},
	{ErrInsufficientLiquidity, KindInsufficientLiquidity},
	{ErrPriceImpactExceeded, KindPriceImpactExceeded},
	{ErrStaleExclusions, KindStaleExclusions},
	{ErrNothingToHarvest, KindNothingToHarvest},
	{ErrTransactionFailed, KindTransactionFailed},
	{ErrConnectivity, KindConnectivity},
	{ErrNotFound, KindNotFound},
}

// KindOf classifies err. It returns KindNone for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// IsFatal reports whether err must stop the process at startup.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfigValidation) || errors.Is(err, ErrPreflightFailure)
}

// Connectivity tags err as a connectivity failure of op. Context errors are
// passed through untouched so cancellation stays recognizable.
func Connectivity(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrConnectivity) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrConnectivity, err)
}
