// Package swap converts harvested tokens into the reward currency through a
// price/swap aggregator.
package swap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
)

// Adapter is the aggregator contract used by the orchestrator.
type Adapter interface {
	// Quote prices a swap without side effects. It fails with
	// errs.ErrInsufficientLiquidity when no route exists.
	Quote(ctx context.Context, params QuoteParams) (*Quote, error)
	// Swap executes a quote at most once. Stale or consumed quotes and
	// outputs below the quote's minimum are rejected.
	Swap(ctx context.Context, quote *Quote, signer solana.PublicKey) (*Result, error)
	// TokenPrice returns the USD price of mint, or nil when none is known.
	TokenPrice(ctx context.Context, mint solana.PublicKey) (*float64, error)
}

type QuoteParams struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64
	SlippageBps uint16
}

type Quote struct {
	ID         string           `json:"id"`
	InputMint  solana.PublicKey `json:"inputMint"`
	OutputMint solana.PublicKey `json:"outputMint"`
	InAmount   uint64           `json:"inAmount"`
	OutAmount  uint64           `json:"outAmount"`
	// MinOutAmount is the output below which the swap must not settle.
	MinOutAmount   uint64    `json:"minOutAmount"`
	SlippageBps    uint16    `json:"slippageBps"`
	PriceImpactPct float64   `json:"priceImpactPct"`
	Route          []string  `json:"route,omitempty"`
	ContextSlot    uint64    `json:"contextSlot"`
	QuotedAt       time.Time `json:"quotedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	// Raw is the aggregator's quote payload, passed back when swapping.
	Raw json.RawMessage `json:"-"`
}

// Expired reports whether the quote's validity window has lapsed at now.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

type Result struct {
	QuoteID    string           `json:"quoteId"`
	InAmount   uint64           `json:"inAmount"`
	OutAmount  uint64           `json:"outAmount"`
	Signature  solana.Signature `json:"signature"`
	Status     ledger.Outcome   `json:"status"`
	Slot       uint64           `json:"slot"`
	ExecutedAt time.Time        `json:"executedAt"`
}
