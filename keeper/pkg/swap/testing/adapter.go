// Package swaptesting provides a scripted swap.Adapter for tests.
package swaptesting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
	"github.com/malbeclabs/keeper/keeper/pkg/swap"
)

var _ swap.Adapter = (*Adapter)(nil)

// Adapter quotes at a fixed rate and settles swaps in memory. Errors and
// realized outputs can be queued per call.
type Adapter struct {
	mu sync.Mutex

	clock clockwork.Clock
	// RateNum/RateDen convert input to output amounts.
	RateNum, RateDen uint64
	PriceImpactPct   float64
	Validity         time.Duration
	Slot             uint64
	Price            *float64

	quoteErrs []error
	swapErrs  []error
	// realized overrides the output of the next swaps, in order.
	realized []uint64
	consumed map[string]bool
	seq      uint64

	QuoteCalls []swap.QuoteParams
	SwapCalls  []*swap.Quote
	Results    []*swap.Result

	// OnSwap runs for every settled swap before the result is returned.
	OnSwap func(q *swap.Quote, res *swap.Result) error
}

func New(clock clockwork.Clock) *Adapter {
	return &Adapter{
		clock:    clock,
		RateNum:  1,
		RateDen:  1,
		Validity: 30 * time.Second,
		Slot:     1000,
		consumed: make(map[string]bool),
	}
}

func (a *Adapter) FailQuote(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quoteErrs = append(a.quoteErrs, err)
}

func (a *Adapter) FailSwap(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.swapErrs = append(a.swapErrs, err)
}

// Realize makes the next swap settle for amount instead of the quoted output.
func (a *Adapter) Realize(amount uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realized = append(a.realized, amount)
}

func (a *Adapter) QuoteCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.QuoteCalls)
}

func (a *Adapter) SwapCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.SwapCalls)
}

func (a *Adapter) Quote(_ context.Context, params swap.QuoteParams) (*swap.Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.QuoteCalls = append(a.QuoteCalls, params)
	if len(a.quoteErrs) > 0 {
		err := a.quoteErrs[0]
		a.quoteErrs = a.quoteErrs[1:]
		return nil, err
	}
	out := params.Amount * a.RateNum / a.RateDen
	if out == 0 {
		return nil, fmt.Errorf("%w: no route for %d", errs.ErrInsufficientLiquidity, params.Amount)
	}
	now := a.clock.Now()
	return &swap.Quote{
		ID:             uuid.NewString(),
		InputMint:      params.InputMint,
		OutputMint:     params.OutputMint,
		InAmount:       params.Amount,
		OutAmount:      out,
		MinOutAmount:   out - out*uint64(params.SlippageBps)/10_000,
		SlippageBps:    params.SlippageBps,
		PriceImpactPct: a.PriceImpactPct,
		Route:          []string{"test:100%"},
		ContextSlot:    a.Slot,
		QuotedAt:       now,
		ExpiresAt:      now.Add(a.Validity),
	}, nil
}

func (a *Adapter) Swap(_ context.Context, q *swap.Quote, _ solana.PublicKey) (*swap.Result, error) {
	a.mu.Lock()
	a.SwapCalls = append(a.SwapCalls, q)
	if a.consumed[q.ID] {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errs.ErrQuoteConsumed, q.ID)
	}
	a.consumed[q.ID] = true
	if q.Expired(a.clock.Now()) {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: quote %s expired", errs.ErrStaleQuote, q.ID)
	}
	if len(a.swapErrs) > 0 {
		err := a.swapErrs[0]
		a.swapErrs = a.swapErrs[1:]
		a.mu.Unlock()
		return nil, err
	}
	out := q.OutAmount
	if len(a.realized) > 0 {
		out = a.realized[0]
		a.realized = a.realized[1:]
	}
	a.seq++
	var sig solana.Signature
	sig[0] = 0x5a
	sig[1] = byte(a.seq)
	res := &swap.Result{
		QuoteID:    q.ID,
		InAmount:   q.InAmount,
		OutAmount:  out,
		Signature:  sig,
		Status:     ledger.OutcomeConfirmed,
		Slot:       a.Slot,
		ExecutedAt: a.clock.Now(),
	}
	a.Results = append(a.Results, res)
	hook := a.OnSwap
	a.mu.Unlock()

	if hook != nil {
		if err := hook(q, res); err != nil {
			return nil, err
		}
	}
	if out < q.MinOutAmount {
		return res, fmt.Errorf("%w: realized output %d below minimum %d", errs.ErrSlippageExceeded, out, q.MinOutAmount)
	}
	return res, nil
}

func (a *Adapter) TokenPrice(context.Context, solana.PublicKey) (*float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Price, nil
}
