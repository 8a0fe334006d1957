package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
	"github.com/malbeclabs/keeper/keeper/pkg/metrics"
	"github.com/malbeclabs/keeper/utils/pkg/retry"
)

var _ Adapter = (*Jupiter)(nil)

// Error codes returned by the quote endpoint when nothing can be routed.
var noRouteCodes = []string{"COULD_NOT_FIND_ANY_ROUTE", "NO_ROUTES_FOUND", "TOKEN_NOT_TRADABLE"}

type JupiterConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Ledger   ledger.Client
	Keeper   solana.PrivateKey
	BaseURL  string
	PriceURL string
	// RequestsPerSecond limits calls to the aggregator.
	RequestsPerSecond float64
	QuoteValidity     time.Duration
	MaxSlotDrift      uint64
	ConfirmTimeout    time.Duration
	Commitment        ledger.Commitment
	// OutputTokenProgram owns the output mint; defaults to the legacy
	// token program.
	OutputTokenProgram solana.PublicKey
	HTTPClient         *http.Client
	Retry              retry.Config
}

func (cfg *JupiterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Keeper == nil {
		return errors.New("keeper key is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.QuoteValidity <= 0 {
		return errors.New("quote validity must be greater than 0")
	}
	if cfg.ConfirmTimeout <= 0 {
		return errors.New("confirm timeout must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Commitment == "" {
		cfg.Commitment = ledger.CommitmentConfirmed
	}
	if cfg.OutputTokenProgram.IsZero() {
		cfg.OutputTokenProgram = solana.TokenProgramID
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   2,
			},
			Timeout: 30 * time.Second,
		}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

// Jupiter is an Adapter over the Jupiter v6 HTTP API. Swap transactions it
// receives are signed with the keeper key and submitted through the ledger
// client.
type Jupiter struct {
	log     *slog.Logger
	cfg     JupiterConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	consumed map[string]time.Time
}

func NewJupiter(cfg JupiterConfig) (*Jupiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Jupiter{
		log:      cfg.Logger,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		consumed: make(map[string]time.Time),
	}, nil
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

func (e *httpError) StatusCode() int {
	return e.status
}

type apiError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

func (e *httpError) noRoute() bool {
	if e.status != http.StatusBadRequest {
		return false
	}
	var body apiError
	if err := json.Unmarshal([]byte(e.body), &body); err != nil {
		return false
	}
	for _, code := range noRouteCodes {
		if body.ErrorCode == code {
			return true
		}
	}
	return strings.Contains(strings.ToLower(body.Error), "could not find any route")
}

// do sends one rate-limited request with retries and decodes a JSON body.
func (j *Jupiter) do(ctx context.Context, endpoint, method, rawURL string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	err := retry.Do(ctx, j.cfg.Retry, func() error {
		if err := j.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := j.cfg.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &httpError{status: resp.StatusCode, body: string(data)}
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
		return nil
	})
	if err == nil {
		metrics.SwapRequestsTotal.WithLabelValues(endpoint, "success").Inc()
		return nil
	}
	metrics.SwapRequestsTotal.WithLabelValues(endpoint, "error").Inc()

	var he *httpError
	switch {
	case errors.As(err, &he) && he.noRoute():
		return fmt.Errorf("%w: %s", errs.ErrInsufficientLiquidity, he.body)
	case errors.Is(err, context.Canceled):
		return err
	}
	var netErr net.Error
	if retry.IsRetryable(err) || errors.As(err, &netErr) {
		return errs.Connectivity("jupiter "+endpoint, err)
	}
	return fmt.Errorf("jupiter %s: %w", endpoint, err)
}

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	InAmount             string `json:"inAmount"`
	OutputMint           string `json:"outputMint"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SwapMode             string `json:"swapMode"`
	SlippageBps          uint16 `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
	RoutePlan            []struct {
		SwapInfo struct {
			Label string `json:"label"`
		} `json:"swapInfo"`
		Percent int `json:"percent"`
	} `json:"routePlan"`
	ContextSlot uint64 `json:"contextSlot"`
}

func (j *Jupiter) Quote(ctx context.Context, params QuoteParams) (*Quote, error) {
	if params.Amount == 0 {
		return nil, errors.New("quote amount must be greater than 0")
	}
	q := url.Values{}
	q.Set("inputMint", params.InputMint.String())
	q.Set("outputMint", params.OutputMint.String())
	q.Set("amount", strconv.FormatUint(params.Amount, 10))
	q.Set("slippageBps", strconv.FormatUint(uint64(params.SlippageBps), 10))
	q.Set("swapMode", "ExactIn")

	var raw json.RawMessage
	if err := j.do(ctx, "quote", http.MethodGet, strings.TrimSuffix(j.cfg.BaseURL, "/")+"/quote?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}

	out, err := strconv.ParseUint(resp.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid quote outAmount %q: %w", resp.OutAmount, err)
	}
	if out == 0 || len(resp.RoutePlan) == 0 {
		return nil, fmt.Errorf("%w: no route for %d %s", errs.ErrInsufficientLiquidity, params.Amount, params.InputMint)
	}
	in, err := strconv.ParseUint(resp.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid quote inAmount %q: %w", resp.InAmount, err)
	}
	minOut, err := strconv.ParseUint(resp.OtherAmountThreshold, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid quote otherAmountThreshold %q: %w", resp.OtherAmountThreshold, err)
	}
	// Jupiter reports impact as a fraction.
	impact := 0.0
	if resp.PriceImpactPct != "" {
		f, err := strconv.ParseFloat(resp.PriceImpactPct, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quote priceImpactPct %q: %w", resp.PriceImpactPct, err)
		}
		impact = f * 100
	}
	route := make([]string, 0, len(resp.RoutePlan))
	for _, leg := range resp.RoutePlan {
		route = append(route, fmt.Sprintf("%s:%d%%", leg.SwapInfo.Label, leg.Percent))
	}

	now := j.cfg.Clock.Now()
	return &Quote{
		ID:             uuid.NewString(),
		InputMint:      params.InputMint,
		OutputMint:     params.OutputMint,
		InAmount:       in,
		OutAmount:      out,
		MinOutAmount:   minOut,
		SlippageBps:    resp.SlippageBps,
		PriceImpactPct: impact,
		Route:          route,
		ContextSlot:    resp.ContextSlot,
		QuotedAt:       now,
		ExpiresAt:      now.Add(j.cfg.QuoteValidity),
		Raw:            raw,
	}, nil
}

// consume marks a quote as used and forgets expired entries.
func (j *Jupiter) consume(q *Quote) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.cfg.Clock.Now()
	for id, exp := range j.consumed {
		if now.After(exp) {
			delete(j.consumed, id)
		}
	}
	if _, ok := j.consumed[q.ID]; ok {
		return fmt.Errorf("%w: %s", errs.ErrQuoteConsumed, q.ID)
	}
	j.consumed[q.ID] = q.ExpiresAt
	return nil
}

func (j *Jupiter) Swap(ctx context.Context, q *Quote, signer solana.PublicKey) (*Result, error) {
	if q == nil || q.ID == "" {
		return nil, errors.New("quote is required")
	}
	if !signer.Equals(j.cfg.Keeper.PublicKey()) {
		return nil, fmt.Errorf("signer %s does not match the keeper key", signer)
	}
	if err := j.consume(q); err != nil {
		return nil, err
	}
	if q.Expired(j.cfg.Clock.Now()) {
		return nil, fmt.Errorf("%w: quote %s expired at %s", errs.ErrStaleQuote, q.ID, q.ExpiresAt.Format(time.RFC3339))
	}
	slot, err := j.cfg.Ledger.GetSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	if j.cfg.MaxSlotDrift > 0 && slot > q.ContextSlot && slot-q.ContextSlot > j.cfg.MaxSlotDrift {
		return nil, fmt.Errorf("%w: quote slot %d trails ledger slot %d by more than %d", errs.ErrStaleQuote, q.ContextSlot, slot, j.cfg.MaxSlotDrift)
	}

	check, err := j.Quote(ctx, QuoteParams{InputMint: q.InputMint, OutputMint: q.OutputMint, Amount: q.InAmount, SlippageBps: q.SlippageBps})
	if err != nil {
		return nil, fmt.Errorf("failed to re-check price: %w", err)
	}
	if check.OutAmount < q.MinOutAmount {
		return nil, fmt.Errorf("%w: current output %d below minimum %d", errs.ErrSlippageExceeded, check.OutAmount, q.MinOutAmount)
	}

	before, err := j.outputBalance(ctx, signer, q.OutputMint)
	if err != nil {
		return nil, err
	}

	tx, err := j.swapTransaction(ctx, q, signer)
	if err != nil {
		return nil, err
	}
	key := j.cfg.Keeper
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign swap transaction: %w", err)
	}

	sig, err := j.cfg.Ledger.SendTransaction(ctx, tx)
	res := &Result{
		QuoteID:    q.ID,
		InAmount:   q.InAmount,
		Signature:  sig,
		ExecutedAt: j.cfg.Clock.Now(),
	}
	switch {
	case errors.Is(err, errs.ErrIndeterminate) && !sig.IsZero():
		res.Status = ledger.OutcomeTimedOut
		return res, fmt.Errorf("swap: %w", err)
	case err != nil:
		return nil, fmt.Errorf("failed to send swap transaction: %w", err)
	}
	j.log.Info("swap: transaction sent", "quote", q.ID, "signature", sig.String(), "in", q.InAmount, "minOut", q.MinOutAmount)

	conf, err := j.cfg.Ledger.WaitForConfirmation(ctx, sig, j.cfg.Commitment, j.cfg.ConfirmTimeout)
	if err != nil {
		res.Status = ledger.OutcomeTimedOut
		return res, fmt.Errorf("%w: swap %s: %w", errs.ErrIndeterminate, sig, err)
	}
	res.Status = conf.Outcome
	res.Slot = conf.Slot
	switch conf.Outcome {
	case ledger.OutcomeFailed:
		if isSlippageFailure(conf.Err) {
			return res, fmt.Errorf("%w: swap %s reverted: %w", errs.ErrSlippageExceeded, sig, conf.Err)
		}
		return res, fmt.Errorf("swap %s failed: %w", sig, conf.Err)
	case ledger.OutcomeTimedOut:
		return res, fmt.Errorf("%w: swap %s not confirmed within %s", errs.ErrIndeterminate, sig, j.cfg.ConfirmTimeout)
	}

	after, err := j.outputBalance(ctx, signer, q.OutputMint)
	if err != nil {
		j.log.Warn("swap: failed to read output balance, assuming minimum", "signature", sig.String(), "error", err)
		after = before + q.MinOutAmount
	}
	if after > before {
		res.OutAmount = after - before
	}
	metrics.SwappedOutTotal.Add(float64(res.OutAmount))
	if res.OutAmount < q.MinOutAmount {
		return res, fmt.Errorf("%w: realized output %d below minimum %d", errs.ErrSlippageExceeded, res.OutAmount, q.MinOutAmount)
	}
	return res, nil
}

// outputBalance reads what signer holds of mint. Native SOL output is
// unwrapped by the swap, so it is measured in lamports.
func (j *Jupiter) outputBalance(ctx context.Context, signer, mint solana.PublicKey) (uint64, error) {
	if mint.Equals(solana.SolMint) {
		bal, err := j.cfg.Ledger.GetBalance(ctx, signer)
		if err != nil {
			return 0, fmt.Errorf("failed to get output balance: %w", err)
		}
		return bal, nil
	}
	account, err := ledger.AssociatedTokenAddress(signer, mint, j.cfg.OutputTokenProgram)
	if err != nil {
		return 0, err
	}
	return j.tokenBalance(ctx, account)
}

// tokenBalance treats a missing account as empty.
func (j *Jupiter) tokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	bal, err := j.cfg.Ledger.GetTokenBalance(ctx, account)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get output balance: %w", err)
	}
	return bal, nil
}

// Slippage reverts from the Jupiter program surface as custom error 6001.
func isSlippageFailure(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "6001") || strings.Contains(s, "0x1771") || strings.Contains(strings.ToLower(s), "slippage")
}

type swapRequest struct {
	QuoteResponse           json.RawMessage `json:"quoteResponse"`
	UserPublicKey           string          `json:"userPublicKey"`
	WrapAndUnwrapSol        bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit bool            `json:"dynamicComputeUnitLimit"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

func (j *Jupiter) swapTransaction(ctx context.Context, q *Quote, signer solana.PublicKey) (*solana.Transaction, error) {
	var resp swapResponse
	err := j.do(ctx, "swap", http.MethodPost, strings.TrimSuffix(j.cfg.BaseURL, "/")+"/swap", swapRequest{
		QuoteResponse:           q.Raw,
		UserPublicKey:           signer.String(),
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	tx, err := solana.TransactionFromBase64(resp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to decode swap transaction: %w", err)
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(signer) {
		return nil, fmt.Errorf("swap transaction fee payer is not %s", signer)
	}
	return tx, nil
}

type priceResponse struct {
	Data map[string]struct {
		Price json.Number `json:"price"`
	} `json:"data"`
}

func (j *Jupiter) TokenPrice(ctx context.Context, mint solana.PublicKey) (*float64, error) {
	if j.cfg.PriceURL == "" {
		return nil, nil
	}
	var resp priceResponse
	if err := j.do(ctx, "price", http.MethodGet, j.cfg.PriceURL+"?ids="+url.QueryEscape(mint.String()), nil, &resp); err != nil {
		return nil, err
	}
	entry, ok := resp.Data[mint.String()]
	if !ok || entry.Price == "" {
		return nil, nil
	}
	price, err := entry.Price.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", entry.Price, err)
	}
	return &price, nil
}
