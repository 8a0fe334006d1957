// Package orchestrator runs the keeper's harvest, swap and distribute cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/keeper/keeper/pkg/alert"
	"github.com/malbeclabs/keeper/keeper/pkg/config"
	"github.com/malbeclabs/keeper/keeper/pkg/distribution"
	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
	"github.com/malbeclabs/keeper/keeper/pkg/metrics"
	"github.com/malbeclabs/keeper/keeper/pkg/preflight"
	"github.com/malbeclabs/keeper/keeper/pkg/swap"
	"github.com/malbeclabs/keeper/keeper/pkg/vault"
	"github.com/malbeclabs/keeper/utils/pkg/retry"
)

type State string

const (
	StateIdle         State = "idle"
	StatePreflighting State = "preflighting"
	StateRunning      State = "running"
	StateHarvesting   State = "harvesting"
	StateQuoting      State = "quoting"
	StateSwapping     State = "swapping"
	StateDistributing State = "distributing"
	StateStopping     State = "stopping"
	StateFaulted      State = "faulted"
	StateStopped      State = "stopped"
)

var allStates = []State{
	StateIdle, StatePreflighting, StateRunning, StateHarvesting, StateQuoting,
	StateSwapping, StateDistributing, StateStopping, StateFaulted, StateStopped,
}

// InCycle reports whether s is one of the per-cycle step states.
func (s State) InCycle() bool {
	switch s {
	case StateHarvesting, StateQuoting, StateSwapping, StateDistributing:
		return true
	}
	return false
}

// Vault is the subset of vault.Gateway the cycle uses.
type Vault interface {
	HarvestableBalance(ctx context.Context) (uint64, error)
	Harvest(ctx context.Context) (*vault.HarvestResult, error)
	RefreshExclusions(ctx context.Context) (*vault.ExclusionSet, error)
	Distribute(ctx context.Context, amount uint64, set *vault.ExclusionSet) (*vault.DistributionResult, error)
	Pay(ctx context.Context, recipients []distribution.Recipient, set *vault.ExclusionSet) (*vault.DistributionResult, error)
	PayOwner(ctx context.Context, amount uint64, set *vault.ExclusionSet) (vault.Submission, error)
	RewardBalance(ctx context.Context) (uint64, error)
	KeeperLamports(ctx context.Context) (uint64, error)
	ResolveSubmission(ctx context.Context, sig solana.Signature) (ledger.Confirmation, error)
}

var _ Vault = (*vault.Gateway)(nil)

type Preflight interface {
	Run(ctx context.Context) (*preflight.Artifact, error)
}

type RuntimeStore interface {
	Runtime() config.RuntimeCycleState
	UpdateRuntime(fn func(*config.RuntimeCycleState)) error
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Vault     Vault
	Swap      swap.Adapter
	Preflight Preflight
	Store     RuntimeStore
	Alerter   alert.Alerter

	// Keeper signs swaps.
	Keeper solana.PublicKey
	// Mint is the harvested token; RewardMint is what it is swapped into.
	Mint         solana.PublicKey
	MintDecimals uint8
	RewardMint   solana.PublicKey

	Interval         time.Duration
	MaxInterval      time.Duration
	HarvestThreshold uint64
	SlippageBps      uint16
	AlertThreshold   int
	// DropAfter is how long an unseen submission stays pending before it is
	// assumed to have expired without landing.
	DropAfter time.Duration
	// MinOperatingLamports triggers a top-up from the owner share when the
	// keeper's balance falls below it. Zero disables top-ups.
	MinOperatingLamports  uint64
	MinSwapValueUSD       float64
	PriceImpactCeilingPct float64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Vault == nil {
		return errors.New("vault is required")
	}
	if cfg.Swap == nil {
		return errors.New("swap adapter is required")
	}
	if cfg.Store == nil {
		return errors.New("runtime store is required")
	}
	if cfg.Keeper.IsZero() {
		return errors.New("keeper is required")
	}
	if cfg.Mint.IsZero() || cfg.RewardMint.IsZero() {
		return errors.New("mint and reward mint are required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.MaxInterval < cfg.Interval {
		return errors.New("max interval must not be below interval")
	}
	if cfg.PriceImpactCeilingPct <= 0 {
		return errors.New("price impact ceiling must be greater than 0")
	}
	if cfg.SlippageBps == 0 {
		return errors.New("slippage bps must be greater than 0")
	}
	if cfg.DropAfter <= 0 {
		return errors.New("drop window must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 3
	}
	if cfg.Alerter == nil {
		cfg.Alerter = &alert.LogAlerter{Logger: cfg.Logger}
	}
	return nil
}

// Orchestrator is the keeper state machine. Only one Run may be active and
// cycles never overlap.
type Orchestrator struct {
	log *slog.Logger
	cfg Config

	mu        sync.RWMutex
	state     State
	startedAt time.Time

	cycleMu  sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		log:    cfg.Logger,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	o.setState(StateIdle)
	return o, nil
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.State.WithLabelValues(string(st)).Set(v)
	}
	if prev != s {
		o.log.Debug("orchestrator: state changed", "from", prev, "to", s)
	}
}

type Snapshot struct {
	State     State                    `json:"state"`
	StartedAt *time.Time               `json:"started_at,omitempty"`
	Runtime   config.RuntimeCycleState `json:"runtime"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	s := Snapshot{State: o.state}
	if !o.startedAt.IsZero() {
		t := o.startedAt
		s.StartedAt = &t
	}
	o.mu.RUnlock()
	s.Runtime = o.cfg.Store.Runtime()
	return s
}

// Stop asks Run to finish the in-flight step and return.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// Run gates the loop on preflight and then runs cycles until ctx is done or
// Stop is called. It returns an error only for fatal conditions.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Preflight != nil {
		o.setState(StatePreflighting)
		art, err := o.cfg.Preflight.Run(ctx)
		if err != nil || art == nil || !art.Passed {
			o.setState(StateStopped)
			o.persistState(StateStopped)
			if err == nil {
				err = errs.ErrPreflightFailure
			}
			if !errors.Is(err, errs.ErrPreflightFailure) {
				err = fmt.Errorf("%w: %w", errs.ErrPreflightFailure, err)
			}
			o.log.Error("orchestrator: preflight failed, not starting", "error", err)
			return err
		}
	}

	o.mu.Lock()
	o.startedAt = o.cfg.Clock.Now()
	o.mu.Unlock()
	o.setState(StateRunning)
	o.persistState(StateRunning)
	o.log.Info("orchestrator: running", "interval", o.cfg.Interval, "max_interval", o.cfg.MaxInterval)

	delay := o.initialDelay()
	for {
		if delay > 0 {
			timer := o.cfg.Clock.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return o.halt()
			case <-o.stopCh:
				timer.Stop()
				return o.halt()
			case <-timer.Chan():
			}
		} else if o.stopping() || ctx.Err() != nil {
			return o.halt()
		}

		err := o.safeCycle(ctx)
		if errs.KindOf(err) == errs.KindConfigValidation {
			o.setState(StateFaulted)
			o.persistState(StateFaulted)
			o.log.Error("orchestrator: faulted", "error", err)
			return err
		}
		if o.stopping() || ctx.Err() != nil {
			return o.halt()
		}
		o.setState(StateRunning)
		delay = o.nextDelay()
	}
}

func (o *Orchestrator) halt() error {
	o.setState(StateStopping)
	// Waits for a cycle started through RunCycle to drain.
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.persistState(StateStopped)
	o.setState(StateStopped)
	o.log.Info("orchestrator: stopped")
	return nil
}

func (o *Orchestrator) persistState(s State) {
	if err := o.cfg.Store.UpdateRuntime(func(r *config.RuntimeCycleState) { r.State = string(s) }); err != nil {
		o.log.Error("orchestrator: failed to persist state", "state", s, "error", err)
	}
}

// initialDelay honours a persisted backoff so a restart does not retry early.
func (o *Orchestrator) initialDelay() time.Duration {
	rt := o.cfg.Store.Runtime()
	if rt.NextAttemptAt == nil {
		return 0
	}
	d := rt.NextAttemptAt.Sub(o.cfg.Clock.Now())
	if d < 0 {
		return 0
	}
	return min(d, o.cfg.MaxInterval)
}

func (o *Orchestrator) nextDelay() time.Duration {
	return o.backoff(o.cfg.Store.Runtime().ConsecutiveFailures)
}

func (o *Orchestrator) backoff(failures int) time.Duration {
	if failures <= 0 {
		return o.cfg.Interval
	}
	return retry.Exponential(o.cfg.Interval, o.cfg.MaxInterval, failures)
}

func (o *Orchestrator) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("orchestrator: cycle panicked", "panic", r)
			err = fmt.Errorf("cycle panicked: %v", r)
			o.recordFailure(context.WithoutCancel(ctx), "", "panic", err)
		}
	}()
	return o.RunCycle(ctx)
}

var errStopped = errors.New("stop requested")

// cycle identifies one RunCycle invocation.
type cycle struct {
	id    string
	start time.Time
	ctx   context.Context
}

// RunCycle executes one harvest, swap and distribute cycle. Step failures
// are recorded and returned; a skipped cycle returns nil.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	c := &cycle{
		id:    uuid.NewString(),
		start: o.cfg.Clock.Now(),
		// Submissions in flight must be allowed to finish after a stop.
		ctx: context.WithoutCancel(ctx),
	}
	log := o.log.With("cycle_id", c.id)
	defer func() {
		metrics.CycleDuration.Observe(o.cfg.Clock.Since(c.start).Seconds())
	}()

	skipped, step, err := o.runSteps(ctx, c, log)
	switch {
	case errors.Is(err, errStopped):
		log.Info("orchestrator: cycle interrupted by stop", "step", step)
		metrics.CyclesTotal.WithLabelValues("stopped").Inc()
		return nil
	case err != nil:
		o.recordFailure(c.ctx, c.id, step, err)
		return err
	case skipped:
		o.recordSkip(c, log)
		return nil
	}
	o.recordSuccess(c, log)
	return nil
}

func (o *Orchestrator) checkStop(ctx context.Context) error {
	if o.stopping() || ctx.Err() != nil {
		return errStopped
	}
	return nil
}

func (o *Orchestrator) update(fn func(r *config.RuntimeCycleState)) error {
	if err := o.cfg.Store.UpdateRuntime(fn); err != nil {
		return fmt.Errorf("failed to persist runtime state: %w", err)
	}
	return nil
}

func (o *Orchestrator) runSteps(ctx context.Context, c *cycle, log *slog.Logger) (skipped bool, step string, err error) {
	if err := o.update(func(r *config.RuntimeCycleState) {
		r.LastCycleID = c.id
		now := c.start
		r.LastCycleAt = &now
	}); err != nil {
		return false, "persist", err
	}

	if err := o.resolvePending(c, log); err != nil {
		return false, "resolve", err
	}

	// Harvest.
	balance, err := o.cfg.Vault.HarvestableBalance(c.ctx)
	if err != nil {
		return false, config.StepHarvest, fmt.Errorf("failed to read harvestable balance: %w", err)
	}
	rt := o.cfg.Store.Runtime()
	below := balance == 0 || balance < o.cfg.HarvestThreshold
	if below && rt.Idle() {
		log.Info("orchestrator: harvestable balance below minimum, skipping cycle", "harvestable", balance, "minimum", o.cfg.HarvestThreshold)
		return true, config.StepHarvest, nil
	}
	if !below {
		if err := o.harvest(c, log); err != nil {
			return false, config.StepHarvest, err
		}
	}
	if err := o.checkStop(ctx); err != nil {
		return false, config.StepHarvest, err
	}

	// Swap.
	if err := o.swap(c, log); err != nil {
		return false, config.StepSwap, err
	}
	if err := o.checkStop(ctx); err != nil {
		return false, config.StepSwap, err
	}

	// Distribute.
	if err := o.distribute(c, log); err != nil {
		return false, config.StepDistribute, err
	}
	return false, "", nil
}

// resolvePending re-queries submissions whose confirmation was never seen
// and settles their effect on the pending amounts.
func (o *Orchestrator) resolvePending(c *cycle, log *slog.Logger) error {
	pending := o.cfg.Store.Runtime().Unconfirmed
	if len(pending) == 0 {
		return nil
	}
	var (
		keep    []config.PendingSubmission
		settled []func(r *config.RuntimeCycleState)
	)
	for _, p := range pending {
		sig, err := solana.SignatureFromBase58(p.Signature)
		if err != nil {
			log.Warn("orchestrator: dropping unparseable pending signature", "step", p.Step, "signature", p.Signature)
			continue
		}
		conf, err := o.cfg.Vault.ResolveSubmission(c.ctx, sig)
		if err != nil {
			return fmt.Errorf("failed to resolve %s submission %s: %w", p.Step, p.Signature, err)
		}
		switch conf.Outcome {
		case ledger.OutcomeConfirmed:
			log.Info("orchestrator: pending submission confirmed", "step", p.Step, "signature", p.Signature, "amount", p.Amount)
			settled = append(settled, applyConfirmed(p))
		case ledger.OutcomeFailed:
			log.Info("orchestrator: pending submission failed", "step", p.Step, "signature", p.Signature, "error", conf.Err)
		default:
			if age := o.cfg.Clock.Since(p.SubmittedAt); age >= o.cfg.DropAfter {
				log.Warn("orchestrator: pending submission never landed, treating as dropped", "step", p.Step, "signature", p.Signature, "age", age)
				continue
			}
			keep = append(keep, p)
		}
	}
	if err := o.update(func(r *config.RuntimeCycleState) {
		for _, fn := range settled {
			fn(r)
		}
		r.Unconfirmed = keep
	}); err != nil {
		return err
	}
	if len(keep) > 0 {
		return fmt.Errorf("%w: %d submissions still unconfirmed", errs.ErrIndeterminate, len(keep))
	}
	return nil
}

func applyConfirmed(p config.PendingSubmission) func(r *config.RuntimeCycleState) {
	return func(r *config.RuntimeCycleState) {
		switch p.Step {
		case config.StepHarvest:
			addHarvest(r, p.Amount, p.OwnerShareBps)
		case config.StepTopUp:
			r.PendingOwnerSwapAmount = subFloor(r.PendingOwnerSwapAmount, p.Amount)
			r.LastTopUpLamports = p.ExpectedOut
		case config.StepSwap:
			settleSwap(r, p.Amount, p.OwnerIn, p.ExpectedOut)
		case config.StepOwnerPayout:
			r.PendingOwnerAmount = subFloor(r.PendingOwnerAmount, p.Amount)
			r.LastOwnerPaidAmount = p.Amount
		case config.StepDistribute:
			r.PendingDistributionAmount = subFloor(r.PendingDistributionAmount, p.Amount)
		}
	}
}

// addHarvest carves the owner's share out of a confirmed harvest.
func addHarvest(r *config.RuntimeCycleState, amount uint64, ownerShareBps uint16) {
	owner := distribution.Share(amount, uint64(ownerShareBps), 10_000)
	r.PendingOwnerSwapAmount += owner
	r.PendingSwapAmount += amount - owner
	r.LastHarvestedAmount = amount
}

// settleSwap moves a confirmed swap of in (ownerIn of it carved for the
// owner) into the reward amounts owed, split in the same proportion.
func settleSwap(r *config.RuntimeCycleState, in, ownerIn, out uint64) {
	ownerIn = min(ownerIn, in)
	r.PendingSwapAmount = subFloor(r.PendingSwapAmount, in-ownerIn)
	r.PendingOwnerSwapAmount = subFloor(r.PendingOwnerSwapAmount, ownerIn)
	ownerOut := distribution.Share(out, ownerIn, in)
	r.PendingOwnerAmount += ownerOut
	r.PendingDistributionAmount += out - ownerOut
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func (o *Orchestrator) pendingFrom(step string, subs []vault.Submission) []config.PendingSubmission {
	now := o.cfg.Clock.Now()
	out := make([]config.PendingSubmission, 0, len(subs))
	for _, s := range subs {
		out = append(out, config.PendingSubmission{
			Step:        step,
			Signature:   s.Signature.String(),
			Amount:      s.Amount,
			SubmittedAt: now,
		})
	}
	return out
}

func (o *Orchestrator) harvest(c *cycle, log *slog.Logger) error {
	o.setState(StateHarvesting)
	set, err := o.cfg.Vault.RefreshExclusions(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to read vault policy: %w", err)
	}
	bps := set.OwnerShareBps
	res, err := o.cfg.Vault.Harvest(c.ctx)
	if errors.Is(err, errs.ErrNothingToHarvest) {
		log.Info("orchestrator: nothing to harvest", "reason", err)
		return nil
	}
	if res != nil {
		pending := o.pendingFrom(config.StepHarvest, res.Unconfirmed)
		for i := range pending {
			pending[i].OwnerShareBps = bps
		}
		if perr := o.update(func(r *config.RuntimeCycleState) {
			if res.Harvested > 0 {
				addHarvest(r, res.Harvested, bps)
			}
			r.Unconfirmed = append(r.Unconfirmed, pending...)
		}); perr != nil {
			return errors.Join(err, perr)
		}
		if res.Harvested > 0 {
			log.Info("orchestrator: harvested", "amount", res.Harvested, "owner_share_bps", bps, "transactions", len(res.Confirmed))
		}
	}
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	return nil
}

// prepareSwap quotes amount of the taxed token into output and applies the
// price impact ceiling and the minimum swap value. A nil quote with a nil
// error defers the swap.
func (o *Orchestrator) prepareSwap(c *cycle, log *slog.Logger, output solana.PublicKey, amount uint64) (*swap.Quote, error) {
	o.setState(StateQuoting)
	q, err := o.cfg.Swap.Quote(c.ctx, swap.QuoteParams{
		InputMint:   o.cfg.Mint,
		OutputMint:  output,
		Amount:      amount,
		SlippageBps: o.cfg.SlippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	if err := o.update(func(r *config.RuntimeCycleState) {
		r.LastQuote = &config.QuoteRecord{
			InputMint:      q.InputMint.String(),
			OutputMint:     q.OutputMint.String(),
			InAmount:       q.InAmount,
			OutAmount:      q.OutAmount,
			MinOutAmount:   q.MinOutAmount,
			SlippageBps:    q.SlippageBps,
			PriceImpactPct: q.PriceImpactPct,
			Route:          q.Route,
			ContextSlot:    q.ContextSlot,
			QuotedAt:       q.QuotedAt,
		}
	}); err != nil {
		return nil, err
	}
	log.Info("orchestrator: quote received", "output", output.String(), "in", q.InAmount, "out", q.OutAmount, "min_out", q.MinOutAmount, "price_impact_pct", q.PriceImpactPct, "route", q.Route)
	if q.PriceImpactPct > o.cfg.PriceImpactCeilingPct {
		return nil, fmt.Errorf("%w: %.4f%% above ceiling %.4f%%", errs.ErrPriceImpactExceeded, q.PriceImpactPct, o.cfg.PriceImpactCeilingPct)
	}

	if o.cfg.MinSwapValueUSD > 0 {
		price, err := o.cfg.Swap.TokenPrice(c.ctx, o.cfg.Mint)
		switch {
		case err != nil:
			log.Warn("orchestrator: token price unavailable, proceeding", "error", err)
		case price == nil:
			log.Info("orchestrator: no token price, proceeding without value check")
		default:
			value := float64(amount) / math.Pow10(int(o.cfg.MintDecimals)) * *price
			if value < o.cfg.MinSwapValueUSD {
				log.Info("orchestrator: swap value below minimum, deferring", "value_usd", value, "minimum_usd", o.cfg.MinSwapValueUSD)
				return nil, nil
			}
		}
	}
	return q, nil
}

// execute signs and sends q, then persists the outcome through settle or,
// when the confirmation was not observed, as a pending submission.
func (o *Orchestrator) execute(c *cycle, q *swap.Quote, pending config.PendingSubmission, settle func(r *config.RuntimeCycleState, out uint64)) (*swap.Result, error) {
	o.setState(StateSwapping)
	res, err := o.cfg.Swap.Swap(c.ctx, q, o.cfg.Keeper)
	if res == nil {
		return nil, err
	}
	rec := &config.SwapRecord{
		Signature:  res.Signature.String(),
		InAmount:   res.InAmount,
		OutAmount:  res.OutAmount,
		Outcome:    res.Status.String(),
		Slot:       res.Slot,
		ExecutedAt: res.ExecutedAt,
	}
	perr := o.update(func(r *config.RuntimeCycleState) {
		r.LastSwap = rec
		switch res.Status {
		case ledger.OutcomeConfirmed:
			settle(r, res.OutAmount)
		case ledger.OutcomeTimedOut:
			pending.Signature = res.Signature.String()
			pending.Amount = q.InAmount
			pending.ExpectedOut = q.MinOutAmount
			pending.SubmittedAt = o.cfg.Clock.Now()
			r.Unconfirmed = append(r.Unconfirmed, pending)
		}
	})
	if perr != nil {
		return res, errors.Join(err, perr)
	}
	return res, err
}

// topUp swaps the owner's carved share into SOL for the keeper when its
// balance is below the operating minimum. The owner receives nothing from
// that share.
func (o *Orchestrator) topUp(c *cycle, log *slog.Logger) error {
	amount := o.cfg.Store.Runtime().PendingOwnerSwapAmount
	if amount == 0 || o.cfg.MinOperatingLamports == 0 {
		return nil
	}
	lamports, err := o.cfg.Vault.KeeperLamports(c.ctx)
	if err != nil {
		return fmt.Errorf("top-up: %w", err)
	}
	if lamports >= o.cfg.MinOperatingLamports {
		return nil
	}
	log.Info("orchestrator: keeper balance low, swapping owner share to SOL", "lamports", lamports, "minimum", o.cfg.MinOperatingLamports, "amount", amount)
	q, err := o.prepareSwap(c, log, solana.SolMint, amount)
	if err != nil || q == nil {
		return err
	}
	res, err := o.execute(c, q, config.PendingSubmission{Step: config.StepTopUp}, func(r *config.RuntimeCycleState, out uint64) {
		r.PendingOwnerSwapAmount = subFloor(r.PendingOwnerSwapAmount, q.InAmount)
		r.LastTopUpLamports = out
	})
	if res != nil && res.Status == ledger.OutcomeConfirmed {
		log.Info("orchestrator: keeper topped up", "in", res.InAmount, "lamports", res.OutAmount, "signature", res.Signature.String())
	}
	if err != nil {
		return fmt.Errorf("top-up swap: %w", err)
	}
	return nil
}

func (o *Orchestrator) swap(c *cycle, log *slog.Logger) error {
	if err := o.topUp(c, log); err != nil {
		return err
	}
	rt := o.cfg.Store.Runtime()
	ownerIn := rt.PendingOwnerSwapAmount
	amount := rt.PendingSwapAmount + ownerIn
	if amount == 0 {
		return nil
	}
	q, err := o.prepareSwap(c, log, o.cfg.RewardMint, amount)
	if err != nil || q == nil {
		return err
	}
	res, err := o.execute(c, q, config.PendingSubmission{Step: config.StepSwap, OwnerIn: ownerIn}, func(r *config.RuntimeCycleState, out uint64) {
		settleSwap(r, q.InAmount, ownerIn, out)
	})
	if res != nil && res.Status == ledger.OutcomeConfirmed {
		log.Info("orchestrator: swap confirmed", "in", res.InAmount, "owner_in", ownerIn, "out", res.OutAmount, "signature", res.Signature.String())
	}
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	return nil
}

func (o *Orchestrator) distribute(c *cycle, log *slog.Logger) error {
	if rt := o.cfg.Store.Runtime(); rt.PendingOwnerAmount == 0 && rt.PendingDistributionAmount == 0 {
		return nil
	}

	o.setState(StateDistributing)
	if err := o.capToBalance(c, log); err != nil {
		return err
	}
	set, err := o.cfg.Vault.RefreshExclusions(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh exclusions: %w", err)
	}
	if err := o.payOwner(c, log, set); err != nil {
		return err
	}
	if err := o.resumePayouts(c, log, set); err != nil {
		return err
	}

	rt := o.cfg.Store.Runtime()
	amount := subFloor(rt.PendingDistributionAmount, rt.PlannedTotal())
	if amount == 0 {
		return nil
	}
	res, err := o.cfg.Vault.Distribute(c.ctx, amount, set)
	if res != nil {
		if perr := o.recordDistribution(res); perr != nil {
			return errors.Join(err, perr)
		}
		log.Info("orchestrator: distributed",
			"amount", res.Distributed,
			"recipients", len(res.Allocation.Recipients),
			"dust", res.Allocation.Dust,
			"transactions", len(res.Confirmed),
			"unpaid", len(res.Remaining),
		)
	}
	if err != nil {
		return fmt.Errorf("distribute: %w", err)
	}
	return nil
}

// capToBalance bounds the reward amounts owed by what the keeper holds. A
// payment that landed without being recorded is then never paid twice.
func (o *Orchestrator) capToBalance(c *cycle, log *slog.Logger) error {
	bal, err := o.cfg.Vault.RewardBalance(c.ctx)
	if err != nil {
		return err
	}
	rt := o.cfg.Store.Runtime()
	if rt.PendingOwnerAmount+rt.PendingDistributionAmount <= bal {
		return nil
	}
	owner := min(rt.PendingOwnerAmount, bal)
	dist := min(rt.PendingDistributionAmount, bal-owner)
	log.Warn("orchestrator: pending rewards exceed keeper balance, capping",
		"balance", bal,
		"owner_pending", rt.PendingOwnerAmount,
		"distribution_pending", rt.PendingDistributionAmount,
	)
	return o.update(func(r *config.RuntimeCycleState) {
		r.PendingOwnerAmount = owner
		r.PendingDistributionAmount = dist
		if r.PlannedTotal() > dist {
			r.PendingPayouts = nil
		}
	})
}

func (o *Orchestrator) payOwner(c *cycle, log *slog.Logger, set *vault.ExclusionSet) error {
	amount := o.cfg.Store.Runtime().PendingOwnerAmount
	if amount == 0 {
		return nil
	}
	sub, err := o.cfg.Vault.PayOwner(c.ctx, amount, set)
	switch {
	case err == nil:
		log.Info("orchestrator: owner share paid", "amount", amount, "payee", set.OwnerPayee().String(), "signature", sub.Signature.String())
		return o.update(func(r *config.RuntimeCycleState) {
			r.PendingOwnerAmount = subFloor(r.PendingOwnerAmount, amount)
			r.LastOwnerPaidAmount = amount
		})
	case errors.Is(err, errs.ErrIndeterminate) && !sub.Signature.IsZero():
		pending := o.pendingFrom(config.StepOwnerPayout, []vault.Submission{sub})
		if perr := o.update(func(r *config.RuntimeCycleState) {
			r.Unconfirmed = append(r.Unconfirmed, pending...)
		}); perr != nil {
			return errors.Join(err, perr)
		}
	}
	return fmt.Errorf("owner payout: %w", err)
}

// resumePayouts sends the unpaid remainder of an interrupted distribution
// before anything new is planned. Owners excluded since are dropped and
// their amount is planned again with the rest.
func (o *Orchestrator) resumePayouts(c *cycle, log *slog.Logger, set *vault.ExclusionSet) error {
	planned := o.cfg.Store.Runtime().PendingPayouts
	if len(planned) == 0 {
		return nil
	}
	recipients := make([]distribution.Recipient, 0, len(planned))
	for _, p := range planned {
		owner, err := solana.PublicKeyFromBase58(p.Owner)
		if err != nil || set.RewardExcluded(owner) {
			log.Warn("orchestrator: dropping planned payout", "owner", p.Owner, "amount", p.Amount)
			continue
		}
		recipients = append(recipients, distribution.Recipient{Owner: owner, Amount: p.Amount})
	}
	log.Info("orchestrator: resuming interrupted distribution", "recipients", len(recipients), "amount", distribution.Total(recipients))
	res, err := o.cfg.Vault.Pay(c.ctx, recipients, set)
	if res != nil {
		if perr := o.recordDistribution(res); perr != nil {
			return errors.Join(err, perr)
		}
	}
	if err != nil {
		return fmt.Errorf("resume distribution: %w", err)
	}
	return nil
}

func (o *Orchestrator) recordDistribution(res *vault.DistributionResult) error {
	sigs := make([]string, 0, len(res.Confirmed))
	for _, s := range res.Confirmed {
		sigs = append(sigs, s.Signature.String())
	}
	remaining := make([]config.PlannedPayout, 0, len(res.Remaining))
	for _, r := range res.Remaining {
		remaining = append(remaining, config.PlannedPayout{Owner: r.Owner.String(), Amount: r.Amount})
	}
	return o.update(func(r *config.RuntimeCycleState) {
		r.PendingDistributionAmount = subFloor(r.PendingDistributionAmount, res.Distributed)
		r.Unconfirmed = append(r.Unconfirmed, o.pendingFrom(config.StepDistribute, res.Unconfirmed)...)
		r.PendingPayouts = remaining
		if len(sigs) > 0 {
			r.LastDistributionSignatures = sigs
			r.LastDistributedAmount = res.Distributed
		}
	})
}

func (o *Orchestrator) recordSuccess(c *cycle, log *slog.Logger) {
	now := o.cfg.Clock.Now()
	next := now.Add(o.cfg.Interval)
	if err := o.cfg.Store.UpdateRuntime(func(r *config.RuntimeCycleState) {
		r.LastSuccessAt = &now
		r.ConsecutiveFailures = 0
		r.LastFailure = ""
		r.LastFailureKind = ""
		r.AlertActive = false
		r.NextAttemptAt = &next
	}); err != nil {
		log.Error("orchestrator: failed to persist cycle success", "error", err)
	}
	metrics.CyclesTotal.WithLabelValues("success").Inc()
	metrics.ConsecutiveFailures.Set(0)
	metrics.AlertActive.Set(0)
	log.Info("orchestrator: cycle completed", "duration", o.cfg.Clock.Since(c.start))
}

func (o *Orchestrator) recordSkip(c *cycle, log *slog.Logger) {
	now := o.cfg.Clock.Now()
	next := now.Add(o.cfg.Interval)
	if err := o.cfg.Store.UpdateRuntime(func(r *config.RuntimeCycleState) {
		r.ConsecutiveFailures = 0
		r.AlertActive = false
		r.NextAttemptAt = &next
	}); err != nil {
		log.Error("orchestrator: failed to persist cycle skip", "error", err)
	}
	metrics.CyclesTotal.WithLabelValues("skipped").Inc()
	metrics.ConsecutiveFailures.Set(0)
	metrics.AlertActive.Set(0)
	log.Debug("orchestrator: cycle skipped", "duration", o.cfg.Clock.Since(c.start))
}

func (o *Orchestrator) recordFailure(ctx context.Context, cycleID, step string, err error) {
	kind := errs.KindOf(err)
	var (
		failures int
		raise    bool
	)
	now := o.cfg.Clock.Now()
	if perr := o.cfg.Store.UpdateRuntime(func(r *config.RuntimeCycleState) {
		r.ConsecutiveFailures++
		failures = r.ConsecutiveFailures
		r.LastFailure = err.Error()
		r.LastFailureKind = string(kind)
		next := now.Add(o.backoff(failures))
		r.NextAttemptAt = &next
		if failures >= o.cfg.AlertThreshold {
			raise = !r.AlertActive
			r.AlertActive = true
		}
	}); perr != nil {
		o.log.Error("orchestrator: failed to persist cycle failure", "error", perr)
	}

	metrics.CyclesTotal.WithLabelValues("failure").Inc()
	metrics.StepFailuresTotal.WithLabelValues(step, string(kind)).Inc()
	metrics.ConsecutiveFailures.Set(float64(failures))
	o.log.Error("orchestrator: cycle failed",
		"cycle_id", cycleID,
		"step", step,
		"kind", kind,
		"consecutive_failures", failures,
		"next_attempt_in", o.backoff(failures),
		"error", err,
	)

	if raise {
		metrics.AlertActive.Set(1)
		if aerr := o.cfg.Alerter.Alert(ctx, alert.Alert{
			Title:               fmt.Sprintf("keeper failed %d consecutive cycles", failures),
			Kind:                kind,
			ConsecutiveFailures: failures,
			CycleID:             cycleID,
			Err:                 err,
		}); aerr != nil {
			o.log.Warn("orchestrator: failed to raise alert", "error", aerr)
		}
	}
}
