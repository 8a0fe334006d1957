// Package vault builds and submits the vault program's instructions and
// decodes the accounts it owns.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/keeper/keeper/pkg/distribution"
	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
	"github.com/malbeclabs/keeper/keeper/pkg/metrics"
)

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Ledger    ledger.Client
	ProgramID solana.PublicKey
	// Mint is the taxed Token-2022 mint.
	Mint       solana.PublicKey
	RewardMint solana.PublicKey
	// RewardTokenProgram owns the reward mint; defaults to the legacy
	// token program.
	RewardTokenProgram solana.PublicKey
	Keeper             solana.PrivateKey
	HarvestThreshold   uint64
	ExclusionMaxAge    time.Duration
	ConfirmTimeout     time.Duration
	// ResolveTimeout bounds the status re-query of a past submission.
	ResolveTimeout time.Duration
	Commitment     ledger.Commitment
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if cfg.Keeper == nil {
		return errors.New("keeper key is required")
	}
	if cfg.ExclusionMaxAge <= 0 {
		return errors.New("exclusion max age must be greater than 0")
	}
	if cfg.ConfirmTimeout <= 0 {
		return errors.New("confirm timeout must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RewardTokenProgram.IsZero() {
		cfg.RewardTokenProgram = solana.TokenProgramID
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 5 * time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = ledger.CommitmentConfirmed
	}
	return nil
}

type Gateway struct {
	log   *slog.Logger
	cfg   Config
	vault solana.PublicKey

	mu         sync.Mutex
	exclusions *ExclusionSet
}

func NewGateway(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vault, _, err := VaultAddress(cfg.ProgramID, cfg.Mint)
	if err != nil {
		return nil, err
	}
	return &Gateway{log: cfg.Logger, cfg: cfg, vault: vault}, nil
}

// Address is the vault state account.
func (g *Gateway) Address() solana.PublicKey {
	return g.vault
}

// Submission is one transaction sent by the gateway and the token amount it
// moves.
type Submission struct {
	Signature solana.Signature
	Amount    uint64
	Outcome   ledger.Outcome
}

type HarvestResult struct {
	// Harvested is the confirmed amount.
	Harvested   uint64
	Confirmed   []Submission
	Unconfirmed []Submission
}

type DistributionResult struct {
	Allocation  distribution.Allocation
	Distributed uint64
	Confirmed   []Submission
	Unconfirmed []Submission
	// Remaining lists the planned payouts that were not sent, or were sent
	// and rejected, when a batch stops the distribution.
	Remaining []distribution.Recipient
}

type holdings struct {
	mintWithheld uint64
	accounts     []*TokenAccount
}

func (h *holdings) total() uint64 {
	sum := h.mintWithheld
	for _, a := range h.accounts {
		sum += a.Withheld
	}
	return sum
}

func (h *holdings) withheld() []*TokenAccount {
	var out []*TokenAccount
	for _, a := range h.accounts {
		if a.Withheld > 0 {
			out = append(out, a)
		}
	}
	return out
}

// scan reads the mint and every token account of the taxed mint.
func (g *Gateway) scan(ctx context.Context) (*holdings, error) {
	var (
		mint     *Mint
		accounts []*ledger.Account
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		acc, err := g.cfg.Ledger.GetAccount(egCtx, g.cfg.Mint)
		if err != nil {
			return fmt.Errorf("failed to get mint: %w", err)
		}
		mint, err = DecodeMint(acc.Data)
		return err
	})
	eg.Go(func() error {
		var err error
		accounts, err = g.cfg.Ledger.GetTokenAccounts(egCtx, solana.Token2022ProgramID, g.cfg.Mint)
		if err != nil {
			return fmt.Errorf("failed to get token accounts: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	h := &holdings{mintWithheld: mint.Withheld}
	for _, acc := range accounts {
		ta, err := DecodeTokenAccount(acc.Address, acc.Data)
		if err != nil {
			g.log.Warn("vault: skipping undecodable token account", "account", acc.Address.String(), "error", err)
			continue
		}
		h.accounts = append(h.accounts, ta)
	}
	slices.SortFunc(h.accounts, func(a, b *TokenAccount) int {
		return compareKeys(a.Address, b.Address)
	})
	return h, nil
}

func compareKeys(a, b solana.PublicKey) int {
	for i := range a {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return 0
}

// HarvestableBalance is the withheld fee amount across the mint and all of
// its token accounts.
func (g *Gateway) HarvestableBalance(ctx context.Context) (uint64, error) {
	h, err := g.scan(ctx)
	if err != nil {
		return 0, err
	}
	return h.total(), nil
}

// TransferFee returns the mint's current transfer fee schedule.
func (g *Gateway) TransferFee(ctx context.Context) (TransferFee, error) {
	acc, err := g.cfg.Ledger.GetAccount(ctx, g.cfg.Mint)
	if err != nil {
		return TransferFee{}, fmt.Errorf("failed to get mint: %w", err)
	}
	mint, err := DecodeMint(acc.Data)
	if err != nil {
		return TransferFee{}, err
	}
	return mint.NewerFee, nil
}

// Harvest reads the on-chain withheld balance and, when it reaches the
// harvest threshold, withdraws it into the keeper's token account in
// batches. A batch whose confirmation times out stops the harvest with
// errs.ErrIndeterminate and is reported in Unconfirmed.
func (g *Gateway) Harvest(ctx context.Context) (*HarvestResult, error) {
	h, err := g.scan(ctx)
	if err != nil {
		return nil, err
	}
	total := h.total()
	if total == 0 || total < g.cfg.HarvestThreshold {
		return nil, fmt.Errorf("%w: harvestable %d below threshold %d", errs.ErrNothingToHarvest, total, g.cfg.HarvestThreshold)
	}

	dest, err := ledger.AssociatedTokenAddress(g.cfg.Keeper.PublicKey(), g.cfg.Mint, solana.Token2022ProgramID)
	if err != nil {
		return nil, err
	}
	accts := HarvestFeesAccounts{
		Vault:       g.vault,
		Authority:   g.cfg.Keeper.PublicKey(),
		Mint:        g.cfg.Mint,
		Destination: dest,
	}

	batches := chunk(h.withheld(), MaxHarvestAccounts)
	if len(batches) == 0 {
		batches = [][]*TokenAccount{nil}
	}
	res := &HarvestResult{}
	for i, batch := range batches {
		amount := uint64(0)
		if i == 0 {
			amount = h.mintWithheld
		}
		sources := make([]solana.PublicKey, 0, len(batch))
		for _, a := range batch {
			sources = append(sources, a.Address)
			amount += a.Withheld
		}
		ix, err := NewHarvestFeesInstruction(g.cfg.ProgramID, accts, sources)
		if err != nil {
			return res, err
		}
		sub, err := g.submitAndConfirm(ctx, "harvest", []solana.Instruction{ix}, amount)
		switch {
		case errors.Is(err, errs.ErrIndeterminate):
			res.Unconfirmed = append(res.Unconfirmed, sub)
			return res, err
		case err != nil:
			return res, fmt.Errorf("failed to harvest batch %d/%d: %w", i+1, len(batches), err)
		}
		res.Confirmed = append(res.Confirmed, sub)
		res.Harvested += amount
		metrics.HarvestedTotal.Add(float64(amount))
		g.log.Info("vault: harvest batch confirmed", "batch", i+1, "batches", len(batches), "accounts", len(sources), "amount", amount, "signature", sub.Signature.String())
	}
	return res, nil
}

func chunk[T any](items []T, n int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += n {
		out = append(out, items[start:min(start+n, len(items))])
	}
	return out
}

// submitAndConfirm sends instructions signed by the keeper and waits for
// the configured commitment.
func (g *Gateway) submitAndConfirm(ctx context.Context, op string, ixs []solana.Instruction, amount uint64, signers ...solana.PrivateKey) (Submission, error) {
	if len(signers) == 0 {
		signers = []solana.PrivateKey{g.cfg.Keeper}
	}
	sig, err := g.cfg.Ledger.Submit(ctx, ixs, signers...)
	switch {
	case errors.Is(err, errs.ErrIndeterminate) && !sig.IsZero():
		g.log.Warn("vault: send outcome unknown", "op", op, "signature", sig.String(), "error", err)
		return Submission{Signature: sig, Amount: amount, Outcome: ledger.OutcomeTimedOut}, fmt.Errorf("%s: %w", op, err)
	case err != nil:
		return Submission{}, fmt.Errorf("failed to submit %s: %w", op, err)
	}
	sub := Submission{Signature: sig, Amount: amount}
	conf, err := g.cfg.Ledger.WaitForConfirmation(ctx, sig, g.cfg.Commitment, g.cfg.ConfirmTimeout)
	if err != nil {
		sub.Outcome = ledger.OutcomeTimedOut
		return sub, fmt.Errorf("%w: %s %s: %w", errs.ErrIndeterminate, op, sig, err)
	}
	sub.Outcome = conf.Outcome
	switch conf.Outcome {
	case ledger.OutcomeConfirmed:
		return sub, nil
	case ledger.OutcomeFailed:
		return sub, fmt.Errorf("%s %s: %w", op, sig, conf.Err)
	default:
		g.log.Warn("vault: confirmation indeterminate", "op", op, "signature", sig.String(), "timeout", g.cfg.ConfirmTimeout)
		return sub, fmt.Errorf("%w: %s %s not confirmed within %s", errs.ErrIndeterminate, op, sig, g.cfg.ConfirmTimeout)
	}
}

// State reads and decodes the vault account.
func (g *Gateway) State(ctx context.Context) (*VaultState, error) {
	acc, err := g.cfg.Ledger.GetAccount(ctx, g.vault)
	if err != nil {
		return nil, fmt.Errorf("failed to get vault state: %w", err)
	}
	return DecodeVaultState(acc.Data)
}

// RefreshExclusions re-reads both exclusion lists and caches the result.
func (g *Gateway) RefreshExclusions(ctx context.Context) (*ExclusionSet, error) {
	state, err := g.State(ctx)
	if err != nil {
		return nil, err
	}
	set := newExclusionSet(state, g.cfg.Clock.Now())
	g.mu.Lock()
	g.exclusions = set
	g.mu.Unlock()
	return set, nil
}

// Exclusions returns the cached set, or nil before the first refresh.
func (g *Gateway) Exclusions() *ExclusionSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exclusions
}

// Holders returns the positive balances of the taxed token.
func (g *Gateway) Holders(ctx context.Context) ([]distribution.Holder, error) {
	h, err := g.scan(ctx)
	if err != nil {
		return nil, err
	}
	holders := make([]distribution.Holder, 0, len(h.accounts))
	for _, a := range h.accounts {
		if a.Amount == 0 {
			continue
		}
		holders = append(holders, distribution.Holder{Owner: a.Owner, Account: a.Address, Balance: a.Amount})
	}
	return holders, nil
}

// Distribute pays amount of the reward token to eligible holders in
// proportion to their balances. The minimum hold and batch size come from
// the vault state captured in set. It refuses an exclusion set older than
// the configured bound so exclusions are always applied from fresh state.
func (g *Gateway) Distribute(ctx context.Context, amount uint64, set *ExclusionSet) (*DistributionResult, error) {
	if err := g.checkExclusions(set); err != nil {
		return nil, err
	}
	holders, err := g.Holders(ctx)
	if err != nil {
		return nil, err
	}
	alloc := distribution.Plan(amount, holders, distribution.Policy{Excluded: set.Reward, MinHold: set.MinimumHold})
	if len(alloc.Recipients) == 0 {
		g.log.Info("vault: no eligible recipients", "amount", amount, "holders", len(holders), "minimum_hold", set.MinimumHold)
		return &DistributionResult{Allocation: alloc}, nil
	}
	res, err := g.pay(ctx, alloc.Recipients, set)
	if res != nil {
		res.Allocation = alloc
	}
	return res, err
}

// Pay sends an already planned payout list, such as the unpaid remainder
// of an interrupted distribution.
func (g *Gateway) Pay(ctx context.Context, recipients []distribution.Recipient, set *ExclusionSet) (*DistributionResult, error) {
	if err := g.checkExclusions(set); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return &DistributionResult{}, nil
	}
	res, err := g.pay(ctx, recipients, set)
	if res != nil {
		res.Allocation = distribution.Allocation{Recipients: recipients, Distributed: distribution.Total(recipients)}
	}
	return res, err
}

func (g *Gateway) checkExclusions(set *ExclusionSet) error {
	if set == nil {
		return fmt.Errorf("%w: no exclusion set loaded", errs.ErrStaleExclusions)
	}
	if age := g.cfg.Clock.Since(set.FetchedAt); age > g.cfg.ExclusionMaxAge {
		return fmt.Errorf("%w: fetched %s ago, max %s", errs.ErrStaleExclusions, age, g.cfg.ExclusionMaxAge)
	}
	if g.cfg.RewardMint.IsZero() {
		return fmt.Errorf("%w: reward mint is not configured", errs.ErrConfigValidation)
	}
	return nil
}

func (g *Gateway) rewardSource() (solana.PublicKey, error) {
	return ledger.AssociatedTokenAddress(g.cfg.Keeper.PublicKey(), g.cfg.RewardMint, g.cfg.RewardTokenProgram)
}

func (g *Gateway) pay(ctx context.Context, recipients []distribution.Recipient, set *ExclusionSet) (*DistributionResult, error) {
	source, err := g.rewardSource()
	if err != nil {
		return nil, err
	}
	accts := DistributeRewardsAccounts{
		Vault:        g.vault,
		Authority:    g.cfg.Keeper.PublicKey(),
		Source:       source,
		RewardMint:   g.cfg.RewardMint,
		TokenProgram: g.cfg.RewardTokenProgram,
	}

	res := &DistributionResult{}
	batches := distribution.Batches(recipients, set.BatchSize)
	for i, batch := range batches {
		payouts := make([]Payout, 0, len(batch))
		var batchAmount uint64
		for _, r := range batch {
			if set.RewardExcluded(r.Owner) {
				return res, fmt.Errorf("excluded owner %s in distribution plan", r.Owner)
			}
			ata, err := ledger.AssociatedTokenAddress(r.Owner, g.cfg.RewardMint, g.cfg.RewardTokenProgram)
			if err != nil {
				return res, err
			}
			payouts = append(payouts, Payout{Owner: r.Owner, Account: ata, Amount: r.Amount})
			batchAmount += r.Amount
		}
		ix, err := NewDistributeRewardsInstruction(g.cfg.ProgramID, accts, payouts)
		if err != nil {
			return res, err
		}
		sub, err := g.submitAndConfirm(ctx, "distribute", []solana.Instruction{ix}, batchAmount)
		switch {
		case errors.Is(err, errs.ErrIndeterminate):
			res.Unconfirmed = append(res.Unconfirmed, sub)
			res.Remaining = slices.Concat(batches[i+1:]...)
			return res, err
		case err != nil:
			res.Remaining = slices.Concat(batches[i:]...)
			return res, fmt.Errorf("failed to distribute batch %d/%d: %w", i+1, len(batches), err)
		}
		res.Confirmed = append(res.Confirmed, sub)
		res.Distributed += batchAmount
		metrics.DistributedTotal.Add(float64(batchAmount))
		g.log.Info("vault: distribution batch confirmed", "batch", i+1, "batches", len(batches), "recipients", len(payouts), "amount", batchAmount, "signature", sub.Signature.String())
	}
	return res, nil
}

// PayOwner transfers the owner's share of the reward token from the
// keeper's reward account to the payee named by set.
func (g *Gateway) PayOwner(ctx context.Context, amount uint64, set *ExclusionSet) (Submission, error) {
	if err := g.checkExclusions(set); err != nil {
		return Submission{}, err
	}
	payee := set.OwnerPayee()
	if payee.IsZero() {
		return Submission{}, fmt.Errorf("%w: vault has neither treasury nor owner", errs.ErrConfigValidation)
	}
	source, err := g.rewardSource()
	if err != nil {
		return Submission{}, err
	}
	dest, err := ledger.AssociatedTokenAddress(payee, g.cfg.RewardMint, g.cfg.RewardTokenProgram)
	if err != nil {
		return Submission{}, err
	}
	transfer, err := token.NewTransferInstruction(amount, source, dest, g.cfg.Keeper.PublicKey(), nil).ValidateAndBuild()
	if err != nil {
		return Submission{}, fmt.Errorf("failed to build owner transfer: %w", err)
	}
	data, err := transfer.Data()
	if err != nil {
		return Submission{}, err
	}
	// The transfer layout is shared by both token programs.
	ix := solana.NewInstruction(g.cfg.RewardTokenProgram, transfer.Accounts(), data)
	sub, err := g.submitAndConfirm(ctx, "owner_payout", []solana.Instruction{ix}, amount)
	if err != nil {
		return sub, err
	}
	metrics.OwnerPaidTotal.Add(float64(amount))
	g.log.Info("vault: owner share paid", "payee", payee.String(), "amount", amount, "signature", sub.Signature.String())
	return sub, nil
}

// RewardBalance is the reward token held by the keeper. A missing account
// holds nothing.
func (g *Gateway) RewardBalance(ctx context.Context) (uint64, error) {
	source, err := g.rewardSource()
	if err != nil {
		return 0, err
	}
	bal, err := g.cfg.Ledger.GetTokenBalance(ctx, source)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read reward balance: %w", err)
	}
	return bal, nil
}

// KeeperLamports is the keeper wallet's native balance.
func (g *Gateway) KeeperLamports(ctx context.Context) (uint64, error) {
	bal, err := g.cfg.Ledger.GetBalance(ctx, g.cfg.Keeper.PublicKey())
	if err != nil {
		return 0, fmt.Errorf("failed to read keeper balance: %w", err)
	}
	return bal, nil
}

// ManageExclusion adds or removes address on one list. The authority must
// be the vault owner. Adding a present address or removing an absent one
// sends nothing and returns a zero signature.
func (g *Gateway) ManageExclusion(ctx context.Context, action ExclusionAction, list ExclusionList, address solana.PublicKey, authority solana.PrivateKey) (solana.Signature, error) {
	state, err := g.State(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	current := state.RewardExclusions
	if list == ListTax {
		current = state.FeeExclusions
	}
	present := slices.Contains(current, address)
	switch {
	case action == ActionAdd && present, action == ActionRemove && !present:
		g.log.Info("vault: exclusion already in requested state", "action", action.String(), "list", list.String(), "address", address.String())
		return solana.Signature{}, nil
	case action == ActionAdd && len(current) >= MaxExclusions:
		return solana.Signature{}, fmt.Errorf("%s exclusion list is full (%d entries)", list, MaxExclusions)
	}

	ix, err := NewManageExclusionsInstruction(g.cfg.ProgramID, g.vault, authority.PublicKey(), action, list, address)
	if err != nil {
		return solana.Signature{}, err
	}
	sub, err := g.submitAndConfirm(ctx, "manage_exclusions", []solana.Instruction{ix}, 0, authority)
	if err != nil {
		return sub.Signature, err
	}
	g.mu.Lock()
	g.exclusions = nil
	g.mu.Unlock()
	return sub.Signature, nil
}

func (g *Gateway) UpdateConfig(ctx context.Context, update ConfigUpdate, authority solana.PrivateKey) (solana.Signature, error) {
	if update.Empty() {
		return solana.Signature{}, errors.New("no config fields to update")
	}
	ix, err := NewUpdateConfigInstruction(g.cfg.ProgramID, g.vault, authority.PublicKey(), update)
	if err != nil {
		return solana.Signature{}, err
	}
	sub, err := g.submitAndConfirm(ctx, "update_config", []solana.Instruction{ix}, 0, authority)
	return sub.Signature, err
}

// EmergencyWithdrawVault moves amount of the taxed token held by the vault
// to destination.
func (g *Gateway) EmergencyWithdrawVault(ctx context.Context, amount uint64, destination solana.PublicKey, authority solana.PrivateKey) (solana.Signature, error) {
	source, err := ledger.AssociatedTokenAddress(g.vault, g.cfg.Mint, solana.Token2022ProgramID)
	if err != nil {
		return solana.Signature{}, err
	}
	ix, err := NewEmergencyWithdrawVaultInstruction(g.cfg.ProgramID, EmergencyWithdrawAccounts{
		Vault:       g.vault,
		Authority:   authority.PublicKey(),
		Mint:        g.cfg.Mint,
		Source:      source,
		Destination: destination,
	}, amount)
	if err != nil {
		return solana.Signature{}, err
	}
	sub, err := g.submitAndConfirm(ctx, "emergency_withdraw_vault", []solana.Instruction{ix}, amount, authority)
	return sub.Signature, err
}

// EmergencyWithdrawWithheld withdraws every withheld fee to destination,
// bypassing the keeper cycle.
func (g *Gateway) EmergencyWithdrawWithheld(ctx context.Context, destination solana.PublicKey, authority solana.PrivateKey) ([]solana.Signature, error) {
	h, err := g.scan(ctx)
	if err != nil {
		return nil, err
	}
	accts := EmergencyWithdrawAccounts{
		Vault:       g.vault,
		Authority:   authority.PublicKey(),
		Mint:        g.cfg.Mint,
		Destination: destination,
	}
	batches := chunk(h.withheld(), MaxHarvestAccounts)
	if len(batches) == 0 && h.mintWithheld > 0 {
		batches = [][]*TokenAccount{nil}
	}
	var sigs []solana.Signature
	for _, batch := range batches {
		sources := make([]solana.PublicKey, 0, len(batch))
		for _, a := range batch {
			sources = append(sources, a.Address)
		}
		ix, err := NewEmergencyWithdrawWithheldInstruction(g.cfg.ProgramID, accts, sources)
		if err != nil {
			return sigs, err
		}
		sub, err := g.submitAndConfirm(ctx, "emergency_withdraw_withheld", []solana.Instruction{ix}, 0, authority)
		if err != nil {
			return sigs, err
		}
		sigs = append(sigs, sub.Signature)
	}
	return sigs, nil
}

// ResolveSubmission re-queries the status of a past submission.
func (g *Gateway) ResolveSubmission(ctx context.Context, sig solana.Signature) (ledger.Confirmation, error) {
	return g.cfg.Ledger.WaitForConfirmation(ctx, sig, g.cfg.Commitment, g.cfg.ResolveTimeout)
}
