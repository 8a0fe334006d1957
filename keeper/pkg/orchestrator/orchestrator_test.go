package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/keeper/keeper/pkg/alert"
	"github.com/malbeclabs/keeper/keeper/pkg/config"
	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
	ledgertesting "github.com/malbeclabs/keeper/keeper/pkg/ledger/testing"
	"github.com/malbeclabs/keeper/keeper/pkg/orchestrator"
	"github.com/malbeclabs/keeper/keeper/pkg/preflight"
	"github.com/malbeclabs/keeper/keeper/pkg/swap"
	swaptesting "github.com/malbeclabs/keeper/keeper/pkg/swap/testing"
	"github.com/malbeclabs/keeper/keeper/pkg/vault"
	vaulttesting "github.com/malbeclabs/keeper/keeper/pkg/vault/testing"
	keepertesting "github.com/malbeclabs/keeper/utils/pkg/testing"
)

var (
	programID  = keepertesting.PK(200)
	mint       = keepertesting.PK(201)
	rewardMint = keepertesting.PK(202)

	ownerA    = keepertesting.PK(30)
	ownerB    = keepertesting.PK(31)
	ownerC    = keepertesting.PK(32)
	accountA  = keepertesting.PK(40)
	accountB  = keepertesting.PK(41)
	accountC  = keepertesting.PK(42)
	threshold = uint64(500_000)
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type fixture struct {
	ledger   *ledgertesting.Ledger
	program  *vaulttesting.Program
	gateway  *vault.Gateway
	swap     *swaptesting.Adapter
	store    *config.Store
	clock    *clockwork.FakeClock
	keeper   solana.PrivateKey
	alerts   *recordingAlerter
	cfg      orchestrator.Config
	stateDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := keepertesting.NewLogger()
	l := ledgertesting.New()
	keeper := keepertesting.NewKey(1)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	program, err := vaulttesting.New(l, vaulttesting.Options{
		ProgramID:  programID,
		Mint:       mint,
		RewardMint: rewardMint,
		Owner:      keepertesting.NewKey(2).PublicKey(),
		Keeper:     keeper.PublicKey(),
		FeeBps:     500,
	})
	require.NoError(t, err)
	// The keeper's harvest account holds the taxed token and must not
	// receive rewards.
	require.NoError(t, program.Exclude(vault.ListReward, keeper.PublicKey()))

	gw, err := vault.NewGateway(vault.Config{
		Logger:           log,
		Clock:            clock,
		Ledger:           l,
		ProgramID:        programID,
		Mint:             mint,
		RewardMint:       rewardMint,
		Keeper:           keeper,
		HarvestThreshold: threshold,
		ExclusionMaxAge:  5 * time.Minute,
		ConfirmTimeout:   time.Minute,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := config.Open(config.StoreConfig{Logger: log, Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	adapter := swaptesting.New(clock)
	adapter.RateNum, adapter.RateDen = 1, 2
	adapter.PriceImpactPct = 1.5
	rewardSource, err := ledger.AssociatedTokenAddress(keeper.PublicKey(), rewardMint, solana.TokenProgramID)
	require.NoError(t, err)
	adapter.OnSwap = func(q *swap.Quote, res *swap.Result) error {
		if q.OutputMint.Equals(solana.SolMint) {
			lamports, err := l.GetBalance(context.Background(), keeper.PublicKey())
			if err != nil {
				return err
			}
			l.SetBalance(keeper.PublicKey(), lamports+res.OutAmount)
			return nil
		}
		return program.Credit(rewardSource, keeper.PublicKey(), res.OutAmount)
	}

	f := &fixture{
		ledger:   l,
		program:  program,
		gateway:  gw,
		swap:     adapter,
		store:    store,
		clock:    clock,
		keeper:   keeper,
		alerts:   &recordingAlerter{},
		stateDir: dir,
	}
	f.cfg = orchestrator.Config{
		Logger:                log,
		Clock:                 clock,
		Vault:                 gw,
		Swap:                  adapter,
		Store:                 store,
		Alerter:               f.alerts,
		Keeper:                keeper.PublicKey(),
		Mint:                  mint,
		MintDecimals:          6,
		RewardMint:            rewardMint,
		Interval:              time.Minute,
		MaxInterval:           16 * time.Minute,
		HarvestThreshold:      threshold,
		SlippageBps:           100,
		AlertThreshold:        3,
		DropAfter:             2 * time.Minute,
		PriceImpactCeilingPct: 2,
	}
	return f
}

// seedHolders leaves 1,000,000 withheld across the mint and two eligible
// holders, plus a reward-excluded holder.
func (f *fixture) seedHolders(t *testing.T) {
	t.Helper()
	require.NoError(t, f.program.SetMintWithheld(100_000))
	require.NoError(t, f.program.PutHolder(accountA, ownerA, 300_000, 400_000))
	require.NoError(t, f.program.PutHolder(accountB, ownerB, 100_000, 500_000))
	require.NoError(t, f.program.PutHolder(accountC, ownerC, 500_000, 0))
	require.NoError(t, f.program.Exclude(vault.ListReward, ownerC))
}

func (f *fixture) orchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(f.cfg)
	require.NoError(t, err)
	return o
}

func (f *fixture) rewardAccount(t *testing.T, owner solana.PublicKey) solana.PublicKey {
	t.Helper()
	ata, err := ledger.AssociatedTokenAddress(owner, rewardMint, solana.TokenProgramID)
	require.NoError(t, err)
	return ata
}

func (f *fixture) rewardBalance(t *testing.T, owner solana.PublicKey) uint64 {
	t.Helper()
	return f.program.TokenBalance(f.rewardAccount(t, owner))
}

// landed counts the vault instructions named name in landed submissions.
func (f *fixture) landed(t *testing.T, name string) int {
	t.Helper()
	n := 0
	for _, sub := range f.ledger.ConfirmedSubmissions() {
		for _, ix := range sub.Instructions {
			data, err := ix.Data()
			require.NoError(t, err)
			if got, _ := vault.InstructionName(data); got == name {
				n++
			}
		}
	}
	return n
}

// recipients returns every owner paid by a confirmed distribution.
func (f *fixture) recipients(t *testing.T) []solana.PublicKey {
	t.Helper()
	var out []solana.PublicKey
	for _, sub := range f.ledger.ConfirmedSubmissions() {
		for _, ix := range sub.Instructions {
			data, err := ix.Data()
			require.NoError(t, err)
			if name, _ := vault.InstructionName(data); name != vault.InstructionDistributeRewards {
				continue
			}
			payouts, err := vault.ParseDistributeRewards(data)
			require.NoError(t, err)
			for _, p := range payouts {
				out = append(out, p.Owner)
			}
		}
	}
	return out
}

func TestKeeper_Orchestrator_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	o := f.orchestrator(t)

	require.NoError(t, o.RunCycle(context.Background()))

	require.Equal(t, 1, f.program.Calls(vault.InstructionHarvestFees))
	require.Equal(t, 1, f.program.Calls(vault.InstructionDistributeRewards))
	require.Len(t, f.swap.QuoteCalls, 1)
	require.Equal(t, uint64(1_000_000), f.swap.QuoteCalls[0].Amount)
	require.Equal(t, mint, f.swap.QuoteCalls[0].InputMint)
	require.Equal(t, rewardMint, f.swap.QuoteCalls[0].OutputMint)
	require.Equal(t, 1, f.swap.SwapCount())

	require.Equal(t, uint64(375_000), f.rewardBalance(t, ownerA))
	require.Equal(t, uint64(125_000), f.rewardBalance(t, ownerB))
	require.Zero(t, f.rewardBalance(t, ownerC))
	require.ElementsMatch(t, []solana.PublicKey{ownerA, ownerB}, f.recipients(t))

	rt := f.store.Runtime()
	require.Equal(t, uint64(1_000_000), rt.LastHarvestedAmount)
	require.Zero(t, rt.PendingSwapAmount)
	require.Zero(t, rt.PendingDistributionAmount)
	require.Equal(t, uint64(500_000), rt.LastDistributedAmount)
	require.Len(t, rt.LastDistributionSignatures, 1)
	require.NotNil(t, rt.LastSuccessAt)
	require.NotNil(t, rt.LastQuote)
	require.Equal(t, 1.5, rt.LastQuote.PriceImpactPct)
	require.NotNil(t, rt.LastSwap)
	require.Equal(t, uint64(500_000), rt.LastSwap.OutAmount)
	require.Zero(t, rt.ConsecutiveFailures)
	require.Empty(t, rt.Unconfirmed)
	require.True(t, f.clock.Now().Add(time.Minute).Equal(*rt.NextAttemptAt))

	reopened, err := config.Open(config.StoreConfig{Logger: keepertesting.NewLogger(), Dir: f.stateDir, ReadOnly: true})
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), reopened.Runtime().LastHarvestedAmount)
}

func TestKeeper_Orchestrator_SkipBelowMinimum(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.program.PutHolder(accountA, ownerA, 300_000, threshold-1))
	o := f.orchestrator(t)

	require.NoError(t, o.RunCycle(context.Background()))

	require.Empty(t, f.ledger.Submissions())
	require.Zero(t, f.swap.QuoteCount())
	require.Zero(t, f.swap.SwapCount())
	rt := f.store.Runtime()
	require.Zero(t, rt.LastHarvestedAmount)
	require.Zero(t, rt.ConsecutiveFailures)
	require.Nil(t, rt.LastSuccessAt)
	require.NotEmpty(t, rt.LastCycleID)
}

func TestKeeper_Orchestrator_ResumesUnconfirmedHarvestWithoutReharvesting(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	f.ledger.Script(ledgertesting.ScriptLandedUnseen)
	o := f.orchestrator(t)

	err := o.RunCycle(context.Background())
	require.ErrorIs(t, err, errs.ErrIndeterminate)
	rt := f.store.Runtime()
	require.Len(t, rt.Unconfirmed, 1)
	require.Equal(t, config.StepHarvest, rt.Unconfirmed[0].Step)
	require.Equal(t, uint64(1_000_000), rt.Unconfirmed[0].Amount)
	require.Zero(t, rt.PendingSwapAmount)
	require.Equal(t, 1, rt.ConsecutiveFailures)
	require.Zero(t, f.swap.QuoteCount())

	// A fresh process resumes from the persisted state.
	require.NoError(t, f.store.Close())
	store, err := config.Open(config.StoreConfig{Logger: keepertesting.NewLogger(), Dir: f.stateDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.cfg.Store = store
	f.store = store
	o = f.orchestrator(t)
	f.clock.Advance(2 * time.Minute)

	require.NoError(t, o.RunCycle(context.Background()))

	require.Equal(t, 1, f.program.Calls(vault.InstructionHarvestFees))
	require.Equal(t, 1, f.landed(t, vault.InstructionHarvestFees))
	require.Equal(t, uint64(1_000_000), f.swap.QuoteCalls[0].Amount)

	rt = f.store.Runtime()
	require.Empty(t, rt.Unconfirmed)
	require.Equal(t, uint64(1_000_000), rt.LastHarvestedAmount)
	require.Zero(t, rt.PendingSwapAmount)
	require.Zero(t, rt.PendingDistributionAmount)
	require.Zero(t, rt.ConsecutiveFailures)
	require.Equal(t, uint64(375_000), f.rewardBalance(t, ownerA))
}

func TestKeeper_Orchestrator_LostDistributionResponseIsNotPaidTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	// The distribution lands but the send reports a transport error.
	f.ledger.Script(ledgertesting.ScriptConfirmed, ledgertesting.ScriptLandedLostResponse)
	o := f.orchestrator(t)

	err := o.RunCycle(context.Background())
	require.ErrorIs(t, err, errs.ErrIndeterminate)
	require.Equal(t, errs.KindIndeterminate, errs.KindOf(err))
	rt := f.store.Runtime()
	require.Len(t, rt.Unconfirmed, 1)
	require.Equal(t, config.StepDistribute, rt.Unconfirmed[0].Step)
	require.Equal(t, uint64(500_000), rt.Unconfirmed[0].Amount)
	require.Equal(t, f.ledger.Submissions()[1].Signature.String(), rt.Unconfirmed[0].Signature)
	require.Equal(t, uint64(500_000), rt.PendingDistributionAmount)
	require.Equal(t, uint64(375_000), f.rewardBalance(t, ownerA))
	require.Equal(t, uint64(125_000), f.rewardBalance(t, ownerB))

	f.clock.Advance(time.Minute)
	require.NoError(t, o.RunCycle(context.Background()))

	require.Len(t, f.ledger.Submissions(), 2)
	require.Equal(t, 1, f.program.Calls(vault.InstructionDistributeRewards))
	require.Equal(t, uint64(375_000), f.rewardBalance(t, ownerA))
	require.Equal(t, uint64(125_000), f.rewardBalance(t, ownerB))
	rt = f.store.Runtime()
	require.Empty(t, rt.Unconfirmed)
	require.Zero(t, rt.PendingDistributionAmount)
	require.Zero(t, rt.ConsecutiveFailures)
}

func TestKeeper_Orchestrator_CapsPendingRewardsToKeeperBalance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.program.PutHolder(accountA, ownerA, 300_000, 0))
	require.NoError(t, f.program.PutHolder(accountB, ownerB, 100_000, 0))
	require.NoError(t, f.program.Credit(f.rewardAccount(t, f.keeper.PublicKey()), f.keeper.PublicKey(), 300_000))
	require.NoError(t, f.store.UpdateRuntime(func(r *config.RuntimeCycleState) { r.PendingDistributionAmount = 500_000 }))
	o := f.orchestrator(t)

	require.NoError(t, o.RunCycle(context.Background()))

	require.Equal(t, uint64(225_000), f.rewardBalance(t, ownerA))
	require.Equal(t, uint64(75_000), f.rewardBalance(t, ownerB))
	rt := f.store.Runtime()
	require.Zero(t, rt.PendingDistributionAmount)
	require.Equal(t, uint64(300_000), rt.LastDistributedAmount)
}

func TestKeeper_Orchestrator_OwnerSharePaidToTreasury(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	treasury := keepertesting.PK(60)
	require.NoError(t, f.program.UpdateState(func(s *vault.VaultState) {
		s.OwnerShareBps = 2_000
		s.Treasury = treasury
	}))
	require.NoError(t, f.program.PutRewardAccount(f.rewardAccount(t, treasury), treasury, 0))
	o := f.orchestrator(t)

	require.NoError(t, o.RunCycle(context.Background()))

	require.Len(t, f.swap.QuoteCalls, 1)
	require.Equal(t, uint64(1_000_000), f.swap.QuoteCalls[0].Amount)
	require.Equal(t, uint64(100_000), f.rewardBalance(t, treasury))
	require.Equal(t, uint64(300_000), f.rewardBalance(t, ownerA))
	require.Equal(t, uint64(100_000), f.rewardBalance(t, ownerB))
	require.Zero(t, f.rewardBalance(t, f.keeper.PublicKey()))

	rt := f.store.Runtime()
	require.Zero(t, rt.PendingOwnerSwapAmount)
	require.Zero(t, rt.PendingOwnerAmount)
	require.Zero(t, rt.PendingDistributionAmount)
	require.Equal(t, uint64(100_000), rt.LastOwnerPaidAmount)
	require.Equal(t, uint64(400_000), rt.LastDistributedAmount)
}

func TestKeeper_Orchestrator_LowKeeperBalanceTopsUpFromOwnerShare(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	require.NoError(t, f.program.UpdateState(func(s *vault.VaultState) { s.OwnerShareBps = 2_000 }))
	f.ledger.SetBalance(f.keeper.PublicKey(), 1_000)
	f.cfg.MinOperatingLamports = 1_000_000
	o := f.orchestrator(t)

	require.NoError(t, o.RunCycle(context.Background()))

	require.Len(t, f.swap.QuoteCalls, 2)
	require.Equal(t, solana.SolMint, f.swap.QuoteCalls[0].OutputMint)
	require.Equal(t, uint64(200_000), f.swap.QuoteCalls[0].Amount)
	require.Equal(t, rewardMint, f.swap.QuoteCalls[1].OutputMint)
	require.Equal(t, uint64(800_000), f.swap.QuoteCalls[1].Amount)

	lamports, err := f.ledger.GetBalance(context.Background(), f.keeper.PublicKey())
	require.NoError(t, err)
	require.Equal(t, uint64(101_000), lamports)
	require.Equal(t, uint64(300_000), f.rewardBalance(t, ownerA))
	require.Equal(t, uint64(100_000), f.rewardBalance(t, ownerB))
	require.Zero(t, f.rewardBalance(t, keepertesting.NewKey(2).PublicKey()))

	rt := f.store.Runtime()
	require.Equal(t, uint64(100_000), rt.LastTopUpLamports)
	require.Zero(t, rt.PendingOwnerSwapAmount)
	require.Zero(t, rt.PendingOwnerAmount)
	require.Zero(t, rt.LastOwnerPaidAmount)
}

func TestKeeper_Orchestrator_ResumesUnpaidDistributionPlan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	require.NoError(t, f.program.UpdateState(func(s *vault.VaultState) { s.BatchSizeLimit = 1 }))
	f.ledger.Script(ledgertesting.ScriptConfirmed, ledgertesting.ScriptConfirmed, ledgertesting.ScriptFailed)
	o := f.orchestrator(t)

	err := o.RunCycle(context.Background())
	require.ErrorIs(t, err, errs.ErrTransactionFailed)
	rt := f.store.Runtime()
	require.Len(t, rt.PendingPayouts, 1)
	require.Equal(t, uint64(500_000), rt.LastDistributedAmount+rt.PendingPayouts[0].Amount)
	require.Equal(t, rt.PendingPayouts[0].Amount, rt.PendingDistributionAmount)

	// A changed balance must not alter what the interrupted plan still owes.
	require.NoError(t, f.program.PutHolder(accountB, ownerB, 900_000, 0))
	require.NoError(t, o.RunCycle(context.Background()))

	require.Equal(t, uint64(375_000), f.rewardBalance(t, ownerA))
	require.Equal(t, uint64(125_000), f.rewardBalance(t, ownerB))
	require.Equal(t, 2, f.program.Calls(vault.InstructionDistributeRewards))
	rt = f.store.Runtime()
	require.Empty(t, rt.PendingPayouts)
	require.Zero(t, rt.PendingDistributionAmount)
	require.Zero(t, rt.ConsecutiveFailures)
}

func TestKeeper_Orchestrator_DroppedHarvestIsForgotten(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	f.ledger.Script(ledgertesting.ScriptDropped)
	o := f.orchestrator(t)

	require.ErrorIs(t, o.RunCycle(context.Background()), errs.ErrIndeterminate)

	// Still inside the drop window: the cycle waits for the truth.
	f.clock.Advance(time.Minute)
	require.ErrorIs(t, o.RunCycle(context.Background()), errs.ErrIndeterminate)
	require.Len(t, f.ledger.Submissions(), 1)

	f.clock.Advance(time.Minute)
	require.NoError(t, o.RunCycle(context.Background()))
	require.Equal(t, 1, f.program.Calls(vault.InstructionHarvestFees))
	rt := f.store.Runtime()
	require.Empty(t, rt.Unconfirmed)
	require.Equal(t, uint64(1_000_000), rt.LastHarvestedAmount)
	require.Zero(t, rt.ConsecutiveFailures)
}

func TestKeeper_Orchestrator_PriceImpactCeilingKeepsFundsHarvested(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	f.swap.PriceImpactPct = 3
	o := f.orchestrator(t)

	err := o.RunCycle(context.Background())
	require.ErrorIs(t, err, errs.ErrPriceImpactExceeded)
	require.Zero(t, f.swap.SwapCount())
	rt := f.store.Runtime()
	require.Equal(t, uint64(1_000_000), rt.PendingSwapAmount)
	require.Equal(t, 1, rt.ConsecutiveFailures)
	require.Equal(t, string(errs.KindPriceImpactExceeded), rt.LastFailureKind)

	f.swap.PriceImpactPct = 1
	require.NoError(t, o.RunCycle(context.Background()))
	require.Equal(t, 1, f.program.Calls(vault.InstructionHarvestFees))
	require.Equal(t, uint64(1_000_000), f.swap.QuoteCalls[1].Amount)
	rt = f.store.Runtime()
	require.Zero(t, rt.PendingSwapAmount)
	require.Zero(t, rt.PendingDistributionAmount)
	require.Zero(t, rt.ConsecutiveFailures)
}

func TestKeeper_Orchestrator_SlippageAbortsSwap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	f.swap.FailSwap(errs.ErrSlippageExceeded)
	o := f.orchestrator(t)

	err := o.RunCycle(context.Background())
	require.ErrorIs(t, err, errs.ErrSlippageExceeded)
	rt := f.store.Runtime()
	require.Equal(t, uint64(1_000_000), rt.PendingSwapAmount)
	require.Zero(t, rt.PendingDistributionAmount)
	require.Zero(t, f.program.Calls(vault.InstructionDistributeRewards))
}

func TestKeeper_Orchestrator_RealizedSlippageStillDistributes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	f.swap.Realize(400_000)
	o := f.orchestrator(t)

	err := o.RunCycle(context.Background())
	require.ErrorIs(t, err, errs.ErrSlippageExceeded)
	rt := f.store.Runtime()
	require.Zero(t, rt.PendingSwapAmount)
	require.Equal(t, uint64(400_000), rt.PendingDistributionAmount)

	require.NoError(t, o.RunCycle(context.Background()))
	require.Equal(t, uint64(300_000), f.rewardBalance(t, ownerA))
	require.Equal(t, uint64(100_000), f.rewardBalance(t, ownerB))
	require.Zero(t, f.store.Runtime().PendingDistributionAmount)
}

func TestKeeper_Orchestrator_MinSwapValueDefersSwap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	price := 0.000001
	f.swap.Price = &price
	f.cfg.MinSwapValueUSD = 10
	o := f.orchestrator(t)

	require.NoError(t, o.RunCycle(context.Background()))
	require.Zero(t, f.swap.SwapCount())
	require.Equal(t, uint64(1_000_000), f.store.Runtime().PendingSwapAmount)

	f.swap.Price = nil
	require.NoError(t, o.RunCycle(context.Background()))
	require.Equal(t, 1, f.swap.SwapCount())
	require.Zero(t, f.store.Runtime().PendingSwapAmount)
}

func TestKeeper_Orchestrator_BackoffAndAlert(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	f.ledger.SetUnavailable(errors.New("connection refused"))
	o := f.orchestrator(t)

	want := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 16 * time.Minute, 16 * time.Minute}
	for i, d := range want {
		err := o.RunCycle(context.Background())
		require.ErrorIs(t, err, errs.ErrConnectivity)
		rt := f.store.Runtime()
		require.Equal(t, i+1, rt.ConsecutiveFailures)
		require.Equal(t, string(errs.KindConnectivity), rt.LastFailureKind)
		require.True(t, f.clock.Now().Add(d).Equal(*rt.NextAttemptAt), "failure %d", i+1)
		require.Equal(t, i+1 >= 3, rt.AlertActive)
	}
	require.Equal(t, 1, f.alerts.count())
	require.Equal(t, 3, f.alerts.alerts[0].ConsecutiveFailures)
	require.Equal(t, errs.KindConnectivity, f.alerts.alerts[0].Kind)

	f.ledger.SetUnavailable(nil)
	require.NoError(t, o.RunCycle(context.Background()))
	rt := f.store.Runtime()
	require.Zero(t, rt.ConsecutiveFailures)
	require.False(t, rt.AlertActive)
}

func TestKeeper_Orchestrator_StopDrainsInFlightStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	o := f.orchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.RunCycle(ctx))

	require.Equal(t, 1, f.program.Calls(vault.InstructionHarvestFees))
	require.Zero(t, f.swap.QuoteCount())
	rt := f.store.Runtime()
	require.Equal(t, uint64(1_000_000), rt.PendingSwapAmount)
	require.Zero(t, rt.ConsecutiveFailures)
}

func TestKeeper_Orchestrator_PreflightFailureNeverRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedHolders(t)
	f.ledger.SetUnavailable(errors.New("connection refused"))

	artifactPath := filepath.Join(t.TempDir(), "vc4-keeper-preflight.json")
	checker, err := preflight.New(preflight.Config{
		Logger: keepertesting.NewLogger(),
		Clock:  f.clock,
		Ledger: f.ledger,
		Environment: &config.Environment{
			Network:    config.NetworkLocalnet,
			RPCURL:     "http://127.0.0.1:8899",
			Commitment: "confirmed",
			Vault:      config.VaultConfig{HarvestThreshold: threshold},
			Keeper: config.KeeperConfig{
				Interval:              config.Duration(time.Minute),
				MaxInterval:           config.Duration(16 * time.Minute),
				PriceImpactCeilingPct: 2,
				SlippageBps:           100,
				AlertThreshold:        3,
				RewardMint:            rewardMint.String(),
			},
		},
		Deployment: config.DeploymentState{
			VaultProgramID:   programID.String(),
			TokenMint:        mint.String(),
			VaultInitialized: true,
		},
		Keeper:       f.keeper,
		ArtifactPath: artifactPath,
	})
	require.NoError(t, err)
	f.cfg.Preflight = checker
	o := f.orchestrator(t)

	err = o.Run(context.Background())
	require.ErrorIs(t, err, errs.ErrPreflightFailure)
	require.Equal(t, orchestrator.StateStopped, o.State())
	require.Nil(t, o.Snapshot().StartedAt)
	require.Empty(t, f.store.Runtime().LastCycleID)
	require.Zero(t, f.swap.QuoteCount())

	art, err := preflight.ReadArtifact(artifactPath)
	require.NoError(t, err)
	require.False(t, art.Passed)
	c, ok := art.Check(preflight.CheckConnectivity)
	require.True(t, ok)
	require.Equal(t, preflight.StatusFail, c.Status)
}

func TestKeeper_Orchestrator_RunLoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.program.PutHolder(accountA, ownerA, 300_000, 1))
	next := f.clock.Now().Add(5 * time.Minute)
	require.NoError(t, f.store.UpdateRuntime(func(r *config.RuntimeCycleState) { r.NextAttemptAt = &next }))
	o := f.orchestrator(t)
	require.Equal(t, orchestrator.StateIdle, o.State())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// The persisted backoff is honoured before the first cycle.
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	require.Equal(t, orchestrator.StateRunning, o.State())
	require.Empty(t, f.store.Runtime().LastCycleID)

	f.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return f.store.Runtime().LastCycleID != "" }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	first := f.store.Runtime().LastCycleID

	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.store.Runtime().LastCycleID != first }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	o.Stop()
	require.NoError(t, <-done)
	require.Equal(t, orchestrator.StateStopped, o.State())
	require.Equal(t, string(orchestrator.StateStopped), f.store.Runtime().State)
	require.NotNil(t, o.Snapshot().StartedAt)
}

func TestKeeper_Orchestrator_ConfigValidate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cfg := f.cfg
	cfg.PriceImpactCeilingPct = 0
	_, err := orchestrator.New(cfg)
	require.Error(t, err)

	cfg = f.cfg
	cfg.MaxInterval = time.Second
	_, err = orchestrator.New(cfg)
	require.Error(t, err)

	cfg = f.cfg
	cfg.Alerter = nil
	cfg.AlertThreshold = 0
	_, err = orchestrator.New(cfg)
	require.NoError(t, err)
}
