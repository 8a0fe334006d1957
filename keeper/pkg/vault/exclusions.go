package vault

import (
	"math/bits"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ExclusionSet is a snapshot of the vault's two exclusion lists and of the
// distribution policy read from the same account.
type ExclusionSet struct {
	Reward map[solana.PublicKey]struct{}
	Tax    map[solana.PublicKey]struct{}

	Owner    solana.PublicKey
	Treasury solana.PublicKey
	// OwnerShareBps is the owner's cut of every harvest.
	OwnerShareBps uint16
	// MinimumHold is the smallest balance that earns a distribution.
	MinimumHold uint64
	// BatchSize is the number of payouts per distribution transaction.
	BatchSize int

	FetchedAt time.Time
}

func newExclusionSet(state *VaultState, now time.Time) *ExclusionSet {
	batch := int(state.BatchSizeLimit)
	if batch <= 0 || batch > MaxDistributionRecipients {
		batch = MaxDistributionRecipients
	}
	set := &ExclusionSet{
		Reward:        make(map[solana.PublicKey]struct{}, len(state.RewardExclusions)),
		Tax:           make(map[solana.PublicKey]struct{}, len(state.FeeExclusions)),
		Owner:         state.Owner,
		Treasury:      state.Treasury,
		OwnerShareBps: min(state.OwnerShareBps, 10_000),
		MinimumHold:   state.MinimumHoldAmount,
		BatchSize:     batch,
		FetchedAt:     now,
	}
	for _, pk := range state.RewardExclusions {
		set.Reward[pk] = struct{}{}
	}
	for _, pk := range state.FeeExclusions {
		set.Tax[pk] = struct{}{}
	}
	return set
}

func (s *ExclusionSet) RewardExcluded(pk solana.PublicKey) bool {
	if s == nil {
		return false
	}
	_, ok := s.Reward[pk]
	return ok
}

// OwnerPayee receives the owner share: the treasury, or the owner when no
// treasury is set.
func (s *ExclusionSet) OwnerPayee() solana.PublicKey {
	if !s.Treasury.IsZero() {
		return s.Treasury
	}
	return s.Owner
}

func (s *ExclusionSet) TaxExempt(pk solana.PublicKey) bool {
	if s == nil {
		return false
	}
	_, ok := s.Tax[pk]
	return ok
}

// TransferTax returns the fee withheld on a transfer of amount from one
// address to another. Transfers touching a tax-exempt address are free.
// The fee rounds up and is capped at the schedule's maximum.
func TransferTax(fee TransferFee, exemptions *ExclusionSet, from, to solana.PublicKey, amount uint64) uint64 {
	if exemptions.TaxExempt(from) || exemptions.TaxExempt(to) {
		return 0
	}
	if fee.BasisPoints == 0 || amount == 0 {
		return 0
	}
	tax := ceilDiv(amount, uint64(fee.BasisPoints), 10_000)
	if fee.MaximumFee > 0 && tax > fee.MaximumFee {
		return fee.MaximumFee
	}
	return tax
}

// ceilDiv returns ceil(a*bps/denom) with bps clamped to denom.
func ceilDiv(a, bps, denom uint64) uint64 {
	bps = min(bps, denom)
	hi, lo := bits.Mul64(a, bps)
	q, r := bits.Div64(hi, lo, denom)
	if r != 0 {
		q++
	}
	return q
}
