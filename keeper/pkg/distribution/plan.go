// Package distribution computes exclusion-aware proportional payouts.
package distribution

import (
	"bytes"
	"math/bits"
	"sort"

	"github.com/gagliardetto/solana-go"
)

// Holder is one token account of the taxed token.
type Holder struct {
	Owner   solana.PublicKey
	Account solana.PublicKey
	Balance uint64
}

type Policy struct {
	// Excluded matches either a holder's owner or its token account.
	Excluded map[solana.PublicKey]struct{}
	// MinHold is the smallest aggregated balance that earns a share.
	MinHold uint64
}

func (p Policy) excluded(h Holder) bool {
	if _, ok := p.Excluded[h.Owner]; ok {
		return true
	}
	_, ok := p.Excluded[h.Account]
	return ok
}

type Recipient struct {
	Owner   solana.PublicKey
	Balance uint64
	Amount  uint64
}

type Allocation struct {
	Recipients      []Recipient
	EligibleBalance uint64
	Distributed     uint64
	// Dust is the remainder left by floor division.
	Dust uint64
}

// Plan splits amount across eligible owners in proportion to their
// aggregated balances. Recipients are ordered by owner address.
func Plan(amount uint64, holders []Holder, policy Policy) Allocation {
	balances := make(map[solana.PublicKey]uint64)
	for _, h := range holders {
		if h.Balance == 0 || policy.excluded(h) {
			continue
		}
		balances[h.Owner] += h.Balance
	}

	owners := make([]solana.PublicKey, 0, len(balances))
	var total uint64
	for owner, bal := range balances {
		if bal < policy.MinHold {
			continue
		}
		owners = append(owners, owner)
		total += bal
	}
	sort.Slice(owners, func(i, j int) bool { return bytes.Compare(owners[i][:], owners[j][:]) < 0 })

	alloc := Allocation{EligibleBalance: total}
	if total == 0 || amount == 0 {
		alloc.Dust = amount
		return alloc
	}
	for _, owner := range owners {
		bal := balances[owner]
		share := mulDiv(amount, bal, total)
		if share == 0 {
			continue
		}
		alloc.Recipients = append(alloc.Recipients, Recipient{Owner: owner, Balance: bal, Amount: share})
		alloc.Distributed += share
	}
	alloc.Dust = amount - alloc.Distributed
	return alloc
}

// Share returns floor(amount*num/den) with num clamped to den. A zero den
// yields 0.
func Share(amount, num, den uint64) uint64 {
	if den == 0 {
		return 0
	}
	return mulDiv(amount, min(num, den), den)
}

// mulDiv returns floor(a*b/c) for b <= c without overflow.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}

// Batches splits recipients into groups of at most n.
func Batches(recipients []Recipient, n int) [][]Recipient {
	if n <= 0 {
		n = 1
	}
	var out [][]Recipient
	for start := 0; start < len(recipients); start += n {
		end := min(start+n, len(recipients))
		out = append(out, recipients[start:end])
	}
	return out
}

// Total is the sum of the recipients' amounts.
func Total(recipients []Recipient) uint64 {
	var sum uint64
	for _, r := range recipients {
		sum += r.Amount
	}
	return sum
}
