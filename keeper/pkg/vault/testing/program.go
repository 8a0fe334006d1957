// Package vaulttesting simulates the vault program on top of an in-memory
// ledger so gateway and orchestrator tests exercise real instructions.
package vaulttesting

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
	ledgertesting "github.com/malbeclabs/keeper/keeper/pkg/ledger/testing"
	"github.com/malbeclabs/keeper/keeper/pkg/vault"
)

// Program applies vault instructions submitted to a ledgertesting.Ledger.
type Program struct {
	mu         sync.Mutex
	Ledger     *ledgertesting.Ledger
	ProgramID  solana.PublicKey
	Mint       solana.PublicKey
	RewardMint solana.PublicKey
	Vault      solana.PublicKey

	// Calls counts applied instructions by name.
	calls map[string]int
}

type Options struct {
	ProgramID  solana.PublicKey
	Mint       solana.PublicKey
	RewardMint solana.PublicKey
	Owner      solana.PublicKey
	Keeper     solana.PublicKey
	FeeBps     uint16
	MaxFee     uint64

	Treasury      solana.PublicKey
	OwnerShareBps uint16
	MinimumHold   uint64
	// BatchSize defaults to vault.MaxDistributionRecipients.
	BatchSize uint16
}

// New installs the program on l, creating the vault account, the taxed
// mint and the program account.
func New(l *ledgertesting.Ledger, opts Options) (*Program, error) {
	vaultAddr, bump, err := vault.VaultAddress(opts.ProgramID, opts.Mint)
	if err != nil {
		return nil, err
	}
	p := &Program{
		Ledger:     l,
		ProgramID:  opts.ProgramID,
		Mint:       opts.Mint,
		RewardMint: opts.RewardMint,
		Vault:      vaultAddr,
		calls:      make(map[string]int),
	}
	batch := opts.BatchSize
	if batch == 0 {
		batch = vault.MaxDistributionRecipients
	}
	if err := p.putState(&vault.VaultState{
		Bump:              bump,
		Mint:              opts.Mint,
		Owner:             opts.Owner,
		Treasury:          opts.Treasury,
		Keeper:            opts.Keeper,
		CurrentFeeBps:     opts.FeeBps,
		RewardTokenMint:   opts.RewardMint,
		BatchSizeLimit:    batch,
		OwnerShareBps:     opts.OwnerShareBps,
		MinimumHoldAmount: opts.MinimumHold,
	}); err != nil {
		return nil, err
	}
	l.SetAccount(&ledger.Account{Address: opts.ProgramID, Owner: solana.BPFLoaderUpgradeableProgramID, Executable: true, Lamports: 1})
	if err := p.putMint(0, vault.TransferFee{BasisPoints: opts.FeeBps, MaximumFee: opts.MaxFee}); err != nil {
		return nil, err
	}
	l.OnSubmit = p.apply
	return p, nil
}

func (p *Program) Calls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

func (p *Program) State() (*vault.VaultState, error) {
	acc := p.Ledger.Account(p.Vault)
	if acc == nil {
		return nil, errors.New("vault account missing")
	}
	return vault.DecodeVaultState(acc.Data)
}

// UpdateState applies fn to the vault account, as an admin update_config
// would.
func (p *Program) UpdateState(fn func(*vault.VaultState)) error {
	state, err := p.State()
	if err != nil {
		return err
	}
	fn(state)
	return p.putState(state)
}

func (p *Program) putState(s *vault.VaultState) error {
	data, err := vault.EncodeVaultState(s)
	if err != nil {
		return err
	}
	p.Ledger.SetAccount(&ledger.Account{Address: p.Vault, Owner: p.ProgramID, Lamports: 1, Data: data})
	return nil
}

func (p *Program) mint() (*vault.Mint, error) {
	acc := p.Ledger.Account(p.Mint)
	if acc == nil {
		return nil, errors.New("mint missing")
	}
	return vault.DecodeMint(acc.Data)
}

func (p *Program) putMint(withheld uint64, fee vault.TransferFee) error {
	var buf bytes.Buffer
	if err := (token.Mint{Decimals: 9, IsInitialized: true}).MarshalWithEncoder(bin.NewBinEncoder(&buf)); err != nil {
		return err
	}
	p.Ledger.SetAccount(&ledger.Account{
		Address: p.Mint,
		Owner:   solana.Token2022ProgramID,
		Data:    vault.AppendTransferFeeConfig(buf.Bytes(), withheld, fee),
	})
	return nil
}

// SetMintWithheld sets the withheld amount already swept into the mint.
func (p *Program) SetMintWithheld(amount uint64) error {
	m, err := p.mint()
	if err != nil {
		return err
	}
	return p.putMint(amount, m.NewerFee)
}

// PutHolder writes a Token-2022 account of the taxed mint.
func (p *Program) PutHolder(address, owner solana.PublicKey, amount, withheld uint64) error {
	base, err := encodeTokenAccount(p.Mint, owner, amount)
	if err != nil {
		return err
	}
	p.Ledger.SetAccount(&ledger.Account{
		Address:  address,
		Owner:    solana.Token2022ProgramID,
		Lamports: 1,
		Data:     vault.AppendTransferFeeAmount(base, withheld),
	})
	return nil
}

// PutRewardAccount writes a legacy token account of the reward mint.
func (p *Program) PutRewardAccount(address, owner solana.PublicKey, amount uint64) error {
	data, err := encodeTokenAccount(p.RewardMint, owner, amount)
	if err != nil {
		return err
	}
	p.Ledger.SetAccount(&ledger.Account{Address: address, Owner: solana.TokenProgramID, Lamports: 1, Data: data})
	return nil
}

// Credit adds amount to a token account, creating a reward account for
// owner when absent.
func (p *Program) Credit(address, owner solana.PublicKey, amount uint64) error {
	acc := p.Ledger.Account(address)
	if acc == nil {
		return p.PutRewardAccount(address, owner, amount)
	}
	cur := binary.LittleEndian.Uint64(acc.Data[64:72])
	binary.LittleEndian.PutUint64(acc.Data[64:72], cur+amount)
	p.Ledger.SetAccount(acc)
	return nil
}

// TokenBalance reads the amount of a token account, or 0.
func (p *Program) TokenBalance(address solana.PublicKey) uint64 {
	acc := p.Ledger.Account(address)
	if acc == nil || len(acc.Data) < 72 {
		return 0
	}
	return binary.LittleEndian.Uint64(acc.Data[64:72])
}

func encodeTokenAccount(mint, owner solana.PublicKey, amount uint64) ([]byte, error) {
	var buf bytes.Buffer
	acc := token.Account{Mint: mint, Owner: owner, Amount: amount, State: token.Initialized}
	if err := acc.MarshalWithEncoder(bin.NewBinEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Program) apply(_ *ledgertesting.Ledger, sub ledgertesting.Submission) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ix := range sub.Instructions {
		if ix.ProgramID().Equals(solana.TokenProgramID) {
			if err := p.transfer(ix); err != nil {
				return fmt.Errorf("transfer: %w", err)
			}
			continue
		}
		if !ix.ProgramID().Equals(p.ProgramID) {
			continue
		}
		data, err := ix.Data()
		if err != nil {
			return err
		}
		name, ok := vault.InstructionName(data)
		if !ok {
			return fmt.Errorf("unknown instruction")
		}
		metas := ix.Accounts()
		switch name {
		case vault.InstructionHarvestFees:
			err = p.harvest(metas)
		case vault.InstructionDistributeRewards:
			err = p.distribute(metas, data)
		case vault.InstructionManageExclusions:
			err = p.manageExclusions(metas, data)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		p.calls[name]++
	}
	return nil
}

// transfer applies a legacy token Transfer between two token accounts.
// Other token instructions are ignored.
func (p *Program) transfer(ix solana.Instruction) error {
	data, err := ix.Data()
	if err != nil {
		return err
	}
	if len(data) != 9 || data[0] != token.Instruction_Transfer {
		return nil
	}
	amount := binary.LittleEndian.Uint64(data[1:9])
	metas := ix.Accounts()
	if len(metas) < 3 || !metas[2].IsSigner {
		return errors.New("missing owner signature")
	}
	source := p.Ledger.Account(metas[0].PublicKey)
	if source == nil || len(source.Data) < 72 {
		return fmt.Errorf("missing source account %s", metas[0].PublicKey)
	}
	if owner := solana.PublicKeyFromBytes(source.Data[32:64]); !owner.Equals(metas[2].PublicKey) {
		return errors.New("owner does not match")
	}
	if p.Ledger.Account(metas[1].PublicKey) == nil {
		return fmt.Errorf("missing destination account %s", metas[1].PublicKey)
	}
	bal := binary.LittleEndian.Uint64(source.Data[64:72])
	if bal < amount {
		return fmt.Errorf("insufficient funds %d < %d", bal, amount)
	}
	binary.LittleEndian.PutUint64(source.Data[64:72], bal-amount)
	p.Ledger.SetAccount(source)
	return p.Credit(metas[1].PublicKey, solana.PublicKey{}, amount)
}

func (p *Program) requireSigner(metas []*solana.AccountMeta, want solana.PublicKey) error {
	if len(metas) < 2 || !metas[1].IsSigner || !metas[1].PublicKey.Equals(want) {
		return errors.New("unauthorized")
	}
	return nil
}

func (p *Program) harvest(metas []*solana.AccountMeta) error {
	state, err := p.State()
	if err != nil {
		return err
	}
	if err := p.requireSigner(metas, state.Keeper); err != nil {
		return err
	}
	if state.EmergencyPause {
		return errors.New("emergency pause")
	}
	m, err := p.mint()
	if err != nil {
		return err
	}
	total := m.Withheld
	if err := p.putMint(0, m.NewerFee); err != nil {
		return err
	}
	for _, meta := range metas[5:] {
		acc := p.Ledger.Account(meta.PublicKey)
		if acc == nil {
			return fmt.Errorf("missing account %s", meta.PublicKey)
		}
		ta, err := vault.DecodeTokenAccount(meta.PublicKey, acc.Data)
		if err != nil {
			return err
		}
		total += ta.Withheld
		if err := p.PutHolder(ta.Address, ta.Owner, ta.Amount, 0); err != nil {
			return err
		}
	}
	dest := metas[3].PublicKey
	if acc := p.Ledger.Account(dest); acc == nil {
		if err := p.PutHolder(dest, state.Keeper, total, 0); err != nil {
			return err
		}
	} else if err := p.Credit(dest, state.Keeper, total); err != nil {
		return err
	}
	state.TotalHarvested += total
	return p.putState(state)
}

func (p *Program) distribute(metas []*solana.AccountMeta, data []byte) error {
	state, err := p.State()
	if err != nil {
		return err
	}
	if err := p.requireSigner(metas, state.Keeper); err != nil {
		return err
	}
	payouts, err := vault.ParseDistributeRewards(data)
	if err != nil {
		return err
	}
	recipients := metas[5:]
	if len(recipients) != len(payouts) {
		return errors.New("recipient accounts do not match payouts")
	}
	var total uint64
	for _, po := range payouts {
		if slices.Contains(state.RewardExclusions, po.Owner) {
			return fmt.Errorf("recipient %s is reward excluded", po.Owner)
		}
		total += po.Amount
	}
	source := metas[2].PublicKey
	if bal := p.TokenBalance(source); bal < total {
		return fmt.Errorf("insufficient reward balance %d < %d", bal, total)
	}
	acc := p.Ledger.Account(source)
	binary.LittleEndian.PutUint64(acc.Data[64:72], p.TokenBalance(source)-total)
	p.Ledger.SetAccount(acc)
	for i, po := range payouts {
		if err := p.Credit(recipients[i].PublicKey, po.Owner, po.Amount); err != nil {
			return err
		}
	}
	state.TotalDistributions++
	return p.putState(state)
}

func (p *Program) manageExclusions(metas []*solana.AccountMeta, data []byte) error {
	state, err := p.State()
	if err != nil {
		return err
	}
	if err := p.requireSigner(metas, state.Owner); err != nil {
		return err
	}
	action, list, address, err := vault.ParseManageExclusions(data)
	if err != nil {
		return err
	}
	target := &state.RewardExclusions
	if list == vault.ListTax {
		target = &state.FeeExclusions
	}
	switch action {
	case vault.ActionAdd:
		if !slices.Contains(*target, address) {
			*target = append(*target, address)
		}
	case vault.ActionRemove:
		*target = slices.DeleteFunc(*target, func(pk solana.PublicKey) bool { return pk.Equals(address) })
	}
	return p.putState(state)
}

// Exclude adds address to a list directly, as an admin would.
func (p *Program) Exclude(list vault.ExclusionList, address solana.PublicKey) error {
	state, err := p.State()
	if err != nil {
		return err
	}
	if list == vault.ListTax {
		state.FeeExclusions = append(state.FeeExclusions, address)
	} else {
		state.RewardExclusions = append(state.RewardExclusions, address)
	}
	return p.putState(state)
}
