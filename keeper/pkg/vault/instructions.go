package vault

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ErrInvalidInstructionData = errors.New("unexpected instruction data")

const (
	// MaxHarvestAccounts is the number of token accounts one harvest
	// transaction can carry.
	MaxHarvestAccounts = 20
	// MaxDistributionRecipients is the number of payouts per distribution
	// transaction.
	MaxDistributionRecipients = 10
)

type ExclusionAction uint8

const (
	ActionAdd ExclusionAction = iota
	ActionRemove
)

func (a ExclusionAction) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionRemove:
		return "remove"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ExclusionList selects one of the vault's two lists. Values match the
// program's list_type encoding.
type ExclusionList uint8

const (
	ListTax ExclusionList = iota
	ListReward
)

func (l ExclusionList) String() string {
	switch l {
	case ListTax:
		return "tax"
	case ListReward:
		return "reward"
	}
	return fmt.Sprintf("list(%d)", uint8(l))
}

func ParseExclusionList(s string) (ExclusionList, error) {
	switch s {
	case "tax", "fee":
		return ListTax, nil
	case "reward":
		return ListReward, nil
	}
	return 0, fmt.Errorf("unknown exclusion list %q (want reward or tax)", s)
}

// Payout is one distribution recipient. Account is the recipient's reward
// token account.
type Payout struct {
	Owner   solana.PublicKey
	Account solana.PublicKey
	Amount  uint64
}

// ConfigUpdate carries the optional fields of update_config; nil fields
// are left unchanged.
type ConfigUpdate struct {
	Treasury    *solana.PublicKey
	Keeper      *solana.PublicKey
	BatchSize   *uint16
	MinimumHold *uint64
}

func (u ConfigUpdate) Empty() bool {
	return u.Treasury == nil && u.Keeper == nil && u.BatchSize == nil && u.MinimumHold == nil
}

type encodeFunc func(enc *bin.Encoder) error

func instructionData(name string, args encodeFunc) ([]byte, error) {
	var buf bytes.Buffer
	d := Discriminator(name)
	buf.Write(d[:])
	if args != nil {
		if err := args(bin.NewBorshEncoder(&buf)); err != nil {
			return nil, fmt.Errorf("failed to encode %s arguments: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}

func newInstruction(programID solana.PublicKey, name string, accounts solana.AccountMetaSlice, args encodeFunc) (solana.Instruction, error) {
	data, err := instructionData(name, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

func writableAccounts(keys []solana.PublicKey) solana.AccountMetaSlice {
	out := make(solana.AccountMetaSlice, 0, len(keys))
	for _, k := range keys {
		out = append(out, solana.Meta(k).WRITE())
	}
	return out
}

// HarvestFeesAccounts are the fixed accounts of harvest_fees; the token
// accounts to harvest follow as remaining accounts.
type HarvestFeesAccounts struct {
	Vault       solana.PublicKey
	Authority   solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
}

func NewHarvestFeesInstruction(programID solana.PublicKey, accts HarvestFeesAccounts, sources []solana.PublicKey) (solana.Instruction, error) {
	if len(sources) > MaxHarvestAccounts {
		return nil, fmt.Errorf("harvest batch of %d exceeds %d accounts", len(sources), MaxHarvestAccounts)
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(accts.Vault).WRITE(),
		solana.Meta(accts.Authority).WRITE().SIGNER(),
		solana.Meta(accts.Mint).WRITE(),
		solana.Meta(accts.Destination).WRITE(),
		solana.Meta(solana.Token2022ProgramID),
	}
	metas = append(metas, writableAccounts(sources)...)
	return newInstruction(programID, InstructionHarvestFees, metas, nil)
}

// DistributeRewardsAccounts are the fixed accounts of distribute_rewards;
// recipient token accounts follow in payout order.
type DistributeRewardsAccounts struct {
	Vault        solana.PublicKey
	Authority    solana.PublicKey
	Source       solana.PublicKey
	RewardMint   solana.PublicKey
	TokenProgram solana.PublicKey
}

func NewDistributeRewardsInstruction(programID solana.PublicKey, accts DistributeRewardsAccounts, payouts []Payout) (solana.Instruction, error) {
	if len(payouts) == 0 || len(payouts) > MaxDistributionRecipients {
		return nil, fmt.Errorf("distribution batch of %d recipients must be between 1 and %d", len(payouts), MaxDistributionRecipients)
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(accts.Vault).WRITE(),
		solana.Meta(accts.Authority).WRITE().SIGNER(),
		solana.Meta(accts.Source).WRITE(),
		solana.Meta(accts.RewardMint),
		solana.Meta(accts.TokenProgram),
	}
	for _, p := range payouts {
		metas = append(metas, solana.Meta(p.Account).WRITE())
	}
	return newInstruction(programID, InstructionDistributeRewards, metas, func(enc *bin.Encoder) error {
		if err := enc.WriteUint32(uint32(len(payouts)), binary.LittleEndian); err != nil {
			return err
		}
		for _, p := range payouts {
			if err := enc.WriteBytes(p.Owner[:], false); err != nil {
				return err
			}
			if err := enc.WriteUint64(p.Amount, binary.LittleEndian); err != nil {
				return err
			}
		}
		return nil
	})
}

func NewManageExclusionsInstruction(programID, vault, authority solana.PublicKey, action ExclusionAction, list ExclusionList, address solana.PublicKey) (solana.Instruction, error) {
	metas := solana.AccountMetaSlice{
		solana.Meta(vault).WRITE(),
		solana.Meta(authority).SIGNER(),
	}
	return newInstruction(programID, InstructionManageExclusions, metas, func(enc *bin.Encoder) error {
		if err := enc.WriteUint8(uint8(action)); err != nil {
			return err
		}
		if err := enc.WriteBytes(address[:], false); err != nil {
			return err
		}
		return enc.WriteUint8(uint8(list))
	})
}

func NewUpdateConfigInstruction(programID, vault, authority solana.PublicKey, u ConfigUpdate) (solana.Instruction, error) {
	metas := solana.AccountMetaSlice{
		solana.Meta(vault).WRITE(),
		solana.Meta(authority).SIGNER(),
	}
	return newInstruction(programID, InstructionUpdateConfig, metas, func(enc *bin.Encoder) error {
		for _, pk := range []*solana.PublicKey{u.Treasury, u.Keeper} {
			if err := enc.WriteBool(pk != nil); err != nil {
				return err
			}
			if pk != nil {
				if err := enc.WriteBytes(pk[:], false); err != nil {
					return err
				}
			}
		}
		if err := enc.WriteBool(u.BatchSize != nil); err != nil {
			return err
		}
		if u.BatchSize != nil {
			if err := enc.WriteUint16(*u.BatchSize, binary.LittleEndian); err != nil {
				return err
			}
		}
		if err := enc.WriteBool(u.MinimumHold != nil); err != nil {
			return err
		}
		if u.MinimumHold != nil {
			return enc.WriteUint64(*u.MinimumHold, binary.LittleEndian)
		}
		return nil
	})
}

// EmergencyWithdrawAccounts serve both emergency instructions. Source is
// the vault token account for emergency_withdraw_vault and unused for
// emergency_withdraw_withheld.
type EmergencyWithdrawAccounts struct {
	Vault       solana.PublicKey
	Authority   solana.PublicKey
	Mint        solana.PublicKey
	Source      solana.PublicKey
	Destination solana.PublicKey
}

func NewEmergencyWithdrawVaultInstruction(programID solana.PublicKey, accts EmergencyWithdrawAccounts, amount uint64) (solana.Instruction, error) {
	metas := solana.AccountMetaSlice{
		solana.Meta(accts.Vault).WRITE(),
		solana.Meta(accts.Authority).WRITE().SIGNER(),
		solana.Meta(accts.Source).WRITE(),
		solana.Meta(accts.Destination).WRITE(),
		solana.Meta(accts.Mint),
		solana.Meta(solana.Token2022ProgramID),
	}
	return newInstruction(programID, InstructionEmergencyWithdrawVault, metas, func(enc *bin.Encoder) error {
		return enc.WriteUint64(amount, binary.LittleEndian)
	})
}

func NewEmergencyWithdrawWithheldInstruction(programID solana.PublicKey, accts EmergencyWithdrawAccounts, sources []solana.PublicKey) (solana.Instruction, error) {
	if len(sources) > MaxHarvestAccounts {
		return nil, fmt.Errorf("withdraw batch of %d exceeds %d accounts", len(sources), MaxHarvestAccounts)
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(accts.Vault).WRITE(),
		solana.Meta(accts.Authority).WRITE().SIGNER(),
		solana.Meta(accts.Mint).WRITE(),
		solana.Meta(accts.Destination).WRITE(),
		solana.Meta(solana.Token2022ProgramID),
	}
	metas = append(metas, writableAccounts(sources)...)
	return newInstruction(programID, InstructionEmergencyWithdrawWithheld, metas, nil)
}

// InstructionName identifies a vault instruction from its data.
func InstructionName(data []byte) (string, bool) {
	if len(data) < 8 {
		return "", false
	}
	for _, name := range []string{
		InstructionInitialize,
		InstructionHarvestFees,
		InstructionDistributeRewards,
		InstructionManageExclusions,
		InstructionUpdateConfig,
		InstructionEmergencyWithdrawVault,
		InstructionEmergencyWithdrawWithheld,
	} {
		d := Discriminator(name)
		if bytes.Equal(data[:8], d[:]) {
			return name, true
		}
	}
	return "", false
}

func argsDecoder(name string, data []byte) (*bin.Decoder, error) {
	got, ok := InstructionName(data)
	if !ok || got != name {
		return nil, fmt.Errorf("%w: not a %s instruction", ErrInvalidInstructionData, name)
	}
	return bin.NewBorshDecoder(data[8:]), nil
}

// ParseDistributeRewards decodes the (owner, amount) pairs of a
// distribute_rewards instruction. Payout.Account is left empty.
func ParseDistributeRewards(data []byte) ([]Payout, error) {
	dec, err := argsDecoder(InstructionDistributeRewards, data)
	if err != nil {
		return nil, err
	}
	n, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	if int(n) > dec.Remaining()/40 {
		return nil, fmt.Errorf("%w: %d payouts exceed data", ErrInvalidInstructionData, n)
	}
	out := make([]Payout, 0, n)
	for range n {
		owner, err := readPublicKey(dec)
		if err != nil {
			return nil, err
		}
		amount, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return nil, err
		}
		out = append(out, Payout{Owner: owner, Amount: amount})
	}
	return out, nil
}

func ParseManageExclusions(data []byte) (ExclusionAction, ExclusionList, solana.PublicKey, error) {
	dec, err := argsDecoder(InstructionManageExclusions, data)
	if err != nil {
		return 0, 0, solana.PublicKey{}, err
	}
	action, err := dec.ReadUint8()
	if err != nil {
		return 0, 0, solana.PublicKey{}, err
	}
	address, err := readPublicKey(dec)
	if err != nil {
		return 0, 0, solana.PublicKey{}, err
	}
	list, err := dec.ReadUint8()
	if err != nil {
		return 0, 0, solana.PublicKey{}, err
	}
	return ExclusionAction(action), ExclusionList(list), address, nil
}
