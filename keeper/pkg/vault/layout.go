package vault

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

var ErrInvalidAccountData = errors.New("unexpected account data")

// MaxExclusions is the capacity of each on-chain exclusion list.
const MaxExclusions = 100

// VaultState is the decoded vault program account.
type VaultState struct {
	Bump                 uint8
	Mint                 solana.PublicKey
	Owner                solana.PublicKey
	Treasury             solana.PublicKey
	Keeper               solana.PublicKey
	LaunchTimestamp      int64
	FeeFinalized         bool
	CurrentFeeBps        uint16
	HarvestThreshold     uint64
	LastHarvestTimestamp int64
	TotalHarvested       uint64
	// FeeExclusions are exempt from transfer tax.
	FeeExclusions []solana.PublicKey
	// RewardExclusions never receive distributions.
	RewardExclusions   []solana.PublicKey
	EmergencyPause     bool
	ConfigLocked       bool
	BatchSizeLimit     uint16
	OwnerShareBps      uint16
	MinimumHoldAmount  uint64
	RewardTokenMint    solana.PublicKey
	TotalDistributions uint64
	TotalFeesCollected uint64
}

func readPublicKey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}

func readPublicKeys(dec *bin.Decoder) ([]solana.PublicKey, error) {
	n, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	if int(n) > dec.Remaining()/32 {
		return nil, fmt.Errorf("%w: vector length %d exceeds remaining data", ErrInvalidAccountData, n)
	}
	out := make([]solana.PublicKey, 0, n)
	for range n {
		pk, err := readPublicKey(dec)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

func (s *VaultState) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if s.Bump, err = dec.ReadUint8(); err != nil {
		return err
	}
	for _, pk := range []*solana.PublicKey{&s.Mint, &s.Owner, &s.Treasury, &s.Keeper} {
		if *pk, err = readPublicKey(dec); err != nil {
			return err
		}
	}
	if s.LaunchTimestamp, err = dec.ReadInt64(binary.LittleEndian); err != nil {
		return err
	}
	if s.FeeFinalized, err = dec.ReadBool(); err != nil {
		return err
	}
	if s.CurrentFeeBps, err = dec.ReadUint16(binary.LittleEndian); err != nil {
		return err
	}
	if s.HarvestThreshold, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if s.LastHarvestTimestamp, err = dec.ReadInt64(binary.LittleEndian); err != nil {
		return err
	}
	if s.TotalHarvested, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if s.FeeExclusions, err = readPublicKeys(dec); err != nil {
		return err
	}
	if s.RewardExclusions, err = readPublicKeys(dec); err != nil {
		return err
	}
	if s.EmergencyPause, err = dec.ReadBool(); err != nil {
		return err
	}
	if s.ConfigLocked, err = dec.ReadBool(); err != nil {
		return err
	}
	if s.BatchSizeLimit, err = dec.ReadUint16(binary.LittleEndian); err != nil {
		return err
	}
	if s.OwnerShareBps, err = dec.ReadUint16(binary.LittleEndian); err != nil {
		return err
	}
	if s.MinimumHoldAmount, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if s.RewardTokenMint, err = readPublicKey(dec); err != nil {
		return err
	}
	if s.TotalDistributions, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if s.TotalFeesCollected, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	return nil
}

func (s VaultState) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint8(s.Bump); err != nil {
		return err
	}
	for _, pk := range []solana.PublicKey{s.Mint, s.Owner, s.Treasury, s.Keeper} {
		if err := enc.WriteBytes(pk[:], false); err != nil {
			return err
		}
	}
	if err := enc.WriteInt64(s.LaunchTimestamp, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteBool(s.FeeFinalized); err != nil {
		return err
	}
	if err := enc.WriteUint16(s.CurrentFeeBps, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteUint64(s.HarvestThreshold, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteInt64(s.LastHarvestTimestamp, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteUint64(s.TotalHarvested, binary.LittleEndian); err != nil {
		return err
	}
	for _, list := range [][]solana.PublicKey{s.FeeExclusions, s.RewardExclusions} {
		if err := writePublicKeys(enc, list); err != nil {
			return err
		}
	}
	for _, b := range []bool{s.EmergencyPause, s.ConfigLocked} {
		if err := enc.WriteBool(b); err != nil {
			return err
		}
	}
	for _, v := range []uint16{s.BatchSizeLimit, s.OwnerShareBps} {
		if err := enc.WriteUint16(v, binary.LittleEndian); err != nil {
			return err
		}
	}
	if err := enc.WriteUint64(s.MinimumHoldAmount, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteBytes(s.RewardTokenMint[:], false); err != nil {
		return err
	}
	for _, v := range []uint64{s.TotalDistributions, s.TotalFeesCollected} {
		if err := enc.WriteUint64(v, binary.LittleEndian); err != nil {
			return err
		}
	}
	// reserved [u64; 16]
	return enc.WriteBytes(make([]byte, 16*8), false)
}

func writePublicKeys(enc *bin.Encoder, keys []solana.PublicKey) error {
	if err := enc.WriteUint32(uint32(len(keys)), binary.LittleEndian); err != nil {
		return err
	}
	for _, pk := range keys {
		if err := enc.WriteBytes(pk[:], false); err != nil {
			return err
		}
	}
	return nil
}

// DecodeVaultState decodes a vault account including its 8-byte
// discriminator.
func DecodeVaultState(data []byte) (*VaultState, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], vaultStateDiscriminator[:]) {
		return nil, fmt.Errorf("%w: missing VaultState discriminator", ErrInvalidAccountData)
	}
	var s VaultState
	if err := s.UnmarshalWithDecoder(bin.NewBorshDecoder(data[8:])); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccountData, err)
	}
	return &s, nil
}

// EncodeVaultState is the inverse of DecodeVaultState.
func EncodeVaultState(s *VaultState) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(vaultStateDiscriminator[:])
	if err := s.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Token-2022 layout constants. Extension data follows the base account
// (padded to 165 bytes for mints) and one account-type byte.
const (
	tokenAccountSize  = 165
	mintSize          = 82
	accountTypeOffset = 165

	accountTypeMint    = 1
	accountTypeAccount = 2

	extTransferFeeConfig = 1
	extTransferFeeAmount = 2

	transferFeeConfigLen = 108
)

// TokenAccount is a Token-2022 account with its withheld transfer fees.
type TokenAccount struct {
	Address  solana.PublicKey
	Mint     solana.PublicKey
	Owner    solana.PublicKey
	Amount   uint64
	Withheld uint64
}

// TransferFee is one epoch's fee schedule.
type TransferFee struct {
	Epoch       uint64
	MaximumFee  uint64
	BasisPoints uint16
}

// Mint is a Token-2022 mint with its transfer fee extension.
type Mint struct {
	Supply   uint64
	Decimals uint8
	// Withheld is the amount already withdrawn from accounts into the mint.
	Withheld     uint64
	HasFeeConfig bool
	OlderFee     TransferFee
	NewerFee     TransferFee
}

func DecodeTokenAccount(address solana.PublicKey, data []byte) (*TokenAccount, error) {
	if len(data) < tokenAccountSize {
		return nil, fmt.Errorf("%w: token account is %d bytes", ErrInvalidAccountData, len(data))
	}
	var base token.Account
	if err := base.UnmarshalWithDecoder(bin.NewBinDecoder(data[:tokenAccountSize])); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccountData, err)
	}
	acc := &TokenAccount{Address: address, Mint: base.Mint, Owner: base.Owner, Amount: base.Amount}
	if len(data) > accountTypeOffset && data[accountTypeOffset] == accountTypeAccount {
		v, ok, err := findExtension(data[accountTypeOffset+1:], extTransferFeeAmount)
		if err != nil {
			return nil, err
		}
		if ok {
			if len(v) < 8 {
				return nil, fmt.Errorf("%w: short transfer fee amount", ErrInvalidAccountData)
			}
			acc.Withheld = binary.LittleEndian.Uint64(v[:8])
		}
	}
	return acc, nil
}

func DecodeMint(data []byte) (*Mint, error) {
	if len(data) < mintSize {
		return nil, fmt.Errorf("%w: mint is %d bytes", ErrInvalidAccountData, len(data))
	}
	var base token.Mint
	if err := base.UnmarshalWithDecoder(bin.NewBinDecoder(data[:mintSize])); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccountData, err)
	}
	m := &Mint{Supply: base.Supply, Decimals: base.Decimals}
	if len(data) <= accountTypeOffset || data[accountTypeOffset] != accountTypeMint {
		return m, nil
	}
	v, ok, err := findExtension(data[accountTypeOffset+1:], extTransferFeeConfig)
	if err != nil || !ok {
		return m, err
	}
	if len(v) < transferFeeConfigLen {
		return nil, fmt.Errorf("%w: short transfer fee config", ErrInvalidAccountData)
	}
	// config authority (32) and withdraw authority (32) precede the amounts.
	dec := bin.NewBinDecoder(v[64:])
	m.HasFeeConfig = true
	if m.Withheld, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return nil, err
	}
	for _, fee := range []*TransferFee{&m.OlderFee, &m.NewerFee} {
		if fee.Epoch, err = dec.ReadUint64(binary.LittleEndian); err != nil {
			return nil, err
		}
		if fee.MaximumFee, err = dec.ReadUint64(binary.LittleEndian); err != nil {
			return nil, err
		}
		if fee.BasisPoints, err = dec.ReadUint16(binary.LittleEndian); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// findExtension walks type-length-value entries for typ.
func findExtension(tlv []byte, typ uint16) ([]byte, bool, error) {
	for len(tlv) >= 4 {
		t := binary.LittleEndian.Uint16(tlv[0:2])
		n := int(binary.LittleEndian.Uint16(tlv[2:4]))
		if t == 0 {
			return nil, false, nil
		}
		if len(tlv) < 4+n {
			return nil, false, fmt.Errorf("%w: extension %d truncated", ErrInvalidAccountData, t)
		}
		if t == typ {
			return tlv[4 : 4+n], true, nil
		}
		tlv = tlv[4+n:]
	}
	return nil, false, nil
}

// AppendTransferFeeAmount encodes a Token-2022 account carrying withheld
// fees. It builds fixtures for tools and tests.
func AppendTransferFeeAmount(base []byte, withheld uint64) []byte {
	out := make([]byte, tokenAccountSize, tokenAccountSize+1+4+8)
	copy(out, base)
	out = append(out, accountTypeAccount)
	out = binary.LittleEndian.AppendUint16(out, extTransferFeeAmount)
	out = binary.LittleEndian.AppendUint16(out, 8)
	return binary.LittleEndian.AppendUint64(out, withheld)
}

// AppendTransferFeeConfig encodes a Token-2022 mint with a transfer fee
// extension.
func AppendTransferFeeConfig(base []byte, withheld uint64, fee TransferFee) []byte {
	out := make([]byte, tokenAccountSize, tokenAccountSize+1+4+transferFeeConfigLen)
	copy(out, base)
	out = append(out, accountTypeMint)
	out = binary.LittleEndian.AppendUint16(out, extTransferFeeConfig)
	out = binary.LittleEndian.AppendUint16(out, transferFeeConfigLen)
	out = append(out, make([]byte, 64)...)
	out = binary.LittleEndian.AppendUint64(out, withheld)
	for range 2 {
		out = binary.LittleEndian.AppendUint64(out, fee.Epoch)
		out = binary.LittleEndian.AppendUint64(out, fee.MaximumFee)
		out = binary.LittleEndian.AppendUint16(out, fee.BasisPoints)
	}
	return out
}
