package vault_test

import (
	"bytes"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/keeper/keeper/pkg/vault"
	keepertesting "github.com/malbeclabs/keeper/utils/pkg/testing"
)

func TestKeeper_Vault_DecodeVaultState(t *testing.T) {
	t.Parallel()

	state := &vault.VaultState{
		Bump:               254,
		Mint:               keepertesting.PK(1),
		Owner:              keepertesting.PK(2),
		Treasury:           keepertesting.PK(3),
		Keeper:             keepertesting.PK(4),
		LaunchTimestamp:    1_700_000_000,
		CurrentFeeBps:      500,
		HarvestThreshold:   500_000,
		FeeExclusions:      []solana.PublicKey{keepertesting.PK(5)},
		RewardExclusions:   []solana.PublicKey{keepertesting.PK(6), keepertesting.PK(7)},
		ConfigLocked:       true,
		BatchSizeLimit:     10,
		MinimumHoldAmount:  100,
		RewardTokenMint:    keepertesting.PK(8),
		TotalDistributions: 3,
	}
	data, err := vault.EncodeVaultState(state)
	require.NoError(t, err)
	// 8 discriminator + fixed fields + two vectors + reserved
	require.Equal(t, 8+1+4*32+8+1+2+8+8+8+(4+32)+(4+64)+1+1+2+2+8+32+8+8+128, len(data))

	got, err := vault.DecodeVaultState(data)
	require.NoError(t, err)
	require.Equal(t, state, got)

	_, err = vault.DecodeVaultState(data[8:])
	require.ErrorIs(t, err, vault.ErrInvalidAccountData)

	truncated := bytes.Clone(data[:60])
	_, err = vault.DecodeVaultState(truncated)
	require.ErrorIs(t, err, vault.ErrInvalidAccountData)
}

func TestKeeper_Vault_DecodeToken2022(t *testing.T) {
	t.Parallel()

	mint := keepertesting.PK(1)
	owner := keepertesting.PK(2)

	var buf bytes.Buffer
	require.NoError(t, token.Account{Mint: mint, Owner: owner, Amount: 42, State: token.Initialized}.MarshalWithEncoder(bin.NewBinEncoder(&buf)))
	require.Equal(t, 165, buf.Len())

	acc, err := vault.DecodeTokenAccount(keepertesting.PK(3), vault.AppendTransferFeeAmount(buf.Bytes(), 77))
	require.NoError(t, err)
	require.Equal(t, mint, acc.Mint)
	require.Equal(t, owner, acc.Owner)
	require.Equal(t, uint64(42), acc.Amount)
	require.Equal(t, uint64(77), acc.Withheld)

	plain, err := vault.DecodeTokenAccount(keepertesting.PK(3), buf.Bytes())
	require.NoError(t, err)
	require.Zero(t, plain.Withheld)

	buf.Reset()
	require.NoError(t, token.Mint{Supply: 1_000, Decimals: 6, IsInitialized: true}.MarshalWithEncoder(bin.NewBinEncoder(&buf)))
	m, err := vault.DecodeMint(vault.AppendTransferFeeConfig(buf.Bytes(), 900, vault.TransferFee{Epoch: 5, MaximumFee: 10_000, BasisPoints: 500}))
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), m.Supply)
	require.Equal(t, uint8(6), m.Decimals)
	require.True(t, m.HasFeeConfig)
	require.Equal(t, uint64(900), m.Withheld)
	require.Equal(t, uint16(500), m.NewerFee.BasisPoints)
	require.Equal(t, uint64(10_000), m.NewerFee.MaximumFee)

	_, err = vault.DecodeTokenAccount(keepertesting.PK(3), []byte{1, 2})
	require.ErrorIs(t, err, vault.ErrInvalidAccountData)
}

func TestKeeper_Vault_Instructions(t *testing.T) {
	t.Parallel()

	program := keepertesting.PK(100)
	payouts := []vault.Payout{
		{Owner: keepertesting.PK(1), Account: keepertesting.PK(11), Amount: 5},
		{Owner: keepertesting.PK(2), Account: keepertesting.PK(12), Amount: 6},
	}
	ix, err := vault.NewDistributeRewardsInstruction(program, vault.DistributeRewardsAccounts{
		Vault: keepertesting.PK(50), Authority: keepertesting.PK(51), Source: keepertesting.PK(52),
		RewardMint: keepertesting.PK(53), TokenProgram: solana.TokenProgramID,
	}, payouts)
	require.NoError(t, err)
	require.Len(t, ix.Accounts(), 5+len(payouts))
	require.True(t, ix.Accounts()[1].IsSigner)
	data, err := ix.Data()
	require.NoError(t, err)
	parsed, err := vault.ParseDistributeRewards(data)
	require.NoError(t, err)
	require.Equal(t, payouts[1].Owner, parsed[1].Owner)
	require.Equal(t, uint64(6), parsed[1].Amount)

	var tooMany []vault.Payout
	for i := range vault.MaxDistributionRecipients + 1 {
		tooMany = append(tooMany, vault.Payout{Owner: keepertesting.PK(i)})
	}
	_, err = vault.NewDistributeRewardsInstruction(program, vault.DistributeRewardsAccounts{}, tooMany)
	require.Error(t, err)

	ix, err = vault.NewManageExclusionsInstruction(program, keepertesting.PK(50), keepertesting.PK(51), vault.ActionRemove, vault.ListTax, keepertesting.PK(9))
	require.NoError(t, err)
	data, err = ix.Data()
	require.NoError(t, err)
	require.Len(t, data, 8+1+32+1)
	action, list, addr, err := vault.ParseManageExclusions(data)
	require.NoError(t, err)
	require.Equal(t, vault.ActionRemove, action)
	require.Equal(t, vault.ListTax, list)
	require.Equal(t, keepertesting.PK(9), addr)

	batch := uint16(5)
	ix, err = vault.NewUpdateConfigInstruction(program, keepertesting.PK(50), keepertesting.PK(51), vault.ConfigUpdate{BatchSize: &batch})
	require.NoError(t, err)
	data, err = ix.Data()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 1, 5, 0, 0}, data[8:])
}

func TestKeeper_Vault_TransferTax(t *testing.T) {
	t.Parallel()

	fee := vault.TransferFee{BasisPoints: 500, MaximumFee: 1_000}
	a, b, exempt := keepertesting.PK(1), keepertesting.PK(2), keepertesting.PK(3)
	set := &vault.ExclusionSet{Tax: map[solana.PublicKey]struct{}{exempt: {}}}

	require.Equal(t, uint64(50), vault.TransferTax(fee, set, a, b, 1_000))
	require.Equal(t, uint64(1), vault.TransferTax(fee, set, a, b, 1))
	require.Equal(t, uint64(1_000), vault.TransferTax(fee, set, a, b, 1_000_000))
	require.Zero(t, vault.TransferTax(fee, set, exempt, b, 1_000))
	require.Zero(t, vault.TransferTax(fee, set, a, exempt, 1_000))
	require.Equal(t, uint64(50), vault.TransferTax(fee, nil, exempt, b, 1_000))
}
