package vault_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/keeper/keeper/pkg/vault"
	keepertesting "github.com/malbeclabs/keeper/utils/pkg/testing"
)

func TestKeeper_Vault_Discriminator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want [8]byte
	}{
		{vault.InstructionInitialize, [8]byte{175, 175, 109, 31, 13, 152, 155, 237}},
		{vault.InstructionHarvestFees, [8]byte{90, 149, 158, 241, 163, 186, 155, 202}},
		{vault.InstructionDistributeRewards, [8]byte{97, 6, 227, 255, 124, 165, 3, 148}},
		{vault.InstructionManageExclusions, [8]byte{56, 33, 158, 232, 192, 107, 79, 46}},
		{vault.InstructionUpdateConfig, [8]byte{29, 158, 252, 191, 10, 83, 219, 99}},
		{vault.InstructionEmergencyWithdrawVault, [8]byte{5, 249, 137, 196, 243, 159, 253, 224}},
		{vault.InstructionEmergencyWithdrawWithheld, [8]byte{182, 128, 120, 45, 101, 68, 122, 245}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, vault.Discriminator(tt.name))
			require.Equal(t, vault.Discriminator(tt.name), vault.Discriminator(tt.name))

			name, ok := vault.InstructionName(tt.want[:])
			require.True(t, ok)
			require.Equal(t, tt.name, name)
		})
	}

	require.Equal(t, [8]byte{228, 196, 82, 165, 98, 210, 235, 152}, vault.AccountDiscriminator("VaultState"))
	_, ok := vault.InstructionName([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestKeeper_Vault_PDA(t *testing.T) {
	t.Parallel()

	program := keepertesting.PK(100)
	mint := keepertesting.PK(7)

	for _, name := range vault.SeedNames() {
		a, bumpA, err := vault.PDA(program, name, mint, 0)
		require.NoError(t, err, name)
		b, bumpB, err := vault.PDA(program, name, mint, 0)
		require.NoError(t, err)
		require.Equal(t, a, b, name)
		require.Equal(t, bumpA, bumpB)
		require.False(t, a.IsOnCurve(), name)
	}

	chunk0, _, err := vault.PDA(program, vault.SeedHolderRegistry, mint, 0)
	require.NoError(t, err)
	chunk1, _, err := vault.PDA(program, vault.SeedHolderRegistry, mint, 1)
	require.NoError(t, err)
	require.NotEqual(t, chunk0, chunk1)

	v1, _, err := vault.VaultAddress(program, mint)
	require.NoError(t, err)
	v2, _, err := vault.VaultAddress(program, keepertesting.PK(8))
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)

	_, _, err = vault.PDA(program, "nope", mint, 0)
	require.Error(t, err)
}
