package vault

import (
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
)

// Seeds of the program-derived accounts owned by the vault program.
const (
	SeedVault            = "vault"
	SeedTaxConfig        = "tax_config"
	SeedTaxAuthority     = "tax_authority"
	SeedTaxHolding       = "tax_holding"
	SeedRewardExclusions = "reward_exclusions"
	SeedTaxExemptions    = "tax_exemptions"
	SeedHolderRegistry   = "holder_registry"
)

var namedSeeds = map[string]bool{
	SeedTaxConfig:        true,
	SeedTaxAuthority:     true,
	SeedTaxHolding:       true,
	SeedRewardExclusions: true,
	SeedTaxExemptions:    true,
	SeedHolderRegistry:   true,
}

// SeedNames lists the single-seed accounts that PDA accepts.
func SeedNames() []string {
	names := make([]string, 0, len(namedSeeds)+1)
	for n := range namedSeeds {
		names = append(names, n)
	}
	names = append(names, SeedVault)
	sort.Strings(names)
	return names
}

// VaultAddress derives the vault state account for mint.
func VaultAddress(programID, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return ledger.DeriveAddress([][]byte{[]byte(SeedVault), mint[:]}, programID)
}

// HolderRegistryAddress derives the holder registry chunk account.
func HolderRegistryAddress(programID solana.PublicKey, chunk uint8) (solana.PublicKey, uint8, error) {
	return ledger.DeriveAddress([][]byte{[]byte(SeedHolderRegistry), {chunk}}, programID)
}

// PDA derives a named program account. The vault seed needs mint and
// holder_registry uses chunk; both are ignored otherwise.
func PDA(programID solana.PublicKey, name string, mint solana.PublicKey, chunk uint8) (solana.PublicKey, uint8, error) {
	switch name {
	case SeedVault:
		return VaultAddress(programID, mint)
	case SeedHolderRegistry:
		return HolderRegistryAddress(programID, chunk)
	}
	if !namedSeeds[name] {
		return solana.PublicKey{}, 0, fmt.Errorf("unknown seed %q", name)
	}
	return ledger.DeriveAddress([][]byte{[]byte(name)}, programID)
}
