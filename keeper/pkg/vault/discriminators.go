package vault

import "crypto/sha256"

// Instruction names understood by the vault program.
const (
	InstructionInitialize                = "initialize"
	InstructionHarvestFees               = "harvest_fees"
	InstructionDistributeRewards         = "distribute_rewards"
	InstructionManageExclusions          = "manage_exclusions"
	InstructionUpdateConfig              = "update_config"
	InstructionEmergencyWithdrawVault    = "emergency_withdraw_vault"
	InstructionEmergencyWithdrawWithheld = "emergency_withdraw_withheld"
)

// Discriminator returns the 8-byte instruction identifier for name, the
// first bytes of sha256("global:" + name).
func Discriminator(name string) [8]byte {
	return hashPrefix("global:" + name)
}

// AccountDiscriminator returns the 8-byte prefix of an account of the given
// type, the first bytes of sha256("account:" + typeName).
func AccountDiscriminator(typeName string) [8]byte {
	return hashPrefix("account:" + typeName)
}

func hashPrefix(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

var vaultStateDiscriminator = AccountDiscriminator("VaultState")
