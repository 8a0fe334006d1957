package config

import (
	"errors"
	"maps"
	"slices"
	"time"
)

// Well-known signature names recorded in DeploymentState.
const (
	SignatureTokenCreation = "token_creation"
	SignatureVaultInit     = "vault_init"
	SignatureRevocation    = "mint_authority_revocation"
)

// DeploymentState is the persisted record of what has been deployed and
// initialized on-chain. Signature fields are written only through
// Store.RecordSignature.
type DeploymentState struct {
	VaultProgramID     string `json:"vault_program_id,omitempty"`
	SmartDialProgramID string `json:"smart_dial_program_id,omitempty"`
	TokenMint          string `json:"token_mint,omitempty"`
	RewardMint         string `json:"reward_mint,omitempty"`
	KeeperWallet       string `json:"keeper_wallet,omitempty"`
	TreasuryWallet     string `json:"treasury_wallet,omitempty"`

	TokenCreationSignature string `json:"token_creation_signature,omitempty"`
	VaultInitialized       bool   `json:"vault_initialized"`
	VaultInitSignature     string `json:"vault_init_signature,omitempty"`
	AuthoritiesTransferred bool   `json:"authorities_transferred"`

	PoolCreated          bool       `json:"pool_created"`
	PoolID               string     `json:"pool_id,omitempty"`
	LaunchTime           *time.Time `json:"launch_time,omitempty"`
	LiquidityAdded       bool       `json:"liquidity_added"`
	MintAuthorityRevoked bool       `json:"mint_authority_revoked"`
	RevocationSignature  string     `json:"revocation_signature,omitempty"`

	Signatures map[string]string `json:"signatures,omitempty"`
}

func (d DeploymentState) clone() DeploymentState {
	out := d
	out.Signatures = maps.Clone(d.Signatures)
	if d.LaunchTime != nil {
		t := *d.LaunchTime
		out.LaunchTime = &t
	}
	return out
}

// signatureFields flattens every signature-bearing field for change detection.
func (d DeploymentState) signatureFields() map[string]string {
	out := map[string]string{
		SignatureTokenCreation: d.TokenCreationSignature,
		SignatureVaultInit:     d.VaultInitSignature,
		SignatureRevocation:    d.RevocationSignature,
	}
	for k, v := range d.Signatures {
		out["signatures."+k] = v
	}
	return out
}

// Validate reports deployment fields the keeper cannot run without.
func (d DeploymentState) Validate() error {
	var problems []error
	if err := ValidateAddress("deployment.vault_program_id", d.VaultProgramID); err != nil {
		problems = append(problems, err)
	}
	if err := ValidateAddress("deployment.token_mint", d.TokenMint); err != nil {
		problems = append(problems, err)
	}
	if !d.VaultInitialized {
		problems = append(problems, &ValidationError{Field: "deployment.vault_initialized", Reason: "is false"})
	}
	if d.KeeperWallet != "" {
		if err := ValidateAddress("deployment.keeper_wallet", d.KeeperWallet); err != nil {
			problems = append(problems, err)
		}
	}
	return errors.Join(problems...)
}

// validateFormat rejects malformed addresses before they are persisted.
// Empty fields are allowed since deployment fills them in over time.
func (d DeploymentState) validateFormat() error {
	var problems []error
	for _, f := range []struct{ field, value string }{
		{"deployment.vault_program_id", d.VaultProgramID},
		{"deployment.smart_dial_program_id", d.SmartDialProgramID},
		{"deployment.token_mint", d.TokenMint},
		{"deployment.reward_mint", d.RewardMint},
		{"deployment.keeper_wallet", d.KeeperWallet},
		{"deployment.treasury_wallet", d.TreasuryWallet},
	} {
		if f.value == "" {
			continue
		}
		if err := ValidateAddress(f.field, f.value); err != nil {
			problems = append(problems, err)
		}
	}
	return errors.Join(problems...)
}

// QuoteRecord is the persisted summary of the last swap quote.
type QuoteRecord struct {
	InputMint      string    `json:"input_mint"`
	OutputMint     string    `json:"output_mint"`
	InAmount       uint64    `json:"in_amount"`
	OutAmount      uint64    `json:"out_amount"`
	MinOutAmount   uint64    `json:"min_out_amount"`
	SlippageBps    uint16    `json:"slippage_bps"`
	PriceImpactPct float64   `json:"price_impact_pct"`
	Route          []string  `json:"route,omitempty"`
	ContextSlot    uint64    `json:"context_slot"`
	QuotedAt       time.Time `json:"quoted_at"`
}

// SwapRecord is the persisted summary of the last swap attempt.
type SwapRecord struct {
	Signature  string    `json:"signature"`
	InAmount   uint64    `json:"in_amount"`
	OutAmount  uint64    `json:"out_amount"`
	Outcome    string    `json:"outcome"`
	Slot       uint64    `json:"slot"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Steps that can leave a submission unconfirmed.
const (
	StepHarvest     = "harvest"
	StepTopUp       = "topup"
	StepSwap        = "swap"
	StepOwnerPayout = "owner_payout"
	StepDistribute  = "distribute"
)

// PendingSubmission is a transaction that was sent but whose confirmation was
// never observed. It must be resolved against the ledger before the step is retried.
type PendingSubmission struct {
	Step        string `json:"step"`
	Signature   string `json:"signature"`
	Amount      uint64 `json:"amount"`
	ExpectedOut uint64 `json:"expected_out,omitempty"`
	// OwnerShareBps is the owner cut applied when a harvest settles.
	OwnerShareBps uint16 `json:"owner_share_bps,omitempty"`
	// OwnerIn is the part of a swap's input carved for the owner.
	OwnerIn     uint64    `json:"owner_in,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PlannedPayout is one unpaid entry of an interrupted distribution plan.
type PlannedPayout struct {
	Owner  string `json:"owner"`
	Amount uint64 `json:"amount"`
}

// RuntimeCycleState is the orchestrator's persisted progress.
type RuntimeCycleState struct {
	State                      string              `json:"state,omitempty"`
	LastCycleID                string              `json:"last_cycle_id,omitempty"`
	LastCycleAt                *time.Time          `json:"last_cycle_at,omitempty"`
	LastSuccessAt              *time.Time          `json:"last_success_at,omitempty"`
	LastHarvestedAmount        uint64              `json:"last_harvested_amount"`
	LastQuote                  *QuoteRecord        `json:"last_quote,omitempty"`
	LastSwap                   *SwapRecord         `json:"last_swap,omitempty"`
	LastDistributionSignatures []string            `json:"last_distribution_signatures,omitempty"`
	LastDistributedAmount      uint64              `json:"last_distributed_amount"`
	ConsecutiveFailures        int                 `json:"consecutive_failures"`
	LastFailureKind            string              `json:"last_failure_kind,omitempty"`
	LastFailure                string              `json:"last_failure,omitempty"`
	NextAttemptAt              *time.Time          `json:"next_attempt_at,omitempty"`
	AlertActive                bool                `json:"alert_active"`
	LastOwnerPaidAmount        uint64              `json:"last_owner_paid_amount"`
	LastTopUpLamports          uint64              `json:"last_top_up_lamports"`
	// PendingSwapAmount and PendingOwnerSwapAmount are harvested taxed
	// tokens not yet swapped, split between holders and the owner.
	PendingSwapAmount      uint64 `json:"pending_swap_amount"`
	PendingOwnerSwapAmount uint64 `json:"pending_owner_swap_amount"`
	// PendingOwnerAmount and PendingDistributionAmount are reward tokens
	// held by the keeper and owed to the owner and to holders.
	PendingOwnerAmount        uint64              `json:"pending_owner_amount"`
	PendingDistributionAmount uint64              `json:"pending_distribution_amount"`
	PendingPayouts            []PlannedPayout     `json:"pending_payouts,omitempty"`
	Unconfirmed               []PendingSubmission `json:"unconfirmed,omitempty"`
}

// PlannedTotal is the amount still owed by PendingPayouts.
func (r RuntimeCycleState) PlannedTotal() uint64 {
	var sum uint64
	for _, p := range r.PendingPayouts {
		sum += p.Amount
	}
	return sum
}

// Idle reports whether no harvested funds are waiting on a later step.
func (r RuntimeCycleState) Idle() bool {
	return r.PendingSwapAmount == 0 && r.PendingOwnerSwapAmount == 0 &&
		r.PendingOwnerAmount == 0 && r.PendingDistributionAmount == 0
}

func (r RuntimeCycleState) clone() RuntimeCycleState {
	out := r
	out.LastCycleAt = cloneTime(r.LastCycleAt)
	out.LastSuccessAt = cloneTime(r.LastSuccessAt)
	out.NextAttemptAt = cloneTime(r.NextAttemptAt)
	if r.LastQuote != nil {
		q := *r.LastQuote
		q.Route = slices.Clone(r.LastQuote.Route)
		out.LastQuote = &q
	}
	if r.LastSwap != nil {
		s := *r.LastSwap
		out.LastSwap = &s
	}
	out.LastDistributionSignatures = slices.Clone(r.LastDistributionSignatures)
	out.PendingPayouts = slices.Clone(r.PendingPayouts)
	out.Unconfirmed = slices.Clone(r.Unconfirmed)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
