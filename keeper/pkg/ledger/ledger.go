// Package ledger is the keeper's narrow contract with the Solana ledger.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Client is the set of ledger operations the keeper depends on.
type Client interface {
	// Submit signs and sends instructions. The first signer pays fees. A
	// returned signature does not imply confirmation. When the send may have
	// reached the node without a response, the signature is returned along
	// with an error wrapping errs.ErrIndeterminate.
	Submit(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error)
	// SendTransaction sends an already signed transaction, with the same
	// indeterminate contract as Submit.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// WaitForConfirmation blocks until sig reaches commitment, fails, or the
	// timeout elapses. An error is returned only when ctx ends first.
	WaitForConfirmation(ctx context.Context, sig solana.Signature, commitment Commitment, timeout time.Duration) (Confirmation, error)
	// GetAccount returns errs.ErrNotFound when the account does not exist.
	GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error)
	// GetTokenAccounts returns every token account of mint owned by tokenProgram.
	GetTokenAccounts(ctx context.Context, tokenProgram, mint solana.PublicKey) ([]*Account, error)
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
	GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error)
	GetSlot(ctx context.Context) (uint64, error)
	Health(ctx context.Context) error
}

type Account struct {
	Address    solana.PublicKey
	Owner      solana.PublicKey
	Lamports   uint64
	Executable bool
	Data       []byte
}

type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	}
	return 0
}

// Satisfies reports whether an observed commitment level meets want.
func (c Commitment) Satisfies(want Commitment) bool {
	return c.rank() > 0 && c.rank() >= want.rank()
}

// Outcome is the result of waiting for a transaction. TimedOut means the
// transaction may or may not land; callers must re-query the ledger.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota + 1
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type Confirmation struct {
	Outcome Outcome
	Slot    uint64
	// Err carries the on-chain error for OutcomeFailed.
	Err error
}

// DeriveAddress computes the program-derived address for seeds under
// programID, searching bump seeds from 255 down for an off-curve point.
func DeriveAddress(seeds [][]byte, programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive program address: %w", err)
	}
	return addr, bump, nil
}

// AssociatedTokenAddress returns the associated token account of owner for
// mint under tokenProgram (legacy Token or Token-2022).
func AssociatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := DeriveAddress([][]byte{owner[:], tokenProgram[:], mint[:]}, solana.SPLAssociatedTokenAccountProgramID)
	return addr, err
}
