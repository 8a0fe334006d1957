// Package ledgertesting provides an in-memory ledger.Client for tests.
package ledgertesting

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
)

var _ ledger.Client = (*Ledger)(nil)

// Submission is one recorded call to Submit or SendTransaction.
type Submission struct {
	Signature    solana.Signature
	Instructions []solana.Instruction
	Signers      []solana.PublicKey
	Tx           *solana.Transaction
}

// Script controls what happens to the next submission. Landed decides
// whether the OnSubmit effects are applied. Wait is what the first
// WaitForConfirmation call reports; later calls report the truth.
// LoseResponse makes the send itself report an indeterminate error after
// the submission was recorded.
type Script struct {
	Wait         ledger.Outcome
	Landed       bool
	LoseResponse bool
}

var (
	ScriptConfirmed = Script{Wait: ledger.OutcomeConfirmed, Landed: true}
	ScriptFailed    = Script{Wait: ledger.OutcomeFailed}
	// ScriptLandedUnseen lands the transaction but times out the first wait.
	ScriptLandedUnseen = Script{Wait: ledger.OutcomeTimedOut, Landed: true}
	// ScriptDropped never lands and is never confirmed.
	ScriptDropped = Script{Wait: ledger.OutcomeTimedOut}
	// ScriptLandedLostResponse lands the transaction but the send reports a
	// transport error.
	ScriptLandedLostResponse = Script{Wait: ledger.OutcomeConfirmed, Landed: true, LoseResponse: true}
)

type record struct {
	script Script
	waited bool
	slot   uint64
	err    error
}

// Ledger is an in-memory ledger. Submissions confirm by default; use
// Script to queue other outcomes and OnSubmit to apply instruction effects.
type Ledger struct {
	mu          sync.Mutex
	accounts    map[solana.PublicKey]*ledger.Account
	balances    map[solana.PublicKey]uint64
	slot        uint64
	scripts     []Script
	records     map[solana.Signature]*record
	submissions []Submission
	submitErrs  []error
	unavailable error
	healthErr   error
	seq         uint64

	// OnSubmit is called for each landed submission before it is recorded
	// as confirmed. A non-nil error turns the submission into a failure.
	OnSubmit func(l *Ledger, sub Submission) error
}

func New() *Ledger {
	return &Ledger{
		accounts: make(map[solana.PublicKey]*ledger.Account),
		balances: make(map[solana.PublicKey]uint64),
		records:  make(map[solana.Signature]*record),
		slot:     1000,
	}
}

func (l *Ledger) SetAccount(acc *ledger.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *acc
	cp.Data = bytes.Clone(acc.Data)
	l.accounts[acc.Address] = &cp
}

func (l *Ledger) DeleteAccount(address solana.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, address)
}

// Account returns a copy of the stored account, or nil.
func (l *Ledger) Account(address solana.PublicKey) *ledger.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[address]
	if !ok {
		return nil
	}
	cp := *acc
	cp.Data = bytes.Clone(acc.Data)
	return &cp
}

// SetBalance sets the lamport balance reported for an address without an
// account entry.
func (l *Ledger) SetBalance(address solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = lamports
}

func (l *Ledger) SetSlot(slot uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slot = slot
}

// Script queues outcomes for the next submissions, in order.
func (l *Ledger) Script(scripts ...Script) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts = append(l.scripts, scripts...)
}

// FailSubmit makes the next Submit or SendTransaction return err without
// recording a submission.
func (l *Ledger) FailSubmit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErrs = append(l.submitErrs, err)
}

// SetUnavailable makes every call fail with a connectivity error wrapping
// err. Pass nil to restore.
func (l *Ledger) SetUnavailable(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = err
}

func (l *Ledger) SetHealthErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.healthErr = err
}

func (l *Ledger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Submission(nil), l.submissions...)
}

// ConfirmedSubmissions returns the submissions that landed.
func (l *Ledger) ConfirmedSubmissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Submission
	for _, s := range l.submissions {
		if r := l.records[s.Signature]; r != nil && r.script.Landed && r.err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (l *Ledger) checkAvailable(op string) error {
	if l.unavailable != nil {
		return errs.Connectivity(op, l.unavailable)
	}
	return nil
}

func (l *Ledger) nextSignature() solana.Signature {
	l.seq++
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], l.seq)
	h := sha256.Sum256(buf[:])
	var sig solana.Signature
	copy(sig[:], h[:])
	copy(sig[32:], h[:])
	return sig
}

func (l *Ledger) Submit(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error) {
	if len(signers) == 0 {
		return solana.Signature{}, fmt.Errorf("at least one signer is required")
	}
	l.mu.Lock()
	sig := l.nextSignature()
	l.mu.Unlock()
	keys := make([]solana.PublicKey, len(signers))
	for i, s := range signers {
		keys[i] = s.PublicKey()
	}
	return l.submit(ctx, Submission{Signature: sig, Instructions: instructions, Signers: keys})
}

func (l *Ledger) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, fmt.Errorf("transaction is not signed")
	}
	return l.submit(ctx, Submission{Signature: tx.Signatures[0], Tx: tx})
}

func (l *Ledger) submit(ctx context.Context, sub Submission) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	l.mu.Lock()
	if err := l.checkAvailable("sendTransaction"); err != nil {
		l.mu.Unlock()
		return solana.Signature{}, err
	}
	if len(l.submitErrs) > 0 {
		err := l.submitErrs[0]
		l.submitErrs = l.submitErrs[1:]
		l.mu.Unlock()
		return solana.Signature{}, err
	}
	script := ScriptConfirmed
	if len(l.scripts) > 0 {
		script = l.scripts[0]
		l.scripts = l.scripts[1:]
	}
	l.slot++
	rec := &record{script: script, slot: l.slot}
	l.records[sub.Signature] = rec
	l.submissions = append(l.submissions, sub)
	hook := l.OnSubmit
	l.mu.Unlock()

	if script.Landed && hook != nil {
		if err := hook(l, sub); err != nil {
			l.mu.Lock()
			rec.err = fmt.Errorf("%w: %v", errs.ErrTransactionFailed, err)
			l.mu.Unlock()
		}
	}
	if script.LoseResponse {
		lost := errs.Connectivity("sendTransaction", errors.New("connection reset by peer"))
		return sub.Signature, fmt.Errorf("%w: sendTransaction %s: %w", errs.ErrIndeterminate, sub.Signature, lost)
	}
	return sub.Signature, nil
}

func (l *Ledger) WaitForConfirmation(ctx context.Context, sig solana.Signature, _ ledger.Commitment, _ time.Duration) (ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Confirmation{Outcome: ledger.OutcomeTimedOut}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[sig]
	if !ok {
		return ledger.Confirmation{Outcome: ledger.OutcomeTimedOut}, nil
	}
	first := !rec.waited
	rec.waited = true
	if rec.err != nil {
		return ledger.Confirmation{Outcome: ledger.OutcomeFailed, Slot: rec.slot, Err: rec.err}, nil
	}
	outcome := rec.script.Wait
	if !first {
		switch {
		case rec.script.Landed:
			outcome = ledger.OutcomeConfirmed
		case outcome == ledger.OutcomeFailed:
		default:
			outcome = ledger.OutcomeTimedOut
		}
	}
	switch outcome {
	case ledger.OutcomeConfirmed:
		return ledger.Confirmation{Outcome: outcome, Slot: rec.slot}, nil
	case ledger.OutcomeFailed:
		return ledger.Confirmation{Outcome: outcome, Slot: rec.slot, Err: errs.ErrTransactionFailed}, nil
	}
	return ledger.Confirmation{Outcome: ledger.OutcomeTimedOut}, nil
}

func (l *Ledger) GetAccount(_ context.Context, address solana.PublicKey) (*ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable("getAccountInfo"); err != nil {
		return nil, err
	}
	acc, ok := l.accounts[address]
	if !ok {
		return nil, fmt.Errorf("getAccountInfo: %w", errs.ErrNotFound)
	}
	cp := *acc
	cp.Data = bytes.Clone(acc.Data)
	return &cp, nil
}

func (l *Ledger) GetTokenAccounts(_ context.Context, tokenProgram, mint solana.PublicKey) ([]*ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable("getProgramAccounts"); err != nil {
		return nil, err
	}
	var out []*ledger.Account
	for _, acc := range l.accounts {
		if !acc.Owner.Equals(tokenProgram) || len(acc.Data) < 165 {
			continue
		}
		if !bytes.Equal(acc.Data[:32], mint[:]) {
			continue
		}
		cp := *acc
		cp.Data = bytes.Clone(acc.Data)
		out = append(out, &cp)
	}
	return out, nil
}

func (l *Ledger) GetBalance(_ context.Context, address solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable("getBalance"); err != nil {
		return 0, err
	}
	if acc, ok := l.accounts[address]; ok {
		return acc.Lamports, nil
	}
	return l.balances[address], nil
}

// GetTokenBalance reads the amount field of a stored token account.
func (l *Ledger) GetTokenBalance(_ context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable("getTokenAccountBalance"); err != nil {
		return 0, err
	}
	acc, ok := l.accounts[tokenAccount]
	if !ok || len(acc.Data) < 72 {
		return 0, fmt.Errorf("getTokenAccountBalance: %w", errs.ErrNotFound)
	}
	return binary.LittleEndian.Uint64(acc.Data[64:72]), nil
}

func (l *Ledger) GetSlot(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable("getSlot"); err != nil {
		return 0, err
	}
	return l.slot, nil
}

func (l *Ledger) Health(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAvailable("getHealth"); err != nil {
		return err
	}
	if l.healthErr != nil {
		return errs.Connectivity("getHealth", l.healthErr)
	}
	return nil
}
