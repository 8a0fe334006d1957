package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/metrics"
	"github.com/malbeclabs/keeper/utils/pkg/retry"
)

var (
	_ Client    = (*RPCClient)(nil)
	_ SolanaRPC = (*solanarpc.Client)(nil)
)

// SolanaRPC is the subset of the solana-go RPC client used by RPCClient.
type SolanaRPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, publicKey solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetBalance(ctx context.Context, publicKey solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
	GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetHealth(ctx context.Context) (string, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

type RPCClientConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	RPC        SolanaRPC
	Commitment Commitment
	// PriorityFeeMicroLamports, when set, prepends a compute-unit price
	// instruction to every transaction built by Submit.
	PriorityFeeMicroLamports uint64
	PollInterval             time.Duration
	Retry                    retry.Config
}

func (cfg *RPCClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Commitment.rank() == 0 {
		return fmt.Errorf("invalid commitment %q", cfg.Commitment)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

// RPCClient implements Client over a Solana JSON-RPC endpoint.
type RPCClient struct {
	log *slog.Logger
	cfg RPCClientConfig
}

func NewRPCClient(cfg RPCClientConfig) (*RPCClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCClient{log: cfg.Logger, cfg: cfg}, nil
}

// NewRPCClientFromURL builds an RPCClient against endpoint with the
// solana-go JSON-RPC client.
func NewRPCClientFromURL(log *slog.Logger, endpoint string, commitment Commitment, priorityFee uint64) (*RPCClient, error) {
	return NewRPCClient(RPCClientConfig{
		Logger:                   log,
		RPC:                      solanarpc.New(endpoint),
		Commitment:               commitment,
		PriorityFeeMicroLamports: priorityFee,
	})
}

func (c *RPCClient) commitment() solanarpc.CommitmentType {
	return solanarpc.CommitmentType(c.cfg.Commitment)
}

// call runs fn with transient-error retries and maps the final error into
// the keeper's taxonomy.
func (c *RPCClient) call(ctx context.Context, method string, fn func() error) error {
	err := retry.Do(ctx, c.cfg.Retry, fn)
	if err == nil {
		metrics.LedgerRequestsTotal.WithLabelValues(method, "success").Inc()
		return nil
	}
	metrics.LedgerRequestsTotal.WithLabelValues(method, "error").Inc()
	if errors.Is(err, solanarpc.ErrNotFound) {
		return fmt.Errorf("%s: %w", method, errs.ErrNotFound)
	}
	var netErr net.Error
	if retry.IsRetryable(err) || errors.As(err, &netErr) {
		return errs.Connectivity(method, err)
	}
	return fmt.Errorf("%s: %w", method, err)
}

func (c *RPCClient) Submit(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error) {
	if len(signers) == 0 {
		return solana.Signature{}, errors.New("at least one signer is required")
	}
	if c.cfg.PriorityFeeMicroLamports > 0 {
		price := computebudget.NewSetComputeUnitPriceInstruction(c.cfg.PriorityFeeMicroLamports).Build()
		instructions = append([]solana.Instruction{price}, instructions...)
	}

	var blockhash *solanarpc.GetLatestBlockhashResult
	if err := c.call(ctx, "getLatestBlockhash", func() error {
		var err error
		blockhash, err = c.cfg.RPC.GetLatestBlockhash(ctx, c.commitment())
		return err
	}); err != nil {
		return solana.Signature{}, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(signers[0].PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(signerGetter(signers)); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return c.SendTransaction(ctx, tx)
}

func signerGetter(signers []solana.PrivateKey) func(solana.PublicKey) *solana.PrivateKey {
	return func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	}
}

// SendTransaction resends the same signed bytes on transient failures; the
// ledger deduplicates by signature. Unless the node explicitly rejected the
// transaction, a failed send returns the signature with errs.ErrIndeterminate
// because the transaction may still land.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("transaction is not signed")
	}
	var sig solana.Signature
	err := c.call(ctx, "sendTransaction", func() error {
		var err error
		sig, err = c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: c.commitment(),
		})
		return err
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return solana.Signature{}, err
		}
		sig = tx.Signatures[0]
		c.log.Warn("ledger: send outcome unknown", "signature", sig.String(), "error", err)
		return sig, fmt.Errorf("%w: sendTransaction %s: %w", errs.ErrIndeterminate, sig, err)
	}
	c.log.Debug("ledger: transaction sent", "signature", sig.String())
	return sig, nil
}

func (c *RPCClient) WaitForConfirmation(ctx context.Context, sig solana.Signature, commitment Commitment, timeout time.Duration) (Confirmation, error) {
	if commitment == "" {
		commitment = c.cfg.Commitment
	}
	deadline := c.cfg.Clock.After(timeout)
	ticker := c.cfg.Clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		switch {
		case err != nil && !errors.Is(err, solanarpc.ErrNotFound):
			metrics.LedgerRequestsTotal.WithLabelValues("getSignatureStatuses", "error").Inc()
			c.log.Debug("ledger: signature status poll failed", "signature", sig.String(), "error", err)
		case err == nil && len(res.Value) > 0 && res.Value[0] != nil:
			status := res.Value[0]
			if status.Err != nil {
				metrics.ConfirmationsTotal.WithLabelValues(OutcomeFailed.String()).Inc()
				return Confirmation{
					Outcome: OutcomeFailed,
					Slot:    status.Slot,
					Err:     fmt.Errorf("%w: %v", errs.ErrTransactionFailed, status.Err),
				}, nil
			}
			if Commitment(status.ConfirmationStatus).Satisfies(commitment) {
				metrics.ConfirmationsTotal.WithLabelValues(OutcomeConfirmed.String()).Inc()
				return Confirmation{Outcome: OutcomeConfirmed, Slot: status.Slot}, nil
			}
		}

		select {
		case <-ctx.Done():
			return Confirmation{Outcome: OutcomeTimedOut}, ctx.Err()
		case <-deadline:
			metrics.ConfirmationsTotal.WithLabelValues(OutcomeTimedOut.String()).Inc()
			c.log.Warn("ledger: confirmation timed out", "signature", sig.String(), "timeout", timeout)
			return Confirmation{Outcome: OutcomeTimedOut}, nil
		case <-ticker.Chan():
		}
	}
}

func (c *RPCClient) GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error) {
	var res *solanarpc.GetAccountInfoResult
	err := c.call(ctx, "getAccountInfo", func() error {
		var err error
		res, err = c.cfg.RPC.GetAccountInfoWithOpts(ctx, address, &solanarpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.commitment(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return toAccount(address, res.Value), nil
}

func toAccount(address solana.PublicKey, a *solanarpc.Account) *Account {
	out := &Account{
		Address:    address,
		Owner:      a.Owner,
		Lamports:   a.Lamports,
		Executable: a.Executable,
	}
	if a.Data != nil {
		out.Data = a.Data.GetBinary()
	}
	return out
}

func (c *RPCClient) GetTokenAccounts(ctx context.Context, tokenProgram, mint solana.PublicKey) ([]*Account, error) {
	var res solanarpc.GetProgramAccountsResult
	err := c.call(ctx, "getProgramAccounts", func() error {
		var err error
		res, err = c.cfg.RPC.GetProgramAccountsWithOpts(ctx, tokenProgram, &solanarpc.GetProgramAccountsOpts{
			Commitment: c.commitment(),
			Encoding:   solana.EncodingBase64,
			Filters: []solanarpc.RPCFilter{
				{Memcmp: &solanarpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(mint[:])}},
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(res))
	for _, ka := range res {
		if ka == nil || ka.Account == nil {
			continue
		}
		out = append(out, toAccount(ka.Pubkey, ka.Account))
	}
	return out, nil
}

func (c *RPCClient) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	var res *solanarpc.GetBalanceResult
	err := c.call(ctx, "getBalance", func() error {
		var err error
		res, err = c.cfg.RPC.GetBalance(ctx, address, c.commitment())
		return err
	})
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

func (c *RPCClient) GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	var res *solanarpc.GetTokenAccountBalanceResult
	err := c.call(ctx, "getTokenAccountBalance", func() error {
		var err error
		res, err = c.cfg.RPC.GetTokenAccountBalance(ctx, tokenAccount, c.commitment())
		return err
	})
	if err != nil {
		return 0, err
	}
	if res == nil || res.Value == nil {
		return 0, fmt.Errorf("getTokenAccountBalance: %w", errs.ErrNotFound)
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token amount %q: %w", res.Value.Amount, err)
	}
	return amount, nil
}

func (c *RPCClient) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, "getSlot", func() error {
		var err error
		slot, err = c.cfg.RPC.GetSlot(ctx, c.commitment())
		return err
	})
	return slot, err
}

func (c *RPCClient) Health(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", func() error {
		var err error
		status, err = c.cfg.RPC.GetHealth(ctx)
		return err
	}); err != nil {
		return err
	}
	if status != "ok" {
		return errs.Connectivity("getHealth", fmt.Errorf("node reports %q", status))
	}
	return nil
}
