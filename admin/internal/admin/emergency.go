package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
)

func EmergencyWithdrawVault(ctx context.Context, log *slog.Logger, p Prompt, v Vault, authority solana.PrivateKey, amount uint64, destination solana.PublicKey) error {
	if amount == 0 {
		return fmt.Errorf("amount must be greater than 0")
	}
	fmt.Fprintf(p.Out, "Emergency withdraw of %d tokens from vault %s to %s\n", amount, v.Address(), destination)
	if p.DryRun {
		fmt.Fprintln(p.Out, "[DRY RUN] Would withdraw the amount above")
		return nil
	}
	ok, err := p.confirm("an emergency withdrawal")
	if err != nil || !ok {
		return err
	}
	sig, err := v.EmergencyWithdrawVault(ctx, amount, destination, authority)
	if err != nil {
		return fmt.Errorf("failed to withdraw from vault: %w", err)
	}
	log.Warn("admin: emergency vault withdrawal", "amount", amount, "destination", destination.String(), "signature", sig.String())
	fmt.Fprintf(p.Out, "withdrawn: %s\n", sig)
	return nil
}

func EmergencyWithdrawWithheld(ctx context.Context, log *slog.Logger, p Prompt, v Vault, authority solana.PrivateKey, destination solana.PublicKey) error {
	fmt.Fprintf(p.Out, "Emergency withdraw of all withheld fees of vault %s to %s\n", v.Address(), destination)
	if p.DryRun {
		fmt.Fprintln(p.Out, "[DRY RUN] Would withdraw every withheld fee")
		return nil
	}
	ok, err := p.confirm("an emergency withdrawal of withheld fees")
	if err != nil || !ok {
		return err
	}
	sigs, err := v.EmergencyWithdrawWithheld(ctx, destination, authority)
	for _, sig := range sigs {
		fmt.Fprintf(p.Out, "  ✓ %s\n", sig)
	}
	if err != nil {
		return fmt.Errorf("failed to withdraw withheld fees after %d transaction(s): %w", len(sigs), err)
	}
	log.Warn("admin: emergency withheld withdrawal", "destination", destination.String(), "transactions", len(sigs))
	if len(sigs) == 0 {
		fmt.Fprintln(p.Out, "No withheld fees to withdraw")
	}
	return nil
}
