package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/keeper/keeper/pkg/vault"
)

// Vault is the part of vault.Gateway the admin commands drive.
type Vault interface {
	Address() solana.PublicKey
	State(ctx context.Context) (*vault.VaultState, error)
	ManageExclusion(ctx context.Context, action vault.ExclusionAction, list vault.ExclusionList, address solana.PublicKey, authority solana.PrivateKey) (solana.Signature, error)
	UpdateConfig(ctx context.Context, update vault.ConfigUpdate, authority solana.PrivateKey) (solana.Signature, error)
	EmergencyWithdrawVault(ctx context.Context, amount uint64, destination solana.PublicKey, authority solana.PrivateKey) (solana.Signature, error)
	EmergencyWithdrawWithheld(ctx context.Context, destination solana.PublicKey, authority solana.PrivateKey) ([]solana.Signature, error)
}

var _ Vault = (*vault.Gateway)(nil)

// Prompt guards destructive commands.
type Prompt struct {
	In     io.Reader
	Out    io.Writer
	DryRun bool
	// Yes skips the confirmation prompt.
	Yes bool
}

// confirm asks the operator to type "yes". It returns false without an
// error when the operator declines.
func (p Prompt) confirm(action string) (bool, error) {
	if p.Yes {
		return true, nil
	}
	fmt.Fprintf(p.Out, "\nWARNING: %s cannot be undone.\n", action)
	fmt.Fprintf(p.Out, "Type 'yes' to confirm: ")

	response, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	if strings.TrimSpace(strings.ToLower(response)) != "yes" {
		fmt.Fprintf(p.Out, "\nConfirmation failed. Operation cancelled.\n")
		return false, nil
	}
	fmt.Fprintln(p.Out)
	return true, nil
}

func formatSignature(sig solana.Signature) string {
	if sig.IsZero() {
		return "(none sent)"
	}
	return sig.String()
}
