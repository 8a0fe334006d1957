package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/keeper/keeper/pkg/vault"
)

// ManageExclusion adds or removes address on one of the vault's exclusion
// lists, signed by the vault owner.
func ManageExclusion(ctx context.Context, log *slog.Logger, out io.Writer, v Vault, authority solana.PrivateKey, action vault.ExclusionAction, list vault.ExclusionList, address solana.PublicKey, dryRun bool) error {
	if dryRun {
		fmt.Fprintf(out, "[DRY RUN] Would %s %s on the %s exclusion list of vault %s\n", action, address, list, v.Address())
		return nil
	}
	sig, err := v.ManageExclusion(ctx, action, list, address, authority)
	if err != nil {
		return fmt.Errorf("failed to %s %s exclusion: %w", action, list, err)
	}
	log.Info("admin: exclusion updated", "action", action.String(), "list", list.String(), "address", address.String(), "signature", sig.String())
	fmt.Fprintf(out, "%s %s on %s list: %s\n", action, address, list, formatSignature(sig))
	return nil
}
