package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/keeper/keeper/pkg/vault"
)

// ConfigUpdateFlags holds the raw update_config flag values. Empty strings
// and negative numbers mean "unchanged".
type ConfigUpdateFlags struct {
	Treasury    string
	Keeper      string
	BatchSize   int
	MinimumHold int64
}

func ParseConfigUpdate(f ConfigUpdateFlags) (vault.ConfigUpdate, error) {
	var u vault.ConfigUpdate
	if f.Treasury != "" {
		pk, err := solana.PublicKeyFromBase58(f.Treasury)
		if err != nil {
			return u, fmt.Errorf("invalid treasury: %w", err)
		}
		u.Treasury = &pk
	}
	if f.Keeper != "" {
		pk, err := solana.PublicKeyFromBase58(f.Keeper)
		if err != nil {
			return u, fmt.Errorf("invalid keeper: %w", err)
		}
		u.Keeper = &pk
	}
	if f.BatchSize >= 0 {
		if f.BatchSize == 0 || f.BatchSize > math.MaxUint16 {
			return u, fmt.Errorf("batch size must be in [1, %d]", math.MaxUint16)
		}
		n := uint16(f.BatchSize)
		u.BatchSize = &n
	}
	if f.MinimumHold >= 0 {
		n := uint64(f.MinimumHold)
		u.MinimumHold = &n
	}
	if u.Empty() {
		return u, errors.New("no config fields to update (use --treasury, --new-keeper, --batch-size or --minimum-hold)")
	}
	return u, nil
}

func UpdateConfig(ctx context.Context, log *slog.Logger, out io.Writer, v Vault, authority solana.PrivateKey, update vault.ConfigUpdate, dryRun bool) error {
	if update.Treasury != nil {
		fmt.Fprintf(out, "treasury     -> %s\n", update.Treasury)
	}
	if update.Keeper != nil {
		fmt.Fprintf(out, "keeper       -> %s\n", update.Keeper)
	}
	if update.BatchSize != nil {
		fmt.Fprintf(out, "batch size   -> %d\n", *update.BatchSize)
	}
	if update.MinimumHold != nil {
		fmt.Fprintf(out, "minimum hold -> %d\n", *update.MinimumHold)
	}
	if dryRun {
		fmt.Fprintln(out, "[DRY RUN] Would update the vault config above")
		return nil
	}
	sig, err := v.UpdateConfig(ctx, update, authority)
	if err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}
	log.Info("admin: vault config updated", "signature", sig.String())
	fmt.Fprintf(out, "updated: %s\n", sig)
	return nil
}
