package admin

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/gagliardetto/solana-go"
)

func ShowVault(ctx context.Context, out io.Writer, v Vault) error {
	s, err := v.State(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(k string, val any) { fmt.Fprintf(w, "%s\t%v\n", k, val) }
	row("vault", v.Address())
	row("mint", s.Mint)
	row("owner", s.Owner)
	row("treasury", s.Treasury)
	row("keeper", s.Keeper)
	row("reward mint", s.RewardTokenMint)
	row("fee bps", s.CurrentFeeBps)
	row("fee finalized", s.FeeFinalized)
	row("harvest threshold", s.HarvestThreshold)
	row("minimum hold", s.MinimumHoldAmount)
	row("batch size", s.BatchSizeLimit)
	row("emergency pause", s.EmergencyPause)
	row("config locked", s.ConfigLocked)
	row("total harvested", s.TotalHarvested)
	row("total distributions", s.TotalDistributions)
	if s.LaunchTimestamp > 0 {
		row("launched", time.Unix(s.LaunchTimestamp, 0).UTC().Format(time.RFC3339))
	}
	if s.LastHarvestTimestamp > 0 {
		row("last harvest", time.Unix(s.LastHarvestTimestamp, 0).UTC().Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	printList(out, "Reward exclusions", s.RewardExclusions)
	printList(out, "Tax exclusions", s.FeeExclusions)
	return nil
}

func printList(out io.Writer, title string, keys []solana.PublicKey) {
	fmt.Fprintf(out, "\n%s (%d):\n", title, len(keys))
	for _, k := range keys {
		fmt.Fprintf(out, "  - %s\n", k)
	}
}
