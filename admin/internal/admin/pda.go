package admin

import (
	"fmt"
	"io"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/keeper/keeper/pkg/vault"
)

// PrintPDA derives and prints a named program account.
func PrintPDA(out io.Writer, programID, mint solana.PublicKey, name string, chunk uint8) error {
	addr, bump, err := vault.PDA(programID, name, mint, chunk)
	if err != nil {
		return fmt.Errorf("%w (known names: %s)", err, strings.Join(vault.SeedNames(), ", "))
	}
	fmt.Fprintf(out, "%s\t%s\tbump=%d\n", name, addr, bump)
	return nil
}
