package admin

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/preflight"
)

// VerifyPreflight prints a preflight artifact and checks its signature. It
// fails when the signature is invalid or any check did not pass.
func VerifyPreflight(out io.Writer, path string) error {
	a, err := preflight.ReadArtifact(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	fmt.Fprintf(out, "%s checked at %s by %s\n", a.VCID, a.CheckedAt.Format(time.RFC3339), a.Signer)
	for _, c := range a.Checks {
		line := fmt.Sprintf("  %-8s %s", c.Status, c.Name)
		if c.Detail != "" {
			line += ": " + c.Detail
		}
		fmt.Fprintln(out, line)
	}
	if a.Notes != "" {
		fmt.Fprintln(out, a.Notes)
	}

	var problems []error
	if err := preflight.VerifyArtifact(a); err != nil {
		problems = append(problems, fmt.Errorf("signature: %w", err))
	} else {
		fmt.Fprintln(out, "signature: valid")
	}
	if !a.Passed {
		problems = append(problems, errs.ErrPreflightFailure)
	}
	return errors.Join(problems...)
}
