package config

import (
	"errors"
	"fmt"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
)

var ErrKeypairExists = errors.New("keypair already exists")

// ValidationError describes one invalid or missing configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return errs.ErrConfigValidation
}
