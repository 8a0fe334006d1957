package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
)

// KeyStore manages signing keypairs stored as <dir>/<name>-keypair.json in
// the solana-keygen JSON byte-array format.
type KeyStore struct {
	Dir string
}

func (k KeyStore) Path(name string) string {
	return filepath.Join(k.Dir, name+"-keypair.json")
}

func (k KeyStore) Load(name string) (solana.PrivateKey, error) {
	path := k.Path(name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("keypair %q: %w", name, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair %q: %w", name, err)
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFileBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse keypair %q: %w", name, err)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keypair %q: %w", name, err)
	}
	return key, nil
}

// Save writes key under name. An existing keypair is only replaced when
// overwrite is set.
func (k KeyStore) Save(name string, key solana.PrivateKey, overwrite bool) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("invalid keypair: %w", err)
	}
	if err := os.MkdirAll(k.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create keypair dir: %w", err)
	}

	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	path := k.Path(name)
	if overwrite {
		return writeFileAtomic(path, data)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("keypair %q: %w", name, ErrKeypairExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create keypair %q: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Generate creates and saves a fresh keypair.
func (k KeyStore) Generate(name string, overwrite bool) (solana.PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	if err := k.Save(name, key, overwrite); err != nil {
		return nil, err
	}
	return key, nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
