package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

const (
	deploymentFile = "deployment-state.json"
	runtimeFile    = "runtime-state.json"
	lockFile       = "keeper.lock"
)

var errReadOnly = errors.New("state store is open read-only")

type StoreConfig struct {
	Logger *slog.Logger
	Dir    string
	// ReadOnly opens the state without taking the directory lock. Updates
	// are refused.
	ReadOnly bool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dir == "" {
		return errors.New("state dir is required")
	}
	return nil
}

// Store holds the persisted deployment and runtime state. Every update is
// written to disk before it becomes visible to readers.
type Store struct {
	log      *slog.Logger
	dir      string
	lock     *flock.Flock
	readOnly bool

	mu         sync.RWMutex
	deployment DeploymentState
	runtime    RuntimeCycleState
}

// Open loads the state files in cfg.Dir. Missing files yield empty state.
// Unless cfg.ReadOnly is set it holds an exclusive lock on the directory
// until Close, so a second keeper on the same state fails to start.
func Open(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	s := &Store{log: cfg.Logger, dir: cfg.Dir, readOnly: cfg.ReadOnly}
	if !cfg.ReadOnly {
		lock := flock.New(filepath.Join(cfg.Dir, lockFile))
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock state dir: %w", err)
		}
		if !locked {
			return nil, &ValidationError{Field: "state_dir", Reason: fmt.Sprintf("%s is locked by another keeper", cfg.Dir)}
		}
		s.lock = lock
	}
	if err := readJSON(filepath.Join(cfg.Dir, deploymentFile), &s.deployment); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to load deployment state: %w", err)
	}
	if err := readJSON(filepath.Join(cfg.Dir, runtimeFile), &s.runtime); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to load runtime state: %w", err)
	}
	s.log.Debug("config: state loaded", "dir", cfg.Dir, "read_only", cfg.ReadOnly, "consecutive_failures", s.runtime.ConsecutiveFailures)
	return s, nil
}

// Close releases the directory lock. It is safe to call more than once.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

func (s *Store) Deployment() DeploymentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deployment.clone()
}

// UpdateDeployment applies fn to a copy of the deployment state and persists
// it. Signature fields cannot be changed here; use RecordSignature.
func (s *Store) UpdateDeployment(fn func(*DeploymentState) error) error {
	if s.readOnly {
		return errReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.deployment.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.validateFormat(); err != nil {
		return err
	}
	before := s.deployment.signatureFields()
	after := next.signatureFields()
	if len(before) != len(after) {
		return errors.New("signature fields must be set with RecordSignature")
	}
	for k, v := range after {
		if before[k] != v {
			return fmt.Errorf("signature field %q must be set with RecordSignature", k)
		}
	}
	return s.commitDeployment(next)
}

// RecordSignature stores the signature of a critical transaction. Only
// confirmed transactions may be recorded.
func (s *Store) RecordSignature(name, signature string, confirmed bool) error {
	if !confirmed {
		return fmt.Errorf("refusing to record unconfirmed signature for %s", name)
	}
	if signature == "" {
		return fmt.Errorf("empty signature for %s", name)
	}
	if s.readOnly {
		return errReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.deployment.clone()
	switch name {
	case SignatureTokenCreation:
		next.TokenCreationSignature = signature
	case SignatureVaultInit:
		next.VaultInitSignature = signature
		next.VaultInitialized = true
	case SignatureRevocation:
		next.RevocationSignature = signature
		next.MintAuthorityRevoked = true
	}
	if next.Signatures == nil {
		next.Signatures = map[string]string{}
	}
	next.Signatures[name] = signature
	return s.commitDeployment(next)
}

func (s *Store) commitDeployment(next DeploymentState) error {
	if err := writeJSONAtomic(filepath.Join(s.dir, deploymentFile), next); err != nil {
		return fmt.Errorf("failed to persist deployment state: %w", err)
	}
	s.deployment = next
	return nil
}

func (s *Store) Runtime() RuntimeCycleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtime.clone()
}

func (s *Store) UpdateRuntime(fn func(*RuntimeCycleState)) error {
	if s.readOnly {
		return errReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.runtime.clone()
	fn(&next)
	if err := writeJSONAtomic(filepath.Join(s.dir, runtimeFile), next); err != nil {
		return fmt.Errorf("failed to persist runtime state: %w", err)
	}
	s.runtime = next
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// WriteJSONAtomic is exported for other packages that publish state files.
func WriteJSONAtomic(path string, v any) error {
	return writeJSONAtomic(path, v)
}
