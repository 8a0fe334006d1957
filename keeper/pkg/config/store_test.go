package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	keepertesting "github.com/malbeclabs/keeper/utils/pkg/testing"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(StoreConfig{Logger: keepertesting.NewLogger(), Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKeeper_Config_Store(t *testing.T) {
	t.Parallel()

	t.Run("requires logger and dir", func(t *testing.T) {
		t.Parallel()
		_, err := Open(StoreConfig{Dir: t.TempDir()})
		require.ErrorContains(t, err, "logger is required")
		_, err = Open(StoreConfig{Logger: keepertesting.NewLogger()})
		require.ErrorContains(t, err, "state dir is required")
	})

	t.Run("empty dir yields empty state", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t, t.TempDir())
		require.Equal(t, DeploymentState{}, s.Deployment())
		require.Zero(t, s.Runtime().ConsecutiveFailures)
	})

	t.Run("updates persist across reopen", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		s := newTestStore(t, dir)

		require.NoError(t, s.UpdateDeployment(func(d *DeploymentState) error {
			d.TokenMint = usdcMint
			d.PoolID = "pool-1"
			return nil
		}))
		now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, s.UpdateRuntime(func(r *RuntimeCycleState) {
			r.ConsecutiveFailures = 2
			r.LastHarvestedAmount = 1_000_000
			r.NextAttemptAt = &now
			r.Unconfirmed = append(r.Unconfirmed, PendingSubmission{Step: StepHarvest, Signature: "sig", Amount: 7})
		}))

		require.NoError(t, s.Close())
		reopened := newTestStore(t, dir)
		require.Equal(t, usdcMint, reopened.Deployment().TokenMint)
		rt := reopened.Runtime()
		require.Equal(t, 2, rt.ConsecutiveFailures)
		require.Equal(t, uint64(1_000_000), rt.LastHarvestedAmount)
		require.True(t, now.Equal(*rt.NextAttemptAt))
		require.Len(t, rt.Unconfirmed, 1)
	})

	t.Run("failed mutation leaves state untouched", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t, t.TempDir())
		err := s.UpdateDeployment(func(d *DeploymentState) error {
			d.PoolID = "half-written"
			return os.ErrInvalid
		})
		require.ErrorIs(t, err, os.ErrInvalid)
		require.Empty(t, s.Deployment().PoolID)
	})

	t.Run("returned state is a copy", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t, t.TempDir())
		require.NoError(t, s.RecordSignature("custom", "abc", true))
		d := s.Deployment()
		d.Signatures["custom"] = "mutated"
		require.Equal(t, "abc", s.Deployment().Signatures["custom"])
	})

	t.Run("signatures only through RecordSignature", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t, t.TempDir())
		err := s.UpdateDeployment(func(d *DeploymentState) error {
			d.VaultInitSignature = "5abc"
			return nil
		})
		require.ErrorContains(t, err, "RecordSignature")

		require.ErrorContains(t, s.RecordSignature(SignatureVaultInit, "5abc", false), "unconfirmed")
		require.Empty(t, s.Deployment().VaultInitSignature)

		require.NoError(t, s.RecordSignature(SignatureVaultInit, "5abc", true))
		d := s.Deployment()
		require.Equal(t, "5abc", d.VaultInitSignature)
		require.True(t, d.VaultInitialized)
		require.Equal(t, "5abc", d.Signatures[SignatureVaultInit])
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		s := newTestStore(t, dir)
		require.NoError(t, s.UpdateRuntime(func(r *RuntimeCycleState) { r.State = "running" }))
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		require.ElementsMatch(t, []string{lockFile, runtimeFile}, names)
	})

	t.Run("second open of a locked dir fails", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		s := newTestStore(t, dir)

		_, err := Open(StoreConfig{Logger: keepertesting.NewLogger(), Dir: dir})
		require.ErrorIs(t, err, errs.ErrConfigValidation)
		require.ErrorContains(t, err, "locked by another keeper")

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		newTestStore(t, dir)
	})

	t.Run("read-only open skips the lock and refuses updates", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		s := newTestStore(t, dir)
		require.NoError(t, s.UpdateDeployment(func(d *DeploymentState) error {
			d.TokenMint = usdcMint
			return nil
		}))

		ro, err := Open(StoreConfig{Logger: keepertesting.NewLogger(), Dir: dir, ReadOnly: true})
		require.NoError(t, err)
		defer ro.Close()
		require.Equal(t, usdcMint, ro.Deployment().TokenMint)
		require.ErrorIs(t, ro.UpdateRuntime(func(r *RuntimeCycleState) { r.State = "running" }), errReadOnly)
		require.ErrorIs(t, ro.RecordSignature("custom", "abc", true), errReadOnly)
	})

	t.Run("malformed addresses are not persisted", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t, t.TempDir())
		err := s.UpdateDeployment(func(d *DeploymentState) error {
			d.TokenMint = "not-a-key"
			d.TreasuryWallet = keepertesting.PK(3).String()[:20]
			return nil
		})
		require.ErrorIs(t, err, errs.ErrConfigValidation)
		require.ErrorContains(t, err, "deployment.token_mint")
		require.ErrorContains(t, err, "deployment.treasury_wallet")
		require.Equal(t, DeploymentState{}, s.Deployment())
	})

	t.Run("concurrent readers see whole updates", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t, t.TempDir())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 50; i++ {
				_ = s.UpdateRuntime(func(r *RuntimeCycleState) {
					r.LastHarvestedAmount = uint64(i)
					r.LastDistributedAmount = uint64(i)
				})
			}
		}()
		for i := 0; i < 200; i++ {
			rt := s.Runtime()
			require.Equal(t, rt.LastHarvestedAmount, rt.LastDistributedAmount)
		}
		wg.Wait()
	})
}

func TestKeeper_Config_DeploymentValidate(t *testing.T) {
	t.Parallel()

	err := DeploymentState{}.Validate()
	require.ErrorContains(t, err, "deployment.vault_program_id")
	require.ErrorContains(t, err, "deployment.token_mint")
	require.ErrorContains(t, err, "deployment.vault_initialized")

	d := DeploymentState{
		VaultProgramID:   keepertesting.PK(1).String(),
		TokenMint:        keepertesting.PK(2).String(),
		VaultInitialized: true,
	}
	require.NoError(t, d.Validate())
}

func TestKeeper_Config_WriteJSONAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "out.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 1}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(data))
}
