package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	keepertesting "github.com/malbeclabs/keeper/utils/pkg/testing"
)

func TestKeeper_Config_KeyStore(t *testing.T) {
	t.Parallel()

	t.Run("save and load round trip", func(t *testing.T) {
		t.Parallel()
		ks := KeyStore{Dir: t.TempDir()}
		key := keepertesting.NewKey(1)
		require.NoError(t, ks.Save("keeper", key, false))

		loaded, err := ks.Load("keeper")
		require.NoError(t, err)
		require.Equal(t, key.PublicKey(), loaded.PublicKey())

		info, err := os.Stat(ks.Path("keeper"))
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("never overwrites without intent", func(t *testing.T) {
		t.Parallel()
		ks := KeyStore{Dir: t.TempDir()}
		first := keepertesting.NewKey(1)
		require.NoError(t, ks.Save("keeper", first, false))

		err := ks.Save("keeper", keepertesting.NewKey(2), false)
		require.ErrorIs(t, err, ErrKeypairExists)
		loaded, err := ks.Load("keeper")
		require.NoError(t, err)
		require.Equal(t, first.PublicKey(), loaded.PublicKey())

		second := keepertesting.NewKey(2)
		require.NoError(t, ks.Save("keeper", second, true))
		loaded, err = ks.Load("keeper")
		require.NoError(t, err)
		require.Equal(t, second.PublicKey(), loaded.PublicKey())
	})

	t.Run("missing keypair", func(t *testing.T) {
		t.Parallel()
		_, err := KeyStore{Dir: t.TempDir()}.Load("absent")
		require.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("generate refuses existing", func(t *testing.T) {
		t.Parallel()
		ks := KeyStore{Dir: t.TempDir()}
		_, err := ks.Generate("treasury", false)
		require.NoError(t, err)
		_, err = ks.Generate("treasury", false)
		require.ErrorIs(t, err, ErrKeypairExists)
	})
}
