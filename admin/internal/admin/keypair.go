package admin

import (
	"fmt"
	"io"

	"github.com/malbeclabs/keeper/keeper/pkg/config"
)

func GenerateKeypair(out io.Writer, ks config.KeyStore, name string, overwrite bool) error {
	key, err := ks.Generate(name, overwrite)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%s\t%s\n", name, key.PublicKey(), ks.Path(name))
	return nil
}
