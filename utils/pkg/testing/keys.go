package keepertesting

import (
	"crypto/ed25519"

	"github.com/gagliardetto/solana-go"
)

// NewKey returns a deterministic keypair derived from seed.
func NewKey(seed byte) solana.PrivateKey {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed + byte(i)
	}
	return solana.PrivateKey(ed25519.NewKeyFromSeed(s))
}

// PK returns a deterministic public key with bytes n, n+1, ...
func PK(n int) solana.PublicKey {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(n + i)
	}
	return solana.PublicKeyFromBytes(b)
}
