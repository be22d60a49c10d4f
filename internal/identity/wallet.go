// Package identity derives network addresses from identity secrets.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Wallet holds an identity secret and its derived key material. The public
// address is the hex encoding of the ed25519 public key.
type Wallet struct {
	seed    []byte
	private ed25519.PrivateKey
}

// FromSeed builds a wallet from a hex-encoded identity seed.
func FromSeed(seedHex string) (*Wallet, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Wallet{
		seed:    seed,
		private: ed25519.NewKeyFromSeed(seed),
	}, nil
}

// Seed returns the raw identity secret.
func (w *Wallet) Seed() []byte {
	return w.seed
}

// Address returns the public network address derived from the secret.
func (w *Wallet) Address() string {
	pub := w.private.Public().(ed25519.PublicKey)
	return hex.EncodeToString(pub)
}

// Sign signs a message with the identity key.
func (w *Wallet) Sign(message []byte) []byte {
	return ed25519.Sign(w.private, message)
}
