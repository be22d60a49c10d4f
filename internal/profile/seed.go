package profile

import (
	"crypto/rand"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadOrCreateSeed reads the hex wallet seed for a profile, generating
// and persisting a fresh one on first use.
func LoadOrCreateSeed(name string) (string, error) {
	path := SeedPath(name)
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read seed file: %w", err)
	}

	if err := EnsureDir(name); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	raw := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	seed := hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(seed+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write seed file: %w", err)
	}
	return seed, nil
}
