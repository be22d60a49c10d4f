package piece

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Split erasure-codes content into dataShards+parityShards equal-size
// shards. Any dataShards of them reconstruct the content.
func Split(content []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("build codec: %w", err)
	}
	shards, err := enc.Split(content)
	if err != nil {
		return nil, fmt.Errorf("split content: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode parity: %w", err)
	}
	return shards, nil
}

// Combine reconstructs content of byteLength bytes from shards, where
// missing shards are nil. Fails when fewer than dataShards shards are
// present.
func Combine(shards [][]byte, dataShards, parityShards, byteLength int) ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("build codec: %w", err)
	}
	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("reconstruct: %w", err)
	}
	var buf bytes.Buffer
	if err := enc.Join(&buf, shards, byteLength); err != nil {
		return nil, fmt.Errorf("join shards: %w", err)
	}
	return buf.Bytes(), nil
}
