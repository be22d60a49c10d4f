package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.dchat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// DeviceID identifies this installation in outgoing payloads.
	// Generated on first run if empty.
	DeviceID string `toml:"device_id"`

	Node NodeConfig `toml:"node"`
}

// NodeConfig controls how the client reaches the network.
type NodeConfig struct {
	// RPCEndpoints are seed JSON-RPC URLs raced at connect time.
	RPCEndpoints []string `toml:"rpc_endpoints"`

	// Direct selects direct TLS connectivity to nodes instead of
	// going through an RPC relay. Direct mode uses more subclients.
	Direct bool `toml:"direct"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
