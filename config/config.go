// Package config loads the TOML-backed configuration consumed by the
// server and client binaries (spec.md §6, "Configuration (consumed)").
// No repo in the retrieval pack parses a config file of its own, so this
// reaches for github.com/BurntSushi/toml as the idiomatic ecosystem
// choice rather than a hand-rolled format.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Device is a single entry in a server config's per-device table, keyed
// by canonical MAC string.
type Device struct {
	Secret  string `toml:"secret"`
	Program string `toml:"program"`
}

// ServerConfig is the server binary's configuration shape.
type ServerConfig struct {
	BindAddress    string            `toml:"bind_address"`
	DefaultSecret  string            `toml:"default_secret"`
	DefaultProgram string            `toml:"default_program"`
	HTTPAddress    string            `toml:"http_address"`
	Devices        map[string]Device `toml:"devices"`
}

// ClientConfig is the client binary's configuration shape.
type ClientConfig struct {
	ServerAddress string `toml:"server_address"`
	BindAddress   string `toml:"bind_address"`
	Secret        string `toml:"secret"`
	FPSLimit      int    `toml:"fps_limit"`
	Deterministic bool   `toml:"deterministic"`
}

// LoadServerConfig reads and parses a server TOML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("loading server config %s: %w", path, err)
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0:33333"
	}
	if cfg.HTTPAddress == "" {
		cfg.HTTPAddress = "127.0.0.1:33334"
	}
	if cfg.Devices == nil {
		cfg.Devices = make(map[string]Device)
	}
	return &cfg, nil
}

// LoadClientConfig reads and parses a client TOML config file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("loading client config %s: %w", path, err)
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0:0"
	}
	return &cfg, nil
}
