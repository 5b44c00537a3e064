package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"pwlp/config"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadServerConfigFillsDefaults(t *testing.T) {
	path := writeTemp(t, "server.toml", `
default_secret = "topsecret"
default_program = "off.pwlp"

[devices."aa:bb:cc:dd:ee:ff"]
secret = "devicesecret"
program = "custom.pwlp"
`)

	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.BindAddress != "0.0.0.0:33333" {
		t.Errorf("expected default bind address, got %q", cfg.BindAddress)
	}
	if cfg.HTTPAddress != "127.0.0.1:33334" {
		t.Errorf("expected default http address, got %q", cfg.HTTPAddress)
	}
	dev, ok := cfg.Devices["aa:bb:cc:dd:ee:ff"]
	if !ok {
		t.Fatal("expected a device entry")
	}
	if dev.Secret != "devicesecret" || dev.Program != "custom.pwlp" {
		t.Errorf("unexpected device entry: %+v", dev)
	}
}

func TestLoadClientConfigFillsDefaults(t *testing.T) {
	path := writeTemp(t, "client.toml", `
server_address = "192.168.1.1:7773"
secret = "topsecret"
fps_limit = 30
`)

	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.ServerAddress != "192.168.1.1:7773" {
		t.Errorf("unexpected server address: %q", cfg.ServerAddress)
	}
	if cfg.BindAddress != "0.0.0.0:0" {
		t.Errorf("expected default bind address, got %q", cfg.BindAddress)
	}
	if cfg.FPSLimit != 30 {
		t.Errorf("expected fps_limit 30, got %d", cfg.FPSLimit)
	}
}

func TestLoadServerConfigMissingFileErrors(t *testing.T) {
	if _, err := config.LoadServerConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error loading a missing file")
	}
}
