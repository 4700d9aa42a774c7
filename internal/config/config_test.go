package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "0.0.0.0"
  token: "secret"
  allowed_origins:
    - "http://localhost:3000"
resources:
  capacity_bytes: 1048576
  ttl: 10m
saves:
  chunk_idle_timeout: 90s
converter:
  binary: /usr/bin/x2t
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Token != "secret" {
		t.Errorf("Server.Token = %q, want secret", cfg.Server.Token)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Resources.CapacityBytes != 1048576 {
		t.Errorf("CapacityBytes = %d, want 1048576", cfg.Resources.CapacityBytes)
	}
	if cfg.Resources.TTL != 10*time.Minute {
		t.Errorf("TTL = %v, want 10m", cfg.Resources.TTL)
	}
	if cfg.Saves.ChunkIdleTimeout != 90*time.Second {
		t.Errorf("ChunkIdleTimeout = %v, want 90s", cfg.Saves.ChunkIdleTimeout)
	}
	if cfg.Converter.Binary != "/usr/bin/x2t" {
		t.Errorf("Converter.Binary = %q", cfg.Converter.Binary)
	}

	// Defaults still apply to unspecified fields.
	if cfg.Saves.SaveTimeout != 30*time.Second {
		t.Errorf("SaveTimeout = %v, want default 30s", cfg.Saves.SaveTimeout)
	}
	if cfg.Registry.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want default 1m", cfg.Registry.CleanupInterval)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Saves.ChunkIdleTimeout != 5*time.Minute {
		t.Errorf("ChunkIdleTimeout = %v, want default 5m", cfg.Saves.ChunkIdleTimeout)
	}
	if cfg.Converter.Binary != "" {
		t.Errorf("Converter.Binary = %q, want empty default", cfg.Converter.Binary)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"port out of range", "server:\n  port: 99999\n"},
		{"negative capacity", "resources:\n  capacity_bytes: -1\n"},
		{"zero idle timeout", "saves:\n  chunk_idle_timeout: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(cfgPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(cfgPath); err == nil {
				t.Fatal("Load() accepted invalid config")
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if len(tok) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("token length = %d, want 32", len(tok))
	}
	tok2, _ := GenerateToken()
	if tok == tok2 {
		t.Error("two generated tokens should not be identical")
	}
}
