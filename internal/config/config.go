// Package config loads the emulator's YAML configuration. Every field
// has a default, so a partial file (or none at all) still yields a
// runnable configuration.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Resources ResourceConfig  `yaml:"resources"`
	Saves     SaveConfig      `yaml:"saves"`
	Converter ConverterConfig `yaml:"converter"`
	Registry  RegistryConfig  `yaml:"registry"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Token, when set, must be presented by websocket and command
	// clients as ?token= or a bearer header. Empty disables the check.
	Token string `yaml:"token"`
	// AllowedOrigins restricts websocket upgrades. Empty allows any
	// origin, which is the useful default for a local emulator.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ResourceConfig struct {
	// CapacityBytes is the per-session media budget. Registrations that
	// alone exceed it are refused.
	CapacityBytes int64         `yaml:"capacity_bytes"`
	TTL           time.Duration `yaml:"ttl"`
}

type SaveConfig struct {
	// ChunkIdleTimeout drops a chunked upload that stalls between parts.
	ChunkIdleTimeout time.Duration `yaml:"chunk_idle_timeout"`
	// SaveTimeout bounds each native download request to the editor.
	SaveTimeout time.Duration `yaml:"save_timeout"`
}

type ConverterConfig struct {
	// Binary is the external conversion tool. Empty selects the
	// in-process stub, which tags bytes instead of converting them.
	Binary     string `yaml:"binary"`
	ScratchDir string `yaml:"scratch_dir"`
}

type RegistryConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Resources: ResourceConfig{
			CapacityBytes: 256 << 20,
		},
		Saves: SaveConfig{
			ChunkIdleTimeout: 5 * time.Minute,
			SaveTimeout:      30 * time.Second,
		},
		Converter: ConverterConfig{
			ScratchDir: filepath.Join(os.TempDir(), "webdocs-convert"),
		},
		Registry: RegistryConfig{
			CleanupInterval: time.Minute,
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but treats a missing file as an
// empty one.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Resources.CapacityBytes <= 0 {
		return fmt.Errorf("config: resources.capacity_bytes must be positive")
	}
	if c.Saves.ChunkIdleTimeout <= 0 {
		return fmt.Errorf("config: saves.chunk_idle_timeout must be positive")
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GenerateToken returns a fresh random access token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
