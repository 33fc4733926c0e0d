// Package config loads the client's TOML configuration.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the client configuration.
type Config struct {
	DataDir    string           `toml:"data_dir"`
	Archive    ArchiveConfig    `toml:"archive"`
	Carbons    CarbonsConfig    `toml:"carbons"`
	Encryption EncryptionConfig `toml:"encryption"`
	Log        LogConfig        `toml:"log"`
}

// LogConfig controls the logger built at client startup.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// ArchiveConfig controls server-side history synchronization.
type ArchiveConfig struct {
	AutoSync      bool `toml:"auto_sync"`
	LookbackHours int  `toml:"lookback_hours"`
	PageSize      int  `toml:"page_size"`
}

// CarbonsConfig controls message-carbons auto-enable.
type CarbonsConfig struct {
	Enabled bool `toml:"enabled"`
}

// EncryptionConfig sets the default outgoing encryption mode.
type EncryptionConfig struct {
	Default string `toml:"default"` // none, omemo
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".jab"),
		Archive: ArchiveConfig{
			AutoSync:      true,
			LookbackHours: 72,
			PageSize:      150,
		},
		Carbons:    CarbonsConfig{Enabled: true},
		Encryption: EncryptionConfig{Default: "none"},
		Log:        LogConfig{Level: "info"},
	}
}

// Load reads config from path, filling unset values with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
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

func (c *Config) applyDefaults() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Archive.LookbackHours <= 0 {
		c.Archive.LookbackHours = def.Archive.LookbackHours
	}
	if c.Archive.PageSize <= 0 {
		c.Archive.PageSize = def.Archive.PageSize
	}
	if c.Encryption.Default == "" {
		c.Encryption.Default = def.Encryption.Default
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}
