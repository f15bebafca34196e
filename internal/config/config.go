// Package config loads weft project configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the project configuration file, looked up at the
// project root.
const ConfigFileName = "weft.json"

// Config represents weft configuration for one project.
type Config struct {
	User    UserConfig    `json:"user"`
	Server  ServerConfig  `json:"server"`
	Project ProjectConfig `json:"project"`
	Log     LogConfig     `json:"log"`
}

// UserConfig holds user identity information attached to commits.
type UserConfig struct {
	Name string `json:"name"`
}

// ServerConfig holds sync server connection settings.
type ServerConfig struct {
	URL        string `json:"url"`
	MaxRetries int    `json:"max_retries"`
}

// ProjectConfig holds per-project settings.
type ProjectConfig struct {
	// MetadataDocID is the id of the branch registry document. Empty for a
	// project that has not been initialized yet.
	MetadataDocID string `json:"metadata_doc_id,omitempty"`
	// StorePath is the local docstore database, relative to the project
	// root unless absolute.
	StorePath string `json:"store_path,omitempty"`
	// Ignore lists extra ignore globs merged with the built-in defaults
	// and .weftignore.
	Ignore []string `json:"ignore,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			MaxRetries: 10,
		},
		Project: ProjectConfig{
			StorePath: filepath.Join(".weft", "store.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads the project config at root, merged over defaults. A missing
// file returns the defaults without error.
func Load(root string) (*Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(root, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to the project root.
func Save(root string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(root, ConfigFileName)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// StorePath resolves the configured docstore path against root.
func (c *Config) StorePath(root string) string {
	p := c.Project.StorePath
	if p == "" {
		p = filepath.Join(".weft", "store.db")
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
