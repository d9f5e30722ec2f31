package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const memoryStore = ":memory:"

type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Listen ListenConfig `yaml:"listen"`
	Keys   KeysConfig   `yaml:"keys"`
	Card   CardConfig   `yaml:"card"`
}

type StoreConfig struct {
	// Path of the SQLite database, or ":memory:" for a card that forgets
	// everything on exit.
	Path string `yaml:"path"`
}

type ListenConfig struct {
	Address string `yaml:"address"`
}

type KeysConfig struct {
	SCP03KeyFile        string `yaml:"scp03_key_file"`
	MasterPublicKeyFile string `yaml:"master_public_key_file"`
}

type CardConfig struct {
	LUKLimit *uint64 `yaml:"luk_limit"`
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("config.store.path is required")
	}
	if strings.TrimSpace(c.Listen.Address) == "" {
		return fmt.Errorf("config.listen.address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen.Address); err != nil {
		return fmt.Errorf("config.listen.address: %w", err)
	}
	if c.Keys.SCP03KeyFile != "" {
		if err := validateReadableFile(c.Keys.SCP03KeyFile, "config.keys.scp03_key_file"); err != nil {
			return err
		}
	}
	if c.Keys.MasterPublicKeyFile != "" {
		if err := validateReadableFile(c.Keys.MasterPublicKeyFile, "config.keys.master_public_key_file"); err != nil {
			return err
		}
	}
	return nil
}

// InMemory reports whether the card state is discarded on exit.
func (c *Config) InMemory() bool {
	return c.Store.Path == memoryStore
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	if c.Store.Path != memoryStore {
		c.Store.Path = resolvePath(configDir, c.Store.Path)
	}
	c.Keys.SCP03KeyFile = resolvePath(configDir, c.Keys.SCP03KeyFile)
	c.Keys.MasterPublicKeyFile = resolvePath(configDir, c.Keys.MasterPublicKeyFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
