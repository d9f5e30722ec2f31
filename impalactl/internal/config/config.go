package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/barnettlynn/impalacard/pkg/scp03"
)

type Config struct {
	Transport     TransportConfig `yaml:"transport"`
	Keys          KeysConfig      `yaml:"keys"`
	SecurityLevel string          `yaml:"security_level"`
	Sync          SyncConfig      `yaml:"sync"`
}

// TransportConfig names exactly one of a PC/SC reader (by index or by
// name) or an emulator address.
type TransportConfig struct {
	ReaderIndex *int   `yaml:"reader_index"`
	ReaderName  string `yaml:"reader_name"`
	Address     string `yaml:"address"`
}

type KeysConfig struct {
	SCP03KeyFile         string `yaml:"scp03_key_file"`
	MasterPrivateKeyFile string `yaml:"master_private_key_file"`
}

type SyncConfig struct {
	Endpoint     string `yaml:"endpoint"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
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
	set := 0
	for _, ok := range []bool{
		c.Transport.ReaderIndex != nil,
		strings.TrimSpace(c.Transport.ReaderName) != "",
		strings.TrimSpace(c.Transport.Address) != "",
	} {
		if ok {
			set++
		}
	}
	switch {
	case set > 1:
		return fmt.Errorf("config.transport: set only one of reader_index, reader_name or address")
	case set == 0:
		return fmt.Errorf("config.transport.reader_index, reader_name or address is required")
	case c.Transport.ReaderIndex != nil && *c.Transport.ReaderIndex < 0:
		return fmt.Errorf("config.transport.reader_index must be >= 0")
	}

	if _, err := c.Level(); err != nil {
		return fmt.Errorf("config.security_level: %w", err)
	}
	if c.Keys.SCP03KeyFile != "" {
		if err := validateReadableFile(c.Keys.SCP03KeyFile, "config.keys.scp03_key_file"); err != nil {
			return err
		}
	}
	if c.Keys.MasterPrivateKeyFile != "" {
		if err := validateReadableFile(c.Keys.MasterPrivateKeyFile, "config.keys.master_private_key_file"); err != nil {
			return err
		}
	}

	if c.Sync.Endpoint != "" {
		u, err := url.Parse(c.Sync.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.sync.endpoint must be an absolute URL")
		}
		if (c.Sync.ClientID == "") != (c.Sync.ClientSecret == "") {
			return fmt.Errorf("config.sync.client_id and config.sync.client_secret must be set together")
		}
	}
	return nil
}

// Level parses security_level; empty means every protection.
func (c *Config) Level() (scp03.SecurityLevel, error) {
	return scp03.ParseSecurityLevel(c.SecurityLevel)
}

// StaticKeys loads the SCP03 key file, or the default key set of a fresh
// card when none is configured.
func (c *Config) StaticKeys() (scp03.StaticKeys, error) {
	if c.Keys.SCP03KeyFile == "" {
		return scp03.DefaultKeys(), nil
	}
	return scp03.LoadKeyFile(c.Keys.SCP03KeyFile)
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Keys.SCP03KeyFile = resolvePath(configDir, c.Keys.SCP03KeyFile)
	c.Keys.MasterPrivateKeyFile = resolvePath(configDir, c.Keys.MasterPrivateKeyFile)
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
