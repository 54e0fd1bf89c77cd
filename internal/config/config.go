// Package config provides configuration management for the bridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportMemory = "memory"
	TransportLibp2p = "libp2p"
)

// Config represents the bridge configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Transport TransportConfig `yaml:"transport"`
	Publisher PublisherConfig `yaml:"publisher"`
	Schemas   SchemasConfig   `yaml:"schemas"`
}

// HTTPConfig contains the client-facing listener settings.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// TransportConfig selects and configures the pubsub runtime.
type TransportConfig struct {
	Kind            string   `yaml:"kind"` // "memory" or "libp2p"
	Listen          []string `yaml:"listen"`
	Bootstrap       []string `yaml:"bootstrap"`
	Rendezvous      string   `yaml:"rendezvous"`
	EnableMDNS      bool     `yaml:"enable_mdns"`
	IdentityKeyFile string   `yaml:"identity_key_file"`
}

// PublisherConfig tunes shared publishers.
type PublisherConfig struct {
	BufferTimeout time.Duration `yaml:"buffer_timeout"`
}

// SchemasConfig lists extra message type definition files.
type SchemasConfig struct {
	Files []string `yaml:"files"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		HTTP: HTTPConfig{Listen: ":9090"},
		Transport: TransportConfig{
			Kind:            TransportMemory,
			Listen:          []string{"/ip4/0.0.0.0/tcp/4101"},
			Rendezvous:      "clawdcity-bridge",
			EnableMDNS:      true,
			IdentityKeyFile: filepath.Join(homeDir, ".clawdcity-bridge", "identity.key"),
		},
		Publisher: PublisherConfig{BufferTimeout: time.Second},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".clawdcity-bridge", "config.yaml")
}

// Load loads the configuration from a file. Values missing from the file
// keep their defaults; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportMemory, TransportLibp2p:
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if c.Publisher.BufferTimeout < 0 {
		return fmt.Errorf("publisher.buffer_timeout must not be negative")
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}
	return nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
