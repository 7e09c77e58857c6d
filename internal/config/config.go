// Package config loads the walletbridged configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/walletbridge/internal/backend"
	"github.com/klingon-exchange/walletbridge/internal/bridge"
	"github.com/klingon-exchange/walletbridge/internal/chain"
	"github.com/klingon-exchange/walletbridge/internal/storage"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// DefaultDataDir is where configuration and databases live by default.
const DefaultDataDir = "~/.walletbridge"

// Config holds all configuration for the daemon.
type Config struct {
	// API is the JSON-RPC endpoint.
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Defaults describes the default wallet, blockchain and database.
	Defaults DefaultsConfig `yaml:"defaults"`

	// Storage
	Storage StorageConfig `yaml:"storage"`
}

// APIConfig holds RPC server settings.
type APIConfig struct {
	// Listen is the host:port of the JSON-RPC and WebSocket server.
	Listen string `yaml:"listen"`

	// Metrics enables GET /metrics.
	Metrics bool `yaml:"metrics"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// DefaultsConfig configures the instances used when a call names an
// unknown wallet or blockchain.
type DefaultsConfig struct {
	Network    string         `yaml:"network"`
	Descriptor string         `yaml:"descriptor"`
	Electrum   ElectrumConfig `yaml:"electrum"`

	// Database is used by wallets created before any *DBInit call.
	Database storage.Config `yaml:"database"`
}

// ElectrumConfig configures the default blockchain.
type ElectrumConfig struct {
	URL     string        `yaml:"url"`
	Retry   int           `yaml:"retry"`
	StopGap int           `yaml:"stop_gap"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the config file and relative database
	// paths.
	DataDir string `yaml:"data_dir"`
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Listen:  "127.0.0.1:8545",
			Metrics: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Defaults: DefaultsConfig{
			Network:    string(chain.DefaultNetwork),
			Descriptor: bridge.DefaultWalletDescriptor,
			Electrum: ElectrumConfig{
				URL:     bridge.DefaultElectrumURL,
				Retry:   backend.DefaultElectrumRetry,
				StopGap: backend.DefaultStopGap,
			},
			Database: storage.MemoryConfig(),
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
	}
}

// Validate checks values the daemon cannot start without.
func (c *Config) Validate() error {
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if _, ok := chain.Lookup(c.Defaults.Network); !ok {
		return fmt.Errorf("unknown defaults.network %q", c.Defaults.Network)
	}
	switch c.Defaults.Database.Kind {
	case storage.KindMemory:
	case storage.KindKV, storage.KindSQLite:
		if c.Defaults.Database.Path == "" {
			return fmt.Errorf("defaults.database.path is required for %s", c.Defaults.Database.Kind)
		}
	default:
		return fmt.Errorf("unknown defaults.database.kind %q", c.Defaults.Database.Kind)
	}
	return nil
}

// BridgeConfig converts the defaults section into the service
// configuration. Relative database paths are resolved against the data
// directory.
func (c *Config) BridgeConfig() bridge.Config {
	db := c.Defaults.Database
	if db.Kind != storage.KindMemory && db.Path != "" && !filepath.IsAbs(db.Path) && db.Path[0] != '~' {
		db.Path = filepath.Join(expandPath(c.Storage.DataDir), db.Path)
	}

	return bridge.Config{
		Network:           chain.Parse(c.Defaults.Network),
		DefaultDescriptor: c.Defaults.Descriptor,
		Electrum: backend.ElectrumConfig{
			URL:     c.Defaults.Electrum.URL,
			Retry:   c.Defaults.Electrum.Retry,
			StopGap: c.Defaults.Electrum.StopGap,
			Timeout: c.Defaults.Electrum.Timeout,
		},
		Database: db,
	}
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# walletbridged configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
