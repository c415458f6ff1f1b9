// Package config loads hwsign settings from viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yolodolo42/hwsign/internal/bridge"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/metadata"
)

// EnvPrefix is prepended to every environment override, e.g. HWSIGN_LOG_LEVEL.
const EnvPrefix = "HWSIGN"

const (
	KeyDataDir        = "data_dir"
	KeyLogLevel       = "log_level"
	KeyMetadataURL    = "metadata_url"
	KeyMetadataRPS    = "metadata_rps"
	KeyBridgeURL      = "bridge_url"
	KeyBridgePort     = "bridge_port"
	KeyConnectTimeout = "connect_timeout"
	KeyPollInterval   = "poll_interval"
	KeyChain          = "chain"
)

// Config is the resolved runtime configuration.
type Config struct {
	DataDir        string
	LogLevel       string
	MetadataURL    string
	MetadataRPS    float64
	BridgeURL      string
	BridgePort     int
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	Chain          string
}

// DefaultDataDir returns $HOME/.hwsign.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hwsign"), nil
}

// Default returns the built-in configuration.
func Default() Config {
	dir, err := DefaultDataDir()
	if err != nil {
		dir = ".hwsign"
	}
	return Config{
		DataDir:        dir,
		LogLevel:       "info",
		MetadataURL:    metadata.DefaultURL,
		MetadataRPS:    metadata.DefaultRPS,
		BridgePort:     bridge.DefaultPort,
		ConnectTimeout: device.DefaultConnectTimeout,
		PollInterval:   device.DefaultPollInterval,
		Chain:          "ethereum",
	}
}

// SetDefaults registers defaults and env bindings on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyDataDir, d.DataDir)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyMetadataURL, d.MetadataURL)
	v.SetDefault(KeyMetadataRPS, d.MetadataRPS)
	v.SetDefault(KeyBridgeURL, d.BridgeURL)
	v.SetDefault(KeyBridgePort, d.BridgePort)
	v.SetDefault(KeyConnectTimeout, d.ConnectTimeout)
	v.SetDefault(KeyPollInterval, d.PollInterval)
	v.SetDefault(KeyChain, d.Chain)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads a Config from v. Defaults apply to unset keys.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	cfg := Config{
		DataDir:        v.GetString(KeyDataDir),
		LogLevel:       v.GetString(KeyLogLevel),
		MetadataURL:    v.GetString(KeyMetadataURL),
		MetadataRPS:    v.GetFloat64(KeyMetadataRPS),
		BridgeURL:      v.GetString(KeyBridgeURL),
		BridgePort:     v.GetInt(KeyBridgePort),
		ConnectTimeout: v.GetDuration(KeyConnectTimeout),
		PollInterval:   v.GetDuration(KeyPollInterval),
		Chain:          v.GetString(KeyChain),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.MetadataRPS < 0 {
		errs = append(errs, fmt.Errorf("metadata_rps must not be negative, got %v", c.MetadataRPS))
	}
	if c.BridgePort < 0 || c.BridgePort > 65535 {
		errs = append(errs, fmt.Errorf("bridge_port out of range: %d", c.BridgePort))
	}
	return errors.Join(errs...)
}
