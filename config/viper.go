package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
}

type Config struct {
	APIHost    string   `toml:"api_host" mapstructure:"api_host"`
	APIPort    int      `toml:"api_port" mapstructure:"api_port"`
	APIRPM     int      `toml:"api_rpm" mapstructure:"api_rpm"`
	APIKeyAuth bool     `toml:"api_key_auth" mapstructure:"api_key_auth"`
	APIKeys    []string `toml:"api_keys" mapstructure:"api_keys"`
	BodyLimit  int      `toml:"body_limit" mapstructure:"body_limit"`

	SSHHost               string `toml:"ssh_host" mapstructure:"ssh_host"`
	SSHPort               int    `toml:"ssh_port" mapstructure:"ssh_port"`
	SSHPrivateKeyPath     string `toml:"ssh_private_key_path" mapstructure:"ssh_private_key_path"`
	SSHAuthorizedKeysPath string `toml:"ssh_authorized_keys_path" mapstructure:"ssh_authorized_keys_path"`
	SFTPRoot              string `toml:"sftp_root" mapstructure:"sftp_root"`

	Log LogConfig `toml:"log" mapstructure:"log"`
}

var C *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_host", DefaultAPIHost)
	v.SetDefault("api_port", DefaultAPIPort)
	v.SetDefault("api_rpm", DefaultAPIRPM)
	v.SetDefault("api_key_auth", false)
	v.SetDefault("api_keys", []string{})
	v.SetDefault("body_limit", DefaultBodyLimit)
	v.SetDefault("ssh_host", DefaultAPIHost)
	v.SetDefault("ssh_port", 0)
	v.SetDefault("ssh_private_key_path", "")
	v.SetDefault("ssh_authorized_keys_path", "")
	v.SetDefault("sftp_root", "data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 3)
}

// Load reads path if it exists. A missing file leaves defaults and
// environment overrides in effect.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Debug("config file not found, using defaults", "path", path)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func InitConfig(path string) {
	if C != nil {
		return
	}
	cfg, err := Load(path)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	C = cfg
	slog.Debug("config loaded", "api_host", C.APIHost, "api_port", C.APIPort, "ssh_port", C.SSHPort)
}
