package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mixer-backend/models"
)

const EnvPrefix = "MIXER"

// Config holds the daemon settings. Keys are read from flags, MIXER_*
// environment variables and an optional config file, in that order of
// precedence.
type Config struct {
	Port         int    `mapstructure:"port"`
	DataDir      string `mapstructure:"data_dir"`
	ClientOrigin string `mapstructure:"client_origin"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`

	MinParticipants    int    `mapstructure:"min_participants"`
	OperatorFee        uint64 `mapstructure:"operator_fee"`
	UniformOutputValue uint64 `mapstructure:"uniform_output_value"`

	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SignupFreshness  time.Duration `mapstructure:"signup_freshness"`
	CeremonyValidity time.Duration `mapstructure:"ceremony_validity"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	SnapshotKeep     int           `mapstructure:"snapshot_keep"`

	// AdminCredential names the key allowed to sign admin requests. When
	// empty, a key is loaded from or generated into the data directory.
	AdminCredential  string `mapstructure:"admin_credential"`
	FormationRetries uint64 `mapstructure:"formation_retries"`
	EventBuffer      int    `mapstructure:"event_buffer"`
	DevnetEnabled    bool   `mapstructure:"devnet_enabled"`
	FaucetAmount     uint64 `mapstructure:"faucet_amount"`
}

var defaults = map[string]interface{}{
	"port":                 8080,
	"data_dir":             "mixer_data",
	"client_origin":        "*",
	"log_level":            "info",
	"log_format":           "json",
	"min_participants":     2,
	"operator_fee":         1_000_000,
	"uniform_output_value": 10_000_000,
	"sweep_interval":       10 * time.Minute,
	"signup_freshness":     10 * time.Minute,
	"ceremony_validity":    2 * time.Hour,
	"snapshot_interval":    5 * time.Minute,
	"snapshot_keep":        5,
	"admin_credential":     "",
	"formation_retries":    10,
	"event_buffer":         256,
	"devnet_enabled":       true,
	"faucet_amount":        100_000_000,
}

// New returns a viper instance with every default set and environment
// lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags registers the settings most often overridden on the command
// line and binds them to v.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.Int("port", defaults["port"].(int), "port to listen on")
	flags.String("data-dir", defaults["data_dir"].(string), "directory for the store, keys, snapshots and devnet state")
	flags.String("log-level", defaults["log_level"].(string), "log level (debug, info, warn, error)")
	flags.String("log-format", defaults["log_format"].(string), "log format (json or console)")
	flags.Int("min-participants", defaults["min_participants"].(int), "participants needed to form a ceremony")

	for _, name := range []string{"port", "data-dir", "log-level", "log-format", "min-participants"} {
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name)); err != nil {
			return fmt.Errorf("could not bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file and decodes v into a validated
// Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if c.MinParticipants < 1 {
		return fmt.Errorf("min_participants must be positive")
	}
	if c.UniformOutputValue == 0 {
		return fmt.Errorf("uniform_output_value must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.SignupFreshness <= 0 {
		return fmt.Errorf("signup_freshness must be positive")
	}
	if c.CeremonyValidity <= 0 {
		return fmt.Errorf("ceremony_validity must be positive")
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot_interval must not be negative")
	}
	if c.SnapshotKeep < 1 {
		return fmt.Errorf("snapshot_keep must be positive")
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be positive")
	}
	if c.AdminCredential != "" && len(c.AdminCredential) != 40 {
		return fmt.Errorf("admin_credential must be 40 hex characters")
	}
	return nil
}

func (c *Config) ProtocolParameters() models.ProtocolParameters {
	return models.ProtocolParameters{
		MinParticipants:    c.MinParticipants,
		OperatorFee:        c.OperatorFee,
		UniformOutputValue: c.UniformOutputValue,
	}
}

func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

func (c *Config) DevnetStatePath() string {
	return filepath.Join(c.DataDir, "devnet.json")
}

func (c *Config) AdminKeyPath() string {
	return filepath.Join(c.DataDir, "admin_key.json")
}

func (c *Config) OperatorKeyPath() string {
	return filepath.Join(c.DataDir, "operator_key.json")
}

// Logger builds the root logger. w defaults to stderr.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if c.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
