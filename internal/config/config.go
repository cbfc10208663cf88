package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lazypower/restock/internal/common"
	"github.com/spf13/viper"
)

// Config holds all restock configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Engine   EngineConfig   `mapstructure:"engine" toml:"engine"`
	Schedule ScheduleConfig `mapstructure:"schedule" toml:"schedule"`
	Auth     AuthConfig     `mapstructure:"auth" toml:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging" toml:"logging"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind" toml:"bind"`
	Port int    `mapstructure:"port" toml:"port"`
	URL  string `mapstructure:"url" toml:"url"` // used by `restock trigger`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

type EngineConfig struct {
	Alpha             float64       `mapstructure:"alpha" toml:"alpha"`
	VarianceTolerance float64       `mapstructure:"variance_tolerance" toml:"variance_tolerance"`
	ConfidenceStep    float64       `mapstructure:"confidence_step" toml:"confidence_step"`
	AutoAddThreshold  float64       `mapstructure:"auto_add_threshold" toml:"auto_add_threshold"`
	SuggestThreshold  float64       `mapstructure:"suggest_threshold" toml:"suggest_threshold"`
	DeletionPenalty   float64       `mapstructure:"deletion_penalty" toml:"deletion_penalty"`
	RunTimeout        time.Duration `mapstructure:"run_timeout" toml:"run_timeout"`
}

type ScheduleConfig struct {
	Enabled    bool   `mapstructure:"enabled" toml:"enabled"`
	Cron       string `mapstructure:"cron" toml:"cron"` // standard 5-field spec
	RunOnStart bool   `mapstructure:"run_on_start" toml:"run_on_start"`
}

// AuthConfig guards the run trigger. Either the plain secret or a bcrypt
// hash of it may be configured; with neither, the trigger is refused.
type AuthConfig struct {
	RunSecret     string `mapstructure:"run_secret" toml:"run_secret"`
	RunSecretHash string `mapstructure:"run_secret_hash" toml:"run_secret_hash"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" toml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" toml:"format"` // console, json
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Engine: EngineConfig{
			Alpha:             0.3,
			VarianceTolerance: 0.15,
			ConfidenceStep:    10,
			AutoAddThreshold:  85,
			SuggestThreshold:  50,
			DeletionPenalty:   20,
			RunTimeout:        5 * time.Minute,
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Cron:    "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns ~/.restock/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".restock", "config.toml"), nil
}

// Load reads configuration into v from the given file (or the default
// location when path is empty) layered over Default() and RESTOCK_* env vars.
// A missing config file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	setDefaults(v, Default())

	v.SetEnvPrefix("RESTOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".restock"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && os.IsNotExist(err)) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("engine.alpha", d.Engine.Alpha)
	v.SetDefault("engine.variance_tolerance", d.Engine.VarianceTolerance)
	v.SetDefault("engine.confidence_step", d.Engine.ConfidenceStep)
	v.SetDefault("engine.auto_add_threshold", d.Engine.AutoAddThreshold)
	v.SetDefault("engine.suggest_threshold", d.Engine.SuggestThreshold)
	v.SetDefault("engine.deletion_penalty", d.Engine.DeletionPenalty)
	v.SetDefault("engine.run_timeout", d.Engine.RunTimeout)
	v.SetDefault("schedule.enabled", d.Schedule.Enabled)
	v.SetDefault("schedule.cron", d.Schedule.Cron)
	v.SetDefault("schedule.run_on_start", d.Schedule.RunOnStart)
	v.SetDefault("auth.run_secret", d.Auth.RunSecret)
	v.SetDefault("auth.run_secret_hash", d.Auth.RunSecretHash)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	e := c.Engine
	if e.Alpha <= 0 || e.Alpha > 1 {
		return fmt.Errorf("%w: engine.alpha must be in (0, 1], got %v", common.ErrInvalidConfig, e.Alpha)
	}
	if e.VarianceTolerance < 0 {
		return fmt.Errorf("%w: engine.variance_tolerance must be >= 0", common.ErrInvalidConfig)
	}
	if e.ConfidenceStep < 0 {
		return fmt.Errorf("%w: engine.confidence_step must be >= 0, got %v", common.ErrInvalidConfig, e.ConfidenceStep)
	}
	if e.RunTimeout <= 0 {
		return fmt.Errorf("%w: engine.run_timeout must be positive, got %v", common.ErrInvalidConfig, e.RunTimeout)
	}
	if e.SuggestThreshold > e.AutoAddThreshold {
		return fmt.Errorf("%w: engine.suggest_threshold (%v) above auto_add_threshold (%v)",
			common.ErrInvalidConfig, e.SuggestThreshold, e.AutoAddThreshold)
	}
	if e.DeletionPenalty < 0 {
		return fmt.Errorf("%w: engine.deletion_penalty must be >= 0", common.ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", common.ErrInvalidConfig, c.Server.Port)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// ServerURL returns the base URL clients use to reach the server.
func (c *Config) ServerURL() string {
	if c.Server.URL != "" {
		return strings.TrimRight(c.Server.URL, "/")
	}
	return fmt.Sprintf("http://%s", c.ListenAddr())
}
