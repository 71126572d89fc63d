package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrInvalidCooldownStore  = errors.New("invalid cooldown backend")
)

// RepositoryVersion is the repository version tag for config file references.
const RepositoryVersion = "v0.3.0"

// Current version of the config file.
const (
	CurrentCommonVersion = 1
	CurrentBotVersion    = 1
)

// Cooldown backends supported by the bot.
const (
	CooldownBackendMemory = "memory"
	CooldownBackendRedis  = "redis"
)

// Config represents the entire application configuration.
type Config struct {
	Common CommonConfig
	Bot    BotConfig
}

// CommonConfig contains configuration shared between the bot and the db tool.
type CommonConfig struct {
	// Version of the common config.
	Version    int        `koanf:"version"`
	Debug      Debug      `koanf:"debug"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
	Redis      Redis      `koanf:"redis"`
	Uptrace    Uptrace    `koanf:"uptrace"`
	Credential Credential `koanf:"credential"`
}

// BotConfig contains settings for the instance manager and event pipeline.
type BotConfig struct {
	// Version of the bot config.
	Version int `koanf:"version"`
	// Request timeout in milliseconds for outbound gateway calls.
	RequestTimeout int `koanf:"request_timeout"`
	// Cooldown backend, either "memory" or "redis".
	CooldownBackend string `koanf:"cooldown_backend"`
	// Maximum number of instances started at the same time during restore.
	RestoreConcurrency int `koanf:"restore_concurrency"`
	// Seconds an instance config stays cached before it is reloaded.
	ConfigCacheTTL int `koanf:"config_cache_ttl"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
	// Maximum lines per log file.
	MaxLogLines int `koanf:"max_log_lines"`
	// Expose prometheus metrics.
	EnableMetrics bool `koanf:"enable_metrics"`
	// Metrics server port.
	MetricsPort int `koanf:"metrics_port"`
}

// PostgreSQL contains database connection configuration.
type PostgreSQL struct {
	// Database hostname.
	Host string `koanf:"host"`
	// Database port.
	Port int `koanf:"port"`
	// Database username.
	User string `koanf:"user"`
	// Database password.
	Password string `koanf:"password"`
	// Database name.
	DBName string `koanf:"db_name"`
	// Maximum open connections.
	MaxOpenConns int `koanf:"max_open_conns"`
	// Maximum idle connections.
	MaxIdleConns int `koanf:"max_idle_conns"`
	// Connection lifetime in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	// Idle timeout in minutes.
	MaxIdleTime int `koanf:"max_idle_time"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	// Redis hostname.
	Host string `koanf:"host"`
	// Redis port.
	Port int `koanf:"port"`
	// Redis username.
	Username string `koanf:"username"`
	// Redis password.
	Password string `koanf:"password"`
}

// Uptrace contains tracing configuration.
type Uptrace struct {
	// DSN of the uptrace project. Tracing is disabled when empty.
	DSN string `koanf:"dsn"`
	// Service name reported with every span.
	ServiceName string `koanf:"service_name"`
}

// Credential contains settings for the bot token codec.
type Credential struct {
	// Passphrase used to derive the token encryption key.
	Passphrase string `koanf:"passphrase"`
}

// RequestTimeoutDuration returns the configured request timeout.
func (b *BotConfig) RequestTimeoutDuration() time.Duration {
	if b.RequestTimeout <= 0 {
		return 10 * time.Second
	}

	return time.Duration(b.RequestTimeout) * time.Millisecond
}

// ConfigCacheDuration returns how long instance configs stay cached.
func (b *BotConfig) ConfigCacheDuration() time.Duration {
	if b.ConfigCacheTTL <= 0 {
		return time.Minute
	}

	return time.Duration(b.ConfigCacheTTL) * time.Second
}

// LoadConfig loads the configuration from the config search paths.
// Returns the config along with the used config directory.
func LoadConfig() (*Config, string, error) {
	k := koanf.New(".")

	// Get user's home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get home directory: %w", err)
	}

	// List search paths
	configPaths := []string{
		".botfleet",
		homeDir + "/.botfleet/config",
		"/etc/botfleet/config",
		"/app/config",
		"config",
		".",
	}

	// Load all config files
	var usedConfigPath string

	configFiles := []string{"common", "bot"}
	for _, configName := range configFiles {
		configLoaded := false

		for _, path := range configPaths {
			configPath := fmt.Sprintf("%s/%s.toml", path, configName)
			if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
				configLoaded = true

				if usedConfigPath == "" {
					usedConfigPath = path
				}

				break
			}
		}

		if !configLoaded {
			return nil, "", fmt.Errorf("%w: %s.toml", ErrConfigFileNotFound, configName)
		}
	}

	config, err := unmarshal(k)
	if err != nil {
		return nil, "", err
	}

	return config, usedConfigPath, nil
}

// unmarshal decodes and validates a loaded koanf tree.
func unmarshal(k *koanf.Koanf) (*Config, error) {
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Check versions for each config file
	if err := checkConfigVersion("common", config.Common.Version, CurrentCommonVersion); err != nil {
		return nil, err
	}

	if err := checkConfigVersion("bot", config.Bot.Version, CurrentBotVersion); err != nil {
		return nil, err
	}

	switch config.Bot.CooldownBackend {
	case "":
		config.Bot.CooldownBackend = CooldownBackendMemory
	case CooldownBackendMemory, CooldownBackendRedis:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCooldownStore, config.Bot.CooldownBackend)
	}

	return &config, nil
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(name string, current, expected int) error {
	if current == 0 {
		return fmt.Errorf("%w: %s.toml", ErrConfigVersionMissing, name)
	}

	if current != expected {
		return fmt.Errorf(
			"%w: %s.toml (got: %d, expected: %d)\n"+
				"Please update your config file from: https://github.com/robalyx/botfleet/tree/%s/config/%s.toml",
			ErrConfigVersionMismatch,
			name,
			current,
			expected,
			RepositoryVersion,
			name,
		)
	}

	return nil
}
