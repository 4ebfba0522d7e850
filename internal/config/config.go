package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/raaihank/promptshield/internal/classification"
	"github.com/raaihank/promptshield/internal/scanner"
	"github.com/spf13/viper"
)

// envKeys are bound explicitly so they can be set without a config file
var envKeys = []string{
	"server.port",
	"gate.failure_policy",
	"gate.scan_timeout",
	"database.driver",
	"database.url",
	"cache.enabled",
	"cache.redis_url",
	"logging.level",
	"logging.format",
	"websocket.username",
	"websocket.password",
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read configuration
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/promptshield/")
	v.AddConfigPath("$HOME/.promptshield/")

	// Environment variable overrides
	v.SetEnvPrefix("PROMPTSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Use specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	config := GetDefaults()

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Gate.FailurePolicy != "closed" && config.Gate.FailurePolicy != "open" {
		return fmt.Errorf("invalid failure policy: %s (must be closed or open)", config.Gate.FailurePolicy)
	}

	if config.Gate.ScanTimeout <= 0 {
		return fmt.Errorf("invalid scan timeout: %s", config.Gate.ScanTimeout)
	}

	if config.Gate.MaxContentBytes <= 0 {
		return fmt.Errorf("invalid max content bytes: %d", config.Gate.MaxContentBytes)
	}

	if config.Gate.MaxConcurrentScans <= 0 {
		return fmt.Errorf("invalid max concurrent scans: %d", config.Gate.MaxConcurrentScans)
	}

	if config.Scanner.EntropyThreshold < 0 {
		return fmt.Errorf("invalid entropy threshold: %g", config.Scanner.EntropyThreshold)
	}

	if config.Scanner.EntropyMaxLength > 0 && config.Scanner.EntropyMaxLength < config.Scanner.EntropyMinLength {
		return fmt.Errorf("entropy max length %d is below min length %d", config.Scanner.EntropyMaxLength, config.Scanner.EntropyMinLength)
	}

	if _, err := config.ClassificationTable(); err != nil {
		return err
	}

	if config.Database.Driver != "postgres" && config.Database.Driver != "sqlite" {
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite)", config.Database.Driver)
	}

	if config.WebSocket.Enabled && (config.WebSocket.Username == "" || config.WebSocket.Password == "") {
		return fmt.Errorf("websocket feed requires websocket.username and websocket.password")
	}

	if config.RateLimit.Enabled && config.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("invalid rate limit: %d requests per minute", config.RateLimit.RequestsPerMinute)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// ScanDefaults returns the scan options used when an organization has no settings
func (c *Config) ScanDefaults() scanner.ScanOptions {
	return scanner.ScanOptions{
		EnableEntropyDetection: c.Scanner.EnableEntropyDetection,
		EntropyThreshold:       c.Scanner.EntropyThreshold,
		EntropyMinLength:       c.Scanner.EntropyMinLength,
		EntropyMaxLength:       c.Scanner.EntropyMaxLength,
	}
}

// ClassificationTable builds the category table including configured overrides
func (c *Config) ClassificationTable() (*classification.Table, error) {
	overrides := make(map[string]classification.Level, len(c.Classification.Categories))
	for category, name := range c.Classification.Categories {
		level, err := classification.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", category, err)
		}
		overrides[category] = level
	}
	return classification.NewTable(overrides), nil
}

// Watch starts watching the configuration file for changes. Invalid
// changes are reported through onError and otherwise ignored.
func Watch(configPath string, callback func(*Config), onError func(error)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
