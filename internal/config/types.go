package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server         ServerConfig         `yaml:"server" mapstructure:"server"`
	Gate           GateConfig           `yaml:"gate" mapstructure:"gate"`
	Scanner        ScannerConfig        `yaml:"scanner" mapstructure:"scanner"`
	Classification ClassificationConfig `yaml:"classification" mapstructure:"classification"`
	Database       DatabaseConfig       `yaml:"database" mapstructure:"database"`
	Cache          CacheConfig          `yaml:"cache" mapstructure:"cache"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" mapstructure:"rate_limit"`
	Logging        LoggingConfig        `yaml:"logging" mapstructure:"logging"`
	WebSocket      WebSocketConfig      `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// GateConfig controls the synchronous scan gate in front of outbound traffic
type GateConfig struct {
	ScanTimeout        time.Duration `yaml:"scan_timeout" mapstructure:"scan_timeout"`
	FailurePolicy      string        `yaml:"failure_policy" mapstructure:"failure_policy"` // closed or open
	MaxContentBytes    int64         `yaml:"max_content_bytes" mapstructure:"max_content_bytes"`
	MaxConcurrentScans int64         `yaml:"max_concurrent_scans" mapstructure:"max_concurrent_scans"`
	AuditEnabled       bool          `yaml:"audit_enabled" mapstructure:"audit_enabled"`
	// AuditRawMatches keeps unredacted matches in audit findings for
	// compliance review. The audit table must then be access controlled.
	AuditRawMatches    bool          `yaml:"audit_raw_matches" mapstructure:"audit_raw_matches"`
}

// ScannerConfig holds the scan defaults used when an organization has no settings row
type ScannerConfig struct {
	EnableEntropyDetection bool          `yaml:"enable_entropy_detection" mapstructure:"enable_entropy_detection"`
	EntropyThreshold       float64       `yaml:"entropy_threshold" mapstructure:"entropy_threshold"`
	EntropyMinLength       int           `yaml:"entropy_min_length" mapstructure:"entropy_min_length"`
	EntropyMaxLength       int           `yaml:"entropy_max_length" mapstructure:"entropy_max_length"`
	PatternCacheTTL        time.Duration `yaml:"pattern_cache_ttl" mapstructure:"pattern_cache_ttl"`
	PatternCacheCapacity   uint64        `yaml:"pattern_cache_capacity" mapstructure:"pattern_cache_capacity"`
}

// ClassificationConfig overrides category tiers, e.g. {"source_code": "restricted"}
type ClassificationConfig struct {
	Categories map[string]string `yaml:"categories" mapstructure:"categories"`
}

// DatabaseConfig contains rule/audit store configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // postgres or sqlite
	URL             string        `yaml:"url" mapstructure:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate" mapstructure:"auto_migrate"`
}

// CacheConfig contains Redis rule-set cache configuration
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// RateLimitConfig contains per-organization scan rate limiting
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int  `yaml:"burst" mapstructure:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains live decision feed configuration
type WebSocketConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	Path           string   `yaml:"path" mapstructure:"path"`
	Username       string   `yaml:"username" mapstructure:"username"`
	Password       string   `yaml:"password" mapstructure:"password"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Events         struct {
		BroadcastDecisions   bool `yaml:"broadcast_decisions" mapstructure:"broadcast_decisions"`
		BroadcastAllowed     bool `yaml:"broadcast_allowed" mapstructure:"broadcast_allowed"`
		BroadcastSystem      bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
		BroadcastConnections bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	} `yaml:"events" mapstructure:"events"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Gate: GateConfig{
			ScanTimeout:        2 * time.Second,
			FailurePolicy:      "closed",
			MaxContentBytes:    1 << 20, // 1 MiB
			MaxConcurrentScans: 64,
			AuditEnabled:       true,
		},
		Scanner: ScannerConfig{
			EnableEntropyDetection: false,
			EntropyThreshold:       4.0,
			EntropyMinLength:       16,
			EntropyMaxLength:       128,
			PatternCacheTTL:        10 * time.Minute,
			PatternCacheCapacity:   4096,
		},
		Classification: ClassificationConfig{
			Categories: map[string]string{},
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			URL:             "file:promptshield.db?_pragma=busy_timeout(5000)",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Cache: CacheConfig{
			Enabled:        false,
			RedisURL:       "redis://localhost:6379/0",
			MaxConnections: 20,
			MinIdleConns:   2,
			DefaultTTL:     5 * time.Minute,
			KeyPrefix:      "promptshield",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 600,
			Burst:             50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Path:    "/ws",
		},
	}

	cfg.Logging.File.Path = "logs/promptshield.log"
	cfg.WebSocket.Events.BroadcastDecisions = true
	cfg.WebSocket.Events.BroadcastSystem = true
	cfg.WebSocket.Events.BroadcastConnections = true

	return cfg
}
