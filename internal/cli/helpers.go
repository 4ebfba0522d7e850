package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/raaihank/promptshield/internal/cache"
	"github.com/raaihank/promptshield/internal/config"
	"github.com/raaihank/promptshield/internal/logger"
	"github.com/raaihank/promptshield/internal/store"
)

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func openStore(cfg *config.Config, log *logger.Logger) (*store.Store, error) {
	return store.NewStore(&store.Config{
		Driver:          cfg.Database.Driver,
		DatabaseURL:     cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log.WithComponent("store").Logger)
}

func openCache(cfg *config.Config, log *logger.Logger) (*cache.RuleSetCache, error) {
	return cache.NewRuleSetCache(&cache.Config{
		RedisURL:       cfg.Cache.RedisURL,
		MaxConnections: cfg.Cache.MaxConnections,
		MinIdleConns:   cfg.Cache.MinIdleConns,
		DefaultTTL:     cfg.Cache.DefaultTTL,
		KeyPrefix:      cfg.Cache.KeyPrefix,
	}, log.WithComponent("cache").Logger)
}

// readInput reads the named file, or r when path is empty or "-"
func readInput(path string, r io.Reader) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
