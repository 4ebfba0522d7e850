package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/raaihank/promptshield/internal/config"
	"github.com/raaihank/promptshield/internal/logger"
	"github.com/raaihank/promptshield/internal/ruleimport"
	"github.com/raaihank/promptshield/internal/scanner"
	"github.com/raaihank/promptshield/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newImportRulesCmd(rootOpts *rootOptions) *cobra.Command {
	var (
		orgID  string
		strict bool
	)
	importCfg := ruleimport.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "import-rules FILE",
		Short: "Import an organization's rules from a csv, json, yaml or parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			if cfg.Database.AutoMigrate {
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
			}

			var invalidator ruleimport.Invalidator
			if cfg.Cache.Enabled && !importCfg.DryRun {
				rc, err := openCache(cfg, log)
				if err != nil {
					log.Warn("Cached rule sets will expire on their own", zap.Error(err))
				} else {
					defer rc.Close()
					invalidator = rc
				}
			}

			importer := ruleimport.NewImporter(st, invalidator, importCfg, log.WithComponent("import").Logger)
			result, err := importer.ImportFile(cmd.Context(), orgID, args[0])
			if err != nil {
				return err
			}

			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if strict && result.Invalid > 0 {
				return fmt.Errorf("%d invalid rules", result.Invalid)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&orgID, "org", "", "Organization that owns the imported rules")
	flags.IntVar(&importCfg.BatchSize, "batch-size", importCfg.BatchSize, "Rules per database transaction")
	flags.StringVar(&importCfg.DefaultCategory, "default-category", importCfg.DefaultCategory, "Category for rows without one")
	flags.BoolVar(&importCfg.DryRun, "dry-run", false, "Validate without writing")
	flags.BoolVar(&strict, "strict", false, "Exit non-zero when any row is invalid")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}

func newSeedRulesCmd(rootOpts *rootOptions) *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "seed-rules",
		Short: "Copy the built-in rule pack into an organization's rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			if cfg.Database.AutoMigrate {
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
			}

			rules := scanner.DefaultRules()
			records := make([]*store.RuleRecord, len(rules))
			for i, rule := range rules {
				records[i] = store.NewRuleRecord(orgID, rule, i+1)
			}

			result, err := st.UpsertRules(cmd.Context(), records)
			if err != nil {
				return err
			}

			if cfg.Cache.Enabled {
				invalidateCached(cmd.Context(), cfg, log, orgID)
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "Organization to seed")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}

func newCacheClearCmd(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cache-clear",
		Short: "Drop every cached rule set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if !cfg.Cache.Enabled {
				return fmt.Errorf("rule set cache is disabled in the configuration")
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			rc, err := openCache(cfg, log)
			if err != nil {
				return err
			}
			defer rc.Close()

			if err := rc.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
			return nil
		},
	}
}

// invalidateCached drops one organization's snapshot; running gates pick the
// change up on their next scan. Failures leave the snapshot to expire.
func invalidateCached(ctx context.Context, cfg *config.Config, log *logger.Logger, orgID string) {
	rc, err := openCache(cfg, log)
	if err != nil {
		log.Warn("Cached rule sets will expire on their own", zap.Error(err))
		return
	}
	defer rc.Close()

	if err := rc.Invalidate(ctx, orgID); err != nil {
		log.Warn("Cached rule sets will expire on their own", zap.Error(err))
	}
}

func newMigrateCmd(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration complete")
			return nil
		},
	}
}

func newHealthCheckCmd(rootOpts *rootOptions) *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health-check",
		Short: "Check a running server's health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := config.Load(rootOpts.ConfigPath)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				url = fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)
			}

			if err := checkHealth(cmd.Context(), url, timeout); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Health check passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Health endpoint (default: localhost on the configured port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}

func checkHealth(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
