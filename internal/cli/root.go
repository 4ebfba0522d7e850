package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// ErrBlocked is returned by the scan command when the content would be blocked
var ErrBlocked = errors.New("content blocked")

// Execute builds the root command tree and runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	ConfigPath string
}

func newRootCmd() *cobra.Command {
	rootOpts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "promptshield",
		Short:         "Data loss prevention gate for outbound LLM traffic",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("promptshield %s (commit: %s, built: %s)\n", version, commit, date))

	rootCmd.PersistentFlags().StringVar(&rootOpts.ConfigPath, "config", "", "Path to config.yaml (optional)")

	rootCmd.AddCommand(
		newServeCmd(rootOpts),
		newScanCmd(),
		newTestPatternCmd(),
		newImportRulesCmd(rootOpts),
		newMigrateCmd(rootOpts),
		newSeedRulesCmd(rootOpts),
		newCacheClearCmd(rootOpts),
		newHealthCheckCmd(rootOpts),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "promptshield %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
