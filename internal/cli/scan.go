package cli

import (
	"fmt"

	"github.com/raaihank/promptshield/internal/classification"
	"github.com/raaihank/promptshield/internal/gate"
	"github.com/raaihank/promptshield/internal/ruleimport"
	"github.com/raaihank/promptshield/internal/scanner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type scanOptions struct {
	File      string
	RulesFile string
	Options   scanner.ScanOptions
}

type scanOutput struct {
	scanner.ScanResult
	Action classification.Action `json:"action"`
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{Options: scanner.DefaultScanOptions()}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan content from a file or stdin and print the result as JSON",
		Long: `Scan content against a rule file, or the built-in rule pack when none is
given. Exits with status 2 when the content would be blocked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(opts.File, cmd.InOrStdin())
			if err != nil {
				return err
			}

			rules := scanner.DefaultRules()
			if opts.RulesFile != "" {
				loaded, invalid, err := ruleimport.LoadRulesFile(opts.RulesFile)
				if err != nil {
					return err
				}
				for _, e := range invalid {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipping rule: %v\n", e)
				}
				rules = loaded
			}

			sc := scanner.New(scanner.NewMatcher(scanner.DefaultCacheConfig(), zap.NewNop()), zap.NewNop())
			result, err := sc.ScanContext(cmd.Context(), content, rules, opts.Options)
			if err != nil {
				return err
			}

			out := scanOutput{ScanResult: result, Action: gate.ActionFor(result)}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if out.Action == classification.ActionBlock {
				return ErrBlocked
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.File, "file", "f", "", "File to scan (default: stdin)")
	flags.StringVarP(&opts.RulesFile, "rules", "r", "", "Rule file (csv, json, yaml or parquet)")
	flags.BoolVar(&opts.Options.EnableEntropyDetection, "entropy", false, "Enable high-entropy secret detection")
	flags.Float64Var(&opts.Options.EntropyThreshold, "entropy-threshold", scanner.DefaultEntropyThreshold, "Minimum bits per character to report")
	flags.IntVar(&opts.Options.EntropyMinLength, "entropy-min-length", scanner.DefaultEntropyMinLength, "Shortest run to analyze")
	flags.IntVar(&opts.Options.EntropyMaxLength, "entropy-max-length", scanner.DefaultEntropyMaxLength, "Longest run to analyze")

	return cmd
}

func newTestPatternCmd() *cobra.Command {
	var (
		patternType string
		file        string
	)

	cmd := &cobra.Command{
		Use:   "test-pattern PATTERN [SAMPLE]",
		Short: "Preview a pattern against sample text",
		Long: `Preview a pattern against sample text. The sample is read from --file or
stdin when it is not given as an argument. Matches are printed redacted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := scanner.ParsePatternType(patternType)
			if err != nil {
				return err
			}
			if err := scanner.ValidatePattern(args[0], pt); err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}

			sample := ""
			if len(args) == 2 {
				sample = args[1]
			} else if sample, err = readInput(file, cmd.InOrStdin()); err != nil {
				return err
			}

			sc := scanner.New(scanner.NewMatcher(scanner.DefaultCacheConfig(), zap.NewNop()), zap.NewNop())
			return writeJSON(cmd.OutOrStdout(), sc.TestPattern(sample, args[0], pt))
		},
	}

	cmd.Flags().StringVarP(&patternType, "type", "t", "regex", "Pattern type: exact, glob or regex")
	cmd.Flags().StringVarP(&file, "file", "f", "", "File holding the sample text (default: stdin)")

	return cmd
}
