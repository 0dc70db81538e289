package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// app carries state shared by every subcommand.
type app struct {
	cfgFile string
	cfg     *domain.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "kestrel",
		Short: "Kestrel - product data quality scoring",
		Long: `Kestrel joins a source and a target product dataset by MSID, scores every
record against user-defined KPIs and summarizes the result.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(a.cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			setupLogger(cmd.ErrOrStderr(), cfg.Logging)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetVersionTemplate(`{{.Name}} {{.Version}}
`)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./kestrel.yaml)")
	pf.String("evaluator", "", "Scoring backend (llm|rules)")
	pf.Int("batch-size", domain.DefaultBatchSize, "Records scored concurrently per batch")
	pf.Duration("call-timeout", 0, "Timeout for one evaluator call")
	pf.Bool("allow-dup-keys", false, "Let the last row win when an MSID repeats")
	pf.Bool("batch-requests", false, "Score a whole batch per LLM request")
	pf.String("model", "", "LLM model name")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-format", "", "Log format (json|text)")

	_ = root.RegisterFlagCompletionFunc("evaluator", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{string(domain.EvaluatorLLM), string(domain.EvaluatorRules)}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newEvaluateCmd(a))
	root.AddCommand(newMatchCmd(a))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

// setupLogger installs the default slog logger.
func setupLogger(w io.Writer, cfg domain.LoggingConfig) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
