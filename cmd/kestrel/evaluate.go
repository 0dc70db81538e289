package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/summary"
)

type evaluateOptions struct {
	source  string
	target  string
	kpis    string
	output  string
	records bool
	save    bool
	name    string
}

func newEvaluateCmd(a *app) *cobra.Command {
	opts := &evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a source/target pair against a KPI file",
		Example: `  kestrel evaluate --source source.csv --target target.xlsx --kpis kpis.yaml
  kestrel evaluate --source s.json --target t.json --kpis kpis.yaml --evaluator rules -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvaluate(cmd.Context(), cmd.OutOrStdout(), a.cfg, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.source, "source", "", "Source dataset (.csv, .tsv, .txt, .xlsx, .json)")
	f.StringVar(&opts.target, "target", "", "Target dataset")
	f.StringVar(&opts.kpis, "kpis", "", "KPI definition file (.yaml or .json)")
	f.StringVarP(&opts.output, "output", "o", "table", "Output format (table|json)")
	f.BoolVar(&opts.records, "records", false, "Also print per-record scores")
	f.BoolVar(&opts.save, "save", false, "Persist the test set and results to the repository")
	f.StringVar(&opts.name, "name", "", "Test set name when saving")
	f.String("driver", "", "Repository driver (sqlite|postgres) when saving")
	f.String("db", "", "SQLite database path when saving")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("kpis")
	return cmd
}

// evaluationOutput is the JSON form of an evaluate run.
type evaluationOutput struct {
	TestSetID  string                     `json:"testSetId,omitempty"`
	Report     *summary.Report            `json:"report"`
	Mismatches []domain.DataMismatchEntry `json:"mismatches"`
	Results    []domain.EvaluationResult  `json:"results,omitempty"`
	Warning    string                     `json:"warning,omitempty"`
}

func runEvaluate(ctx context.Context, out io.Writer, cfg *domain.Config, opts *evaluateOptions) error {
	if opts.output != "table" && opts.output != "json" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}

	source, target, err := readPair(opts.source, opts.target)
	if err != nil {
		return err
	}
	kpis, err := config.LoadKPIs(opts.kpis)
	if err != nil {
		return err
	}

	sc, err := buildScoring(cfg)
	if err != nil {
		return err
	}
	defer sc.Close()
	if sc.validator != nil {
		if err := sc.validator.Validate(kpis); err != nil {
			return err
		}
	}

	state := orchestrator.NewPipelineState(matchOptions(cfg))
	if err := state.Load(source, target); err != nil {
		return describeValidation(err)
	}
	if err := state.SetKPIs(kpis); err != nil {
		return err
	}

	orch := orchestrator.New(sc.evaluator, orchestratorConfig(cfg))
	start := time.Now()
	results, err := state.Evaluate(ctx, orch, orchestrator.RunInfo{ID: uuid.New().String()})
	var warning string
	switch {
	case errors.Is(err, orchestrator.ErrAllRecordsFailed):
		warning = err.Error()
		slog.Warn("every record fell back to the failed score", "records", len(results))
	case err != nil:
		return err
	}
	slog.Info("evaluation finished",
		"records", len(results),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	snap := state.Snapshot()
	report := summary.BuildReport(ctx, results, snap.KPIs, sc.summarizer)

	var testSetID string
	if opts.save {
		testSetID, err = saveRun(ctx, cfg, opts, source, target, snap)
		if err != nil {
			return err
		}
	}

	if opts.output == "json" {
		o := evaluationOutput{
			TestSetID:  testSetID,
			Report:     report,
			Mismatches: snap.Mismatches,
			Warning:    warning,
		}
		if opts.records {
			o.Results = results
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	}

	renderReport(out, report)
	if opts.records {
		renderResults(out, results, snap.KPIs)
	}
	if len(snap.Mismatches) > 0 {
		fmt.Fprintf(out, "%d empty or absent fields found at join time (see `kestrel match`)\n", len(snap.Mismatches))
	}
	if warning != "" {
		fmt.Fprintf(out, "Warning: %s\n", warning)
	}
	if testSetID != "" {
		fmt.Fprintf(out, "Saved test set %s\n", testSetID)
	}
	return nil
}

func readPair(sourcePath, targetPath string) ([]domain.Row, []domain.Row, error) {
	source, err := ingest.ReadPath(sourcePath)
	if err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	target, err := ingest.ReadPath(targetPath)
	if err != nil {
		return nil, nil, fmt.Errorf("target: %w", err)
	}
	return source, target, nil
}

// describeValidation expands a join failure with the offending keys.
func describeValidation(err error) error {
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	var b strings.Builder
	for _, m := range verr.Missing {
		fmt.Fprintf(&b, "\n  %s missing from %s", m.Key, m.MissingFrom)
	}
	for _, k := range verr.Keys {
		fmt.Fprintf(&b, "\n  duplicate %s", k)
	}
	if b.Len() == 0 {
		return err
	}
	return fmt.Errorf("%w:%s", verr, b.String())
}

func saveRun(ctx context.Context, cfg *domain.Config, opts *evaluateOptions, source, target []domain.Row, snap orchestrator.Snapshot) (string, error) {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return "", fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()

	name := strings.TrimSpace(opts.name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(opts.target), filepath.Ext(opts.target))
	}
	ts := &domain.TestSet{
		ID:         uuid.New().String(),
		Name:       name,
		Source:     source,
		Target:     target,
		Mismatches: snap.Mismatches,
		KPIs:       snap.KPIs,
		Results:    snap.Results,
	}
	if err := repo.SaveTestSet(ctx, ts); err != nil {
		return "", fmt.Errorf("failed to save test set: %w", err)
	}
	slog.Info("test set saved", "test_set_id", ts.ID, "driver", cfg.Repository.Driver)
	return ts.ID, nil
}
