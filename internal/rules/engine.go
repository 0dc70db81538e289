// Package rules provides a CEL-Go based evaluator that scores records
// offline from per-KPI expressions.
package rules

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based KPI evaluator. It implements domain.Evaluator.
//
// Expressions see three variables: source and target (the joined rows as
// maps) and msid. A bool result scores 5 for true and 1 for false; a number
// is rounded and must land in 1..5.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program // keyed by expression text
}

// NewEngine creates a new rules evaluator.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("source", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("target", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("msid", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles every KPI expression without scoring anything.
func (e *Engine) Validate(kpis []domain.KPI) error {
	for _, k := range kpis {
		if _, err := e.program(k); err != nil {
			return err
		}
	}
	return nil
}

// Score evaluates every KPI expression against the record.
func (e *Engine) Score(ctx context.Context, record domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
	return e.evaluate(ctx, record, kpis, "")
}

// Rescore is deterministic; the feedback is echoed in each explanation.
func (e *Engine) Rescore(ctx context.Context, record domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
	return e.evaluate(ctx, record, kpis, strings.TrimSpace(feedback))
}

func (e *Engine) evaluate(ctx context.Context, record domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
	activation := map[string]any{
		"source": rowMap(record.Source),
		"target": rowMap(record.Target),
		"msid":   record.MSID,
	}

	result := &domain.EvaluationResult{
		MSID:   record.MSID,
		Scores: make([]domain.ScoreEntry, 0, len(kpis)),
	}
	for _, k := range kpis {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prg, err := e.program(k)
		if err != nil {
			return nil, err
		}

		out, _, err := prg.ContextEval(ctx, activation)
		if err != nil {
			return nil, fmt.Errorf("kpi %d: evaluation error: %w", k.ID, err)
		}

		score, err := toScore(out)
		if err != nil {
			return nil, fmt.Errorf("kpi %d: %w", k.ID, err)
		}

		explanation := fmt.Sprintf("%s evaluated to %v", k.Expression, out.Value())
		if feedback != "" {
			explanation += fmt.Sprintf(" (feedback noted: %s)", feedback)
		}
		result.Scores = append(result.Scores, domain.ScoreEntry{
			KPIID:       k.ID,
			Score:       score,
			Explanation: explanation,
		})
	}

	return result, nil
}

// program returns the compiled program for a KPI, compiling on first use.
func (e *Engine) program(k domain.KPI) (cel.Program, error) {
	expr := strings.TrimSpace(k.Expression)
	if expr == "" {
		return nil, fmt.Errorf("kpi %d (%s) has no expression", k.ID, k.Name)
	}

	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile kpi %d: %w", k.ID, issues.Err())
	}

	outputType := ast.OutputType()
	switch outputType.Kind() {
	case types.BoolKind, types.IntKind, types.UintKind, types.DoubleKind, types.DynKind:
	default:
		return nil, fmt.Errorf("kpi %d: expression must return bool, int, or double, got %s", k.ID, outputType)
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for kpi %d: %w", k.ID, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// ProgramCount returns the number of cached programs.
func (e *Engine) ProgramCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

// Close drops compiled programs.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = make(map[string]cel.Program)
	return nil
}

// toScore converts a CEL value to a 1..5 score.
func toScore(val ref.Val) (int, error) {
	var f float64
	switch v := val.(type) {
	case types.Bool:
		if v {
			return domain.MaxScore, nil
		}
		return domain.MinScore, nil
	case types.Int:
		f = float64(v)
	case types.Uint:
		f = float64(v)
	case types.Double:
		f = float64(v)
	default:
		return 0, fmt.Errorf("expression returned %s, want bool or number", val.Type())
	}

	score := int(math.Round(f))
	if score < domain.MinScore || score > domain.MaxScore {
		return 0, fmt.Errorf("score %v outside %d..%d", f, domain.MinScore, domain.MaxScore)
	}
	return score, nil
}

// rowMap turns a row into a CEL-friendly map. A nil row yields an empty map.
func rowMap(row domain.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
