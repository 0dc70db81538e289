package domain

import (
	"context"
	"errors"
)

// ErrEvaluatorNotConfigured is returned by evaluators that lack credentials
// or configuration. The orchestrator treats it as a systemic failure rather
// than a per-record one.
var ErrEvaluatorNotConfigured = errors.New("evaluator not configured")

// Evaluator scores joined records against KPIs. Implementations are usually
// backed by a language model.
type Evaluator interface {
	// Score returns one score per KPI for the record.
	Score(ctx context.Context, record JoinedRecord, kpis []KPI) (*EvaluationResult, error)

	// Rescore re-evaluates a record, asking the model to reconsider its
	// earlier judgment in light of the user's feedback.
	Rescore(ctx context.Context, record JoinedRecord, kpis []KPI, feedback string) (*EvaluationResult, error)
}

// ScoreOutcome is the per-record result of a batch call.
type ScoreOutcome struct {
	Result *EvaluationResult
	Err    error
}

// BatchScorer is implemented by evaluators that can score a whole batch in a
// single request. Outcomes are returned in input order. A non-nil error means
// the batch call itself failed.
type BatchScorer interface {
	ScoreBatch(ctx context.Context, records []JoinedRecord, kpis []KPI) ([]ScoreOutcome, error)
}

// QueryResponder answers free-text questions about a result set.
type QueryResponder interface {
	Answer(ctx context.Context, question string, results []EvaluationResult, kpis []KPI) (string, error)
}

// Summarizer writes a short explanation of a KPI's average score.
type Summarizer interface {
	Explain(ctx context.Context, kpi KPI, average float64) (string, error)
}
