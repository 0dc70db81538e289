package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matcher"
	"github.com/opensource-finance/kestrel/internal/summary"
)

// Phase is the pipeline step a test set is in.
type Phase string

const (
	PhaseUpload     Phase = "UPLOAD"
	PhaseKPIConfig  Phase = "KPI_CONFIG"
	PhaseEvaluating Phase = "EVALUATING"
	PhaseResults    Phase = "RESULTS"
	PhaseError      Phase = "ERROR"
)

var (
	// ErrInvalidPhase is returned when an operation is not allowed in the
	// current phase.
	ErrInvalidPhase = errors.New("operation not allowed in current phase")

	// ErrRecordNotFound is returned for an unknown MSID.
	ErrRecordNotFound = errors.New("record not found")
)

// PipelineState is the mutable state of one test set moving through
// UPLOAD -> KPI_CONFIG -> EVALUATING -> RESULTS. It is safe for concurrent
// use; long evaluations run without holding the lock.
type PipelineState struct {
	mu         sync.Mutex
	opts       matcher.Options
	phase      Phase
	records    []domain.JoinedRecord
	mismatches []domain.DataMismatchEntry
	kpis       []domain.KPI
	results    []domain.EvaluationResult
	lastErr    error
}

// NewPipelineState returns an empty pipeline in the UPLOAD phase.
func NewPipelineState(opts matcher.Options) *PipelineState {
	return &PipelineState{opts: opts, phase: PhaseUpload}
}

// RestoreState rebuilds the pipeline of a persisted test set.
func RestoreState(ts *domain.TestSet, opts matcher.Options) (*PipelineState, error) {
	s := NewPipelineState(opts)
	if err := s.Load(ts.Source, ts.Target); err != nil {
		return s, err
	}
	if len(ts.KPIs) > 0 {
		if err := s.SetKPIs(ts.KPIs); err != nil {
			return s, err
		}
	}
	if len(ts.Results) > 0 && len(s.kpis) > 0 {
		s.results = append([]domain.EvaluationResult(nil), ts.Results...)
		s.phase = PhaseResults
	}
	return s, nil
}

// Load joins the two datasets. A structural failure moves the pipeline to
// ERROR and is returned unchanged.
func (s *PipelineState) Load(source, target []domain.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseEvaluating {
		return fmt.Errorf("%w: load during %s", ErrInvalidPhase, s.phase)
	}

	res, err := matcher.MatchWith(source, target, s.opts)
	if err != nil {
		s.phase = PhaseError
		s.lastErr = err
		s.records, s.mismatches, s.results = nil, nil, nil
		return err
	}

	s.records = res.Records
	s.mismatches = res.Mismatches
	s.results = nil
	s.lastErr = nil
	s.phase = PhaseKPIConfig
	return nil
}

// SetKPIs validates and stores the KPI list. Changing KPIs discards any
// previous results.
func (s *PipelineState) SetKPIs(kpis []domain.KPI) error {
	normalized, err := domain.NormalizeKPIs(kpis)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseKPIConfig, PhaseResults:
	default:
		return fmt.Errorf("%w: set kpis during %s", ErrInvalidPhase, s.phase)
	}
	s.kpis = normalized
	s.results = nil
	s.phase = PhaseKPIConfig
	return nil
}

// Evaluate scores every joined record. ErrAllRecordsFailed still stores the
// results and moves to RESULTS. A systemic failure or a cancelled run keeps
// the previous phase and results.
func (s *PipelineState) Evaluate(ctx context.Context, orch *Orchestrator, info RunInfo) ([]domain.EvaluationResult, error) {
	s.mu.Lock()
	prev := s.phase
	if (prev != PhaseKPIConfig && prev != PhaseResults) || len(s.kpis) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: evaluate during %s", ErrInvalidPhase, prev)
	}
	records := s.records
	kpis := s.kpis
	s.phase = PhaseEvaluating
	s.mu.Unlock()

	results, err := orch.Run(ctx, info, records, kpis)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if results == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.phase = prev
		return nil, err
	}
	s.results = results
	s.phase = PhaseResults
	return append([]domain.EvaluationResult(nil), results...), err
}

// ReEvaluate rescores one record with feedback and splices the result in.
// The pipeline returns to RESULTS whether or not the call succeeds.
func (s *PipelineState) ReEvaluate(ctx context.Context, orch *Orchestrator, msid, feedback string) (*domain.EvaluationResult, error) {
	s.mu.Lock()
	if s.phase != PhaseResults {
		phase := s.phase
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: re-evaluate during %s", ErrInvalidPhase, phase)
	}
	var record *domain.JoinedRecord
	for i := range s.records {
		if s.records[i].MSID == msid {
			record = &s.records[i]
			break
		}
	}
	if record == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, msid)
	}
	kpis := s.kpis
	s.phase = PhaseEvaluating
	s.mu.Unlock()

	updated, err := orch.ReEvaluate(ctx, *record, kpis, feedback)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseResults
	s.lastErr = err
	if err != nil {
		return nil, err
	}
	s.results = Splice(s.results, *updated)
	return updated, nil
}

// Summaries aggregates the current results.
func (s *PipelineState) Summaries(ctx context.Context, summarizer domain.Summarizer) []domain.EvaluationSummary {
	s.mu.Lock()
	results := s.results
	kpis := s.kpis
	s.mu.Unlock()
	return summary.Summarize(ctx, results, kpis, summarizer)
}

// Snapshot is a read-only copy of the pipeline.
type Snapshot struct {
	Phase      Phase                      `json:"phase"`
	Records    []domain.JoinedRecord      `json:"records"`
	Mismatches []domain.DataMismatchEntry `json:"mismatches"`
	KPIs       []domain.KPI               `json:"kpis"`
	Results    []domain.EvaluationResult  `json:"results"`
	LastError  string                     `json:"lastError,omitempty"`
}

// Snapshot copies the current state.
func (s *PipelineState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Phase:      s.phase,
		Records:    append([]domain.JoinedRecord(nil), s.records...),
		Mismatches: append([]domain.DataMismatchEntry(nil), s.mismatches...),
		KPIs:       append([]domain.KPI(nil), s.kpis...),
		Results:    append([]domain.EvaluationResult(nil), s.results...),
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Phase returns the current phase.
func (s *PipelineState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}
