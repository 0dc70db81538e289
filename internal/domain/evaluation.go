package domain

import (
	"errors"
	"fmt"
)

// Score bounds. FailedScore marks "no valid score obtained" and is excluded
// from every statistic.
const (
	FailedScore = 0
	MinScore    = 1
	MaxScore    = 5
)

// FailedExplanation is the explanation attached to fallback scores.
const FailedExplanation = "Evaluation failed"

// ScoreEntry is one KPI score for one record.
type ScoreEntry struct {
	KPIID       int    `json:"kpiId"`
	Score       int    `json:"score"`
	Explanation string `json:"explanation"`
}

// Failed reports whether the entry carries the fallback score.
func (s ScoreEntry) Failed() bool {
	return s.Score == FailedScore
}

// EvaluationResult holds the scores for one record, one entry per KPI.
type EvaluationResult struct {
	MSID   string       `json:"msid"`
	Scores []ScoreEntry `json:"scores"`
}

// Failed reports whether any score in the result is the fallback score.
func (r *EvaluationResult) Failed() bool {
	for _, s := range r.Scores {
		if s.Failed() {
			return true
		}
	}
	return false
}

// ScoreFor returns the entry for a KPI.
func (r *EvaluationResult) ScoreFor(kpiID int) (ScoreEntry, bool) {
	for _, s := range r.Scores {
		if s.KPIID == kpiID {
			return s, true
		}
	}
	return ScoreEntry{}, false
}

// FallbackResult builds the substitute result used when scoring a record
// failed: score 0 and FailedExplanation for every requested KPI.
func FallbackResult(msid string, kpis []KPI) *EvaluationResult {
	scores := make([]ScoreEntry, len(kpis))
	for i, k := range kpis {
		scores[i] = ScoreEntry{
			KPIID:       k.ID,
			Score:       FailedScore,
			Explanation: FailedExplanation,
		}
	}
	return &EvaluationResult{MSID: msid, Scores: scores}
}

// ErrInvalidResult is returned by ValidateResult.
var ErrInvalidResult = errors.New("invalid evaluation result")

// ValidateResult checks an evaluator response against the requested KPIs and
// returns a copy with scores reordered to KPI order. A valid result names the
// expected record and has exactly one score in 1..5 for every KPI.
func ValidateResult(result *EvaluationResult, msid string, kpis []KPI) (*EvaluationResult, error) {
	if result == nil {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidResult)
	}
	if result.MSID != "" && result.MSID != msid {
		return nil, fmt.Errorf("%w: expected msid %q, got %q", ErrInvalidResult, msid, result.MSID)
	}

	byKPI := make(map[int]ScoreEntry, len(result.Scores))
	for _, s := range result.Scores {
		if _, dup := byKPI[s.KPIID]; dup {
			return nil, fmt.Errorf("%w: duplicate score for kpi %d", ErrInvalidResult, s.KPIID)
		}
		if s.Score < MinScore || s.Score > MaxScore {
			return nil, fmt.Errorf("%w: kpi %d score %d outside %d..%d", ErrInvalidResult, s.KPIID, s.Score, MinScore, MaxScore)
		}
		byKPI[s.KPIID] = s
	}
	if len(byKPI) != len(kpis) {
		return nil, fmt.Errorf("%w: expected %d scores, got %d", ErrInvalidResult, len(kpis), len(byKPI))
	}

	out := &EvaluationResult{MSID: msid, Scores: make([]ScoreEntry, len(kpis))}
	for i, k := range kpis {
		s, ok := byKPI[k.ID]
		if !ok {
			return nil, fmt.Errorf("%w: missing score for kpi %d", ErrInvalidResult, k.ID)
		}
		out.Scores[i] = s
	}
	return out, nil
}

// EvaluationSummary aggregates one KPI across all scored records.
type EvaluationSummary struct {
	KPIID            int     `json:"kpiId"`
	KPIName          string  `json:"kpiName"`
	ShortName        string  `json:"shortName"`
	AverageScore     float64 `json:"averageScore"`
	MedianScore      float64 `json:"medianScore"`
	ValidCount       int     `json:"validCount"`
	ShortExplanation string  `json:"shortExplanation"`
}
