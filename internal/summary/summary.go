// Package summary aggregates per-record scores into per-KPI statistics.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Band is the qualitative label used for explanation text.
type Band string

const (
	BandOptimal    Band = "optimal"
	BandAcceptable Band = "acceptable"
	BandBelow      Band = "below threshold"
	BandCritical   Band = "critical"
)

// ExplanationBand maps an average score to its explanation band.
// Boundaries are inclusive at 4, 3 and 2.
func ExplanationBand(avg float64) Band {
	switch {
	case avg >= 4:
		return BandOptimal
	case avg >= 3:
		return BandAcceptable
	case avg >= 2:
		return BandBelow
	default:
		return BandCritical
	}
}

// BandExplanation returns the canned sentence for an average score.
func BandExplanation(avg float64) string {
	switch ExplanationBand(avg) {
	case BandOptimal:
		return "Performance is optimal; records consistently meet this KPI."
	case BandAcceptable:
		return "Performance is acceptable with room for improvement."
	case BandBelow:
		return "Performance is below threshold; several records need attention."
	default:
		return "Performance is critical; most records fail this KPI."
	}
}

// StatusLevel is the headline health label shown next to a KPI.
type StatusLevel string

const (
	StatusOptimal  StatusLevel = "optimal"
	StatusGood     StatusLevel = "good"
	StatusMarginal StatusLevel = "marginal"
	StatusCritical StatusLevel = "critical"
)

// Status maps an average score to a status level. The thresholds (4.5, 3.5,
// 2.5) are deliberately different from ExplanationBand.
func Status(avg float64) StatusLevel {
	switch {
	case avg >= 4.5:
		return StatusOptimal
	case avg >= 3.5:
		return StatusGood
	case avg >= 2.5:
		return StatusMarginal
	default:
		return StatusCritical
	}
}

// Mean returns the arithmetic mean, or 0 for no values.
func Mean(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

// Median returns the middle value of the sorted values, averaging the two
// middle values for an even count. Returns 0 for no values.
func Median(values []int) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]int, n)
	copy(sorted, values)
	sort.Ints(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

// ValidScores collects the non-failed scores recorded for a KPI.
func ValidScores(results []domain.EvaluationResult, kpiID int) []int {
	var scores []int
	for i := range results {
		entry, ok := results[i].ScoreFor(kpiID)
		if !ok || entry.Failed() {
			continue
		}
		scores = append(scores, entry.Score)
	}
	return scores
}

// Summarize computes one summary per KPI, in KPI order. Failed scores are
// excluded from every statistic. The summarizer, when set, writes the short
// explanation; otherwise or on error the band sentence is used.
func Summarize(ctx context.Context, results []domain.EvaluationResult, kpis []domain.KPI, summarizer domain.Summarizer) []domain.EvaluationSummary {
	out := make([]domain.EvaluationSummary, 0, len(kpis))
	for _, k := range kpis {
		scores := ValidScores(results, k.ID)
		avg := Mean(scores)

		s := domain.EvaluationSummary{
			KPIID:        k.ID,
			KPIName:      k.Name,
			ShortName:    k.ShortName,
			AverageScore: avg,
			MedianScore:  Median(scores),
			ValidCount:   len(scores),
		}
		if s.ShortName == "" {
			s.ShortName = domain.DeriveShortName(k.Name)
		}

		s.ShortExplanation = BandExplanation(avg)
		if summarizer != nil && len(scores) > 0 {
			text, err := summarizer.Explain(ctx, k, avg)
			if err != nil {
				slog.Warn("kpi explanation failed, using band text",
					"kpi_id", k.ID,
					"error", err,
				)
			} else if text != "" {
				s.ShortExplanation = text
			}
		}
		out = append(out, s)
	}
	return out
}

// Overall is the mean of all per-KPI averages. KPIs without valid scores
// contribute 0.
func Overall(summaries []domain.EvaluationSummary) float64 {
	if len(summaries) == 0 {
		return 0
	}
	var sum float64
	for _, s := range summaries {
		sum += s.AverageScore
	}
	return sum / float64(len(summaries))
}

// Distribution counts the records at each score 0..5 for a KPI.
func Distribution(results []domain.EvaluationResult, kpiID int) [domain.MaxScore + 1]int {
	var dist [domain.MaxScore + 1]int
	for i := range results {
		entry, ok := results[i].ScoreFor(kpiID)
		if !ok {
			continue
		}
		if entry.Score >= domain.FailedScore && entry.Score <= domain.MaxScore {
			dist[entry.Score]++
		}
	}
	return dist
}

// FailedCount returns the number of records with at least one failed score.
func FailedCount(results []domain.EvaluationResult) int {
	n := 0
	for i := range results {
		if results[i].Failed() {
			n++
		}
	}
	return n
}

// Report is the API and CLI view of a result set.
type Report struct {
	Summaries    []domain.EvaluationSummary `json:"summaries"`
	Overall      float64                    `json:"overall"`
	Status       StatusLevel                `json:"status"`
	Records      int                        `json:"records"`
	Failed       int                        `json:"failed"`
	Distribution map[int][]int              `json:"distribution"`
}

// BuildReport summarizes a result set with its headline figures.
func BuildReport(ctx context.Context, results []domain.EvaluationResult, kpis []domain.KPI, summarizer domain.Summarizer) *Report {
	summaries := Summarize(ctx, results, kpis, summarizer)
	overall := Overall(summaries)

	dist := make(map[int][]int, len(kpis))
	for _, k := range kpis {
		d := Distribution(results, k.ID)
		dist[k.ID] = d[:]
	}

	return &Report{
		Summaries:    summaries,
		Overall:      overall,
		Status:       Status(overall),
		Records:      len(results),
		Failed:       FailedCount(results),
		Distribution: dist,
	}
}

// FormatScore renders an average with one decimal.
func FormatScore(v float64) string {
	return fmt.Sprintf("%.1f", v)
}
