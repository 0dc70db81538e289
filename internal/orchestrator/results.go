package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CacheKey hashes a record's contents together with the KPI definitions, so
// an edited KPI or record never hits a stale result. It returns "" when the
// record cannot be encoded; such records are never cached.
func CacheKey(record domain.JoinedRecord, kpis []domain.KPI) string {
	payload, err := json.Marshal(struct {
		Record domain.JoinedRecord `json:"record"`
		KPIs   []domain.KPI        `json:"kpis"`
	}{record, kpis})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Splice returns a copy of results with the entry for updated.MSID replaced,
// or updated appended when no entry matches.
func Splice(results []domain.EvaluationResult, updated domain.EvaluationResult) []domain.EvaluationResult {
	out := make([]domain.EvaluationResult, len(results), len(results)+1)
	copy(out, results)
	for i := range out {
		if out[i].MSID == updated.MSID {
			out[i] = updated
			return out
		}
	}
	return append(out, updated)
}
