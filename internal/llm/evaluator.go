package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const evaluatorSystemPrompt = `You are a data quality reviewer. You compare a SOURCE record with the TARGET record that was produced from it and score the TARGET against each KPI on an integer scale from 1 (very poor) to 5 (excellent).
Respond with a JSON object only, shaped as:
{"msid": "<record id>", "scores": [{"kpi_id": <id>, "score": <1-5>, "explanation": "<one or two sentences>"}]}
Return exactly one score per KPI.`

const batchSystemPrompt = `You are a data quality reviewer. For every record you compare the SOURCE fields with the TARGET fields and score the TARGET against each KPI on an integer scale from 1 (very poor) to 5 (excellent).
Respond with a JSON object only, shaped as:
{"results": [{"msid": "<record id>", "scores": [{"kpi_id": <id>, "score": <1-5>, "explanation": "<one or two sentences>"}]}]}
Return one result per record and exactly one score per KPI.`

// Evaluator scores records with one chat request per record.
// It implements domain.Evaluator.
type Evaluator struct {
	client *Client
}

// NewEvaluator wraps a client as an evaluator.
func NewEvaluator(client *Client) *Evaluator {
	return &Evaluator{client: client}
}

// Score asks the model for one score per KPI.
func (e *Evaluator) Score(ctx context.Context, record domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
	messages := []chatMessage{
		{Role: "system", Content: evaluatorSystemPrompt},
		{Role: "user", Content: kpiBlock(kpis) + "\n" + recordBlock(record)},
	}
	return e.scoreMessages(ctx, record.MSID, messages)
}

// Rescore repeats the evaluation with the user's feedback appended, asking
// the model to reconsider.
func (e *Evaluator) Rescore(ctx context.Context, record domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
	user := kpiBlock(kpis) + "\n" + recordBlock(record)
	if fb := strings.TrimSpace(feedback); fb != "" {
		user += "\nA reviewer disagreed with an earlier evaluation of this record. Reconsider each score in light of their feedback:\n" + fb + "\n"
	}
	messages := []chatMessage{
		{Role: "system", Content: evaluatorSystemPrompt},
		{Role: "user", Content: user},
	}
	return e.scoreMessages(ctx, record.MSID, messages)
}

func (e *Evaluator) scoreMessages(ctx context.Context, msid string, messages []chatMessage) (*domain.EvaluationResult, error) {
	content, err := e.client.complete(ctx, messages, true)
	if err != nil {
		return nil, err
	}
	var wire wireResult
	if err := decodeJSON(content, &wire); err != nil {
		return nil, err
	}
	res, err := wire.toDomain()
	if err != nil {
		return nil, err
	}
	if res.MSID == "" {
		res.MSID = msid
	}
	return res, nil
}

// BatchEvaluator scores a whole batch per chat request. It implements
// domain.BatchScorer in addition to domain.Evaluator.
type BatchEvaluator struct {
	*Evaluator
}

// NewBatchEvaluator wraps a client as a batch evaluator.
func NewBatchEvaluator(client *Client) *BatchEvaluator {
	return &BatchEvaluator{Evaluator: NewEvaluator(client)}
}

// ScoreBatch sends all records in one request. Records missing from the
// response get a per-record error.
func (b *BatchEvaluator) ScoreBatch(ctx context.Context, records []domain.JoinedRecord, kpis []domain.KPI) ([]domain.ScoreOutcome, error) {
	var sb strings.Builder
	sb.WriteString(kpiBlock(kpis))
	for _, r := range records {
		sb.WriteString("\n")
		sb.WriteString(recordBlock(r))
	}
	messages := []chatMessage{
		{Role: "system", Content: batchSystemPrompt},
		{Role: "user", Content: sb.String()},
	}

	content, err := b.client.complete(ctx, messages, true)
	if err != nil {
		return nil, err
	}
	var wire struct {
		Results []wireResult `json:"results"`
	}
	if err := decodeJSON(content, &wire); err != nil {
		return nil, err
	}

	byMSID := make(map[string]wireResult, len(wire.Results))
	for _, r := range wire.Results {
		byMSID[strings.TrimSpace(r.MSID)] = r
	}

	outcomes := make([]domain.ScoreOutcome, len(records))
	for i, rec := range records {
		w, ok := byMSID[rec.MSID]
		if !ok {
			outcomes[i] = domain.ScoreOutcome{Err: fmt.Errorf("no result for %s in batch response", rec.MSID)}
			continue
		}
		res, err := w.toDomain()
		outcomes[i] = domain.ScoreOutcome{Result: res, Err: err}
	}
	return outcomes, nil
}

type wireScore struct {
	KPIID       int     `json:"kpi_id"`
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation"`
}

type wireResult struct {
	MSID   string      `json:"msid"`
	Scores []wireScore `json:"scores"`
}

func (w wireResult) toDomain() (*domain.EvaluationResult, error) {
	res := &domain.EvaluationResult{
		MSID:   strings.TrimSpace(w.MSID),
		Scores: make([]domain.ScoreEntry, 0, len(w.Scores)),
	}
	for _, s := range w.Scores {
		if s.Score != math.Trunc(s.Score) {
			return nil, fmt.Errorf("%w: kpi %d score %v is not an integer", domain.ErrInvalidResult, s.KPIID, s.Score)
		}
		res.Scores = append(res.Scores, domain.ScoreEntry{
			KPIID:       s.KPIID,
			Score:       int(s.Score),
			Explanation: strings.TrimSpace(s.Explanation),
		})
	}
	return res, nil
}

// decodeJSON parses a model reply, tolerating markdown code fences.
func decodeJSON(content string, v any) error {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("%w: unparseable model reply: %v", domain.ErrInvalidResult, err)
	}
	return nil
}

func kpiBlock(kpis []domain.KPI) string {
	var sb strings.Builder
	sb.WriteString("KPIs:\n")
	for _, k := range kpis {
		fmt.Fprintf(&sb, "- kpi_id %d, %s: %s\n", k.ID, k.Name, k.Description)
	}
	return sb.String()
}

func recordBlock(r domain.JoinedRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Record %s\n", r.MSID)
	writeRow(&sb, "SOURCE", r.Source)
	writeRow(&sb, "TARGET", r.Target)
	return sb.String()
}

func writeRow(sb *strings.Builder, label string, row domain.Row) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	fmt.Fprintf(sb, "%s:\n", label)
	for _, c := range cols {
		fmt.Fprintf(sb, "  %s: %s\n", c, domain.ValueString(row[c]))
	}
}
