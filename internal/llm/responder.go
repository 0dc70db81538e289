package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxContextResults caps how many results are quoted to the model.
const maxContextResults = 200

const responderSystemPrompt = `You answer questions about a data quality evaluation. You are given the KPIs and per-record scores (0 means the evaluation failed and carries no judgment). Answer concisely and cite record ids where relevant. If the data does not answer the question, say so.`

const summarizerSystemPrompt = `You write one short sentence describing how a dataset performs on a quality KPI, given its average score on a 1 to 5 scale. No preamble.`

// Responder answers free-text questions about a result set.
// It implements domain.QueryResponder and domain.Summarizer.
type Responder struct {
	client *Client
}

// NewResponder wraps a client as a responder.
func NewResponder(client *Client) *Responder {
	return &Responder{client: client}
}

// Answer asks the model about the results.
func (r *Responder) Answer(ctx context.Context, question string, results []domain.EvaluationResult, kpis []domain.KPI) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("question is required")
	}

	var sb strings.Builder
	sb.WriteString(kpiBlock(kpis))
	sb.WriteString("\nResults (msid: kpi_id=score explanation):\n")
	for i, res := range results {
		if i == maxContextResults {
			fmt.Fprintf(&sb, "... %d more records omitted\n", len(results)-maxContextResults)
			break
		}
		fmt.Fprintf(&sb, "%s:", res.MSID)
		for _, s := range res.Scores {
			fmt.Fprintf(&sb, " %d=%d %q", s.KPIID, s.Score, s.Explanation)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)

	answer, err := r.client.complete(ctx, []chatMessage{
		{Role: "system", Content: responderSystemPrompt},
		{Role: "user", Content: sb.String()},
	}, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// Explain writes a one-sentence explanation of a KPI average.
func (r *Responder) Explain(ctx context.Context, kpi domain.KPI, average float64) (string, error) {
	user := fmt.Sprintf("KPI: %s (%s)\nAverage score: %.2f", kpi.Name, kpi.Description, average)
	text, err := r.client.complete(ctx, []chatMessage{
		{Role: "system", Content: summarizerSystemPrompt},
		{Role: "user", Content: user},
	}, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
