package rules

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func record() domain.JoinedRecord {
	return domain.JoinedRecord{
		MSID: "A-1",
		Source: domain.Row{
			"MSID":  "A-1",
			"title": "Red Shoe",
			"price": float64(10),
		},
		Target: domain.Row{
			"MSID":  "A-1",
			"title": "red shoe",
			"price": float64(12),
			"color": nil,
		},
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.ProgramCount() != 0 {
		t.Errorf("expected 0 programs, got %d", engine.ProgramCount())
	}
}

func TestValidateInvalidExpression(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	tests := []struct {
		name string
		expr string
	}{
		{"Syntax", "this is not valid CEL !!!"},
		{"StringResult", "msid + '-x'"},
		{"Empty", "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Validate([]domain.KPI{{ID: 1, Name: "k", Expression: tt.expr}})
			if err == nil {
				t.Errorf("expected error for expression %q", tt.expr)
			}
		})
	}
}

func TestScoreBooleanExpression(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	kpis := []domain.KPI{
		{ID: 1, Name: "Exact title", Expression: "source.title == target.title"},
		{ID: 2, Name: "Folded title", Expression: "source.title.lowerAscii() == target.title.lowerAscii()"},
	}

	res, err := engine.Score(context.Background(), record(), kpis)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if res.MSID != "A-1" {
		t.Errorf("expected msid A-1, got %s", res.MSID)
	}
	if res.Scores[0].Score != domain.MinScore {
		t.Errorf("expected exact title score 1, got %d", res.Scores[0].Score)
	}
	if res.Scores[1].Score != domain.MaxScore {
		t.Errorf("expected folded title score 5, got %d", res.Scores[1].Score)
	}
	if _, err := domain.ValidateResult(res, "A-1", kpis); err != nil {
		t.Errorf("result should validate: %v", err)
	}
}

func TestScoreNumericExpression(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	tests := []struct {
		name     string
		expr     string
		expected int
		wantErr  bool
	}{
		{"Int", "3", 3, false},
		{"RoundedDouble", "target.price / source.price * 3.0", 4, false},
		{"Ternary", "target.price > source.price ? 2 : 5", 2, false},
		{"TooHigh", "6", 0, true},
		{"Zero", "0.2", 0, true},
		{"NullField", "target.color == null ? 1 : 5", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.Score(context.Background(), record(), []domain.KPI{{ID: 1, Name: tt.name, Expression: tt.expr}})
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got score %d", res.Scores[0].Score)
				}
				return
			}
			if err != nil {
				t.Fatalf("Score failed: %v", err)
			}
			if res.Scores[0].Score != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, res.Scores[0].Score)
			}
		})
	}
}

func TestScoreMissingExpression(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	_, err := engine.Score(context.Background(), record(), []domain.KPI{{ID: 7, Name: "Tone"}})
	if err == nil || !strings.Contains(err.Error(), "no expression") {
		t.Errorf("expected missing expression error, got %v", err)
	}
}

func TestRescoreEchoesFeedback(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	kpis := []domain.KPI{{ID: 1, Name: "Title", Expression: "source.title == target.title"}}
	res, err := engine.Rescore(context.Background(), record(), kpis, "  case does not matter  ")
	if err != nil {
		t.Fatalf("Rescore failed: %v", err)
	}
	if !strings.Contains(res.Scores[0].Explanation, "feedback noted: case does not matter") {
		t.Errorf("unexpected explanation %q", res.Scores[0].Explanation)
	}
}

func TestProgramsCachedByExpression(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	kpis := []domain.KPI{
		{ID: 1, Name: "a", Expression: "true"},
		{ID: 2, Name: "b", Expression: "true"},
		{ID: 3, Name: "c", Expression: "false"},
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Score(context.Background(), record(), kpis); err != nil {
				t.Errorf("Score failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if engine.ProgramCount() != 2 {
		t.Errorf("expected 2 cached programs, got %d", engine.ProgramCount())
	}
}

func TestScoreCancelledContext(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Score(ctx, record(), []domain.KPI{{ID: 1, Name: "a", Expression: "true"}})
	if err == nil {
		t.Error("expected context error")
	}
}
