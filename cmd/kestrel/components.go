package main

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/llm"
	"github.com/opensource-finance/kestrel/internal/matcher"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// scoring bundles the evaluator with the LLM-backed helpers that share its
// client.
type scoring struct {
	evaluator  domain.Evaluator
	responder  domain.QueryResponder
	summarizer domain.Summarizer
	validator  api.KPIValidator
	closeFn    func() error
}

func (s *scoring) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}

// buildScoring selects the evaluator. The responder and summarizer are only
// set when an LLM API key is configured; without them /ask answers 503 and
// summaries use the band text.
func buildScoring(cfg *domain.Config) (*scoring, error) {
	client := llm.NewClient(cfg.LLM, nil)
	s := &scoring{}
	if client.Configured() {
		r := llm.NewResponder(client)
		s.responder = r
		s.summarizer = r
	}

	switch cfg.Evaluation.Evaluator {
	case domain.EvaluatorRules:
		engine, err := rules.NewEngine()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize rule engine: %w", err)
		}
		s.evaluator = engine
		s.validator = engine
		s.closeFn = engine.Close
	case domain.EvaluatorLLM, "":
		if !client.Configured() {
			slog.Warn("llm api key not set; evaluation requests will fail until one is configured")
		}
		if cfg.Evaluation.BatchRequests {
			s.evaluator = llm.NewBatchEvaluator(client)
		} else {
			s.evaluator = llm.NewEvaluator(client)
		}
	default:
		return nil, fmt.Errorf("unknown evaluator %q", cfg.Evaluation.Evaluator)
	}

	slog.Info("evaluator initialized",
		"evaluator", cfg.Evaluation.Evaluator,
		"batch_requests", cfg.Evaluation.BatchRequests,
		"llm_configured", client.Configured(),
	)
	return s, nil
}

func orchestratorConfig(cfg *domain.Config) orchestrator.Config {
	return orchestrator.Config{
		BatchSize:   cfg.Evaluation.BatchSize,
		CallTimeout: cfg.Evaluation.CallTimeout,
		ResultTTL:   cfg.Cache.ResultTTL,
	}
}

func matchOptions(cfg *domain.Config) matcher.Options {
	return matcher.Options{RejectDuplicateKeys: cfg.Evaluation.RejectDuplicateKeys}
}
