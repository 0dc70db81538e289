package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/summary"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// maxQuestionLen bounds POST /ask questions.
const maxQuestionLen = 2000

// EvaluateResponse is the response for POST /testsets/{id}/evaluate.
type EvaluateResponse struct {
	RunID   string                    `json:"runId"`
	Results []domain.EvaluationResult `json:"results"`
	Report  *summary.Report           `json:"report"`
	Warning string                    `json:"warning,omitempty"`
}

// Evaluate handles POST /testsets/{id}/evaluate. With ?async=true the run is
// handed to the worker and 202 is returned with the run ID.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := uuid.New().String()

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		h.enqueue(w, r, runID)
		return
	}

	ts, state, err := h.load(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.deps.Orchestrator == nil {
		writeError(w, r, orchestrator.ErrEvaluatorUnavailable)
		return
	}

	results, err := state.Evaluate(ctx, h.deps.Orchestrator, orchestrator.RunInfo{
		ID:        runID,
		TestSetID: ts.ID,
	})
	resp := EvaluateResponse{RunID: runID}
	switch {
	case errors.Is(err, orchestrator.ErrAllRecordsFailed):
		resp.Warning = err.Error()
	case err != nil:
		writeError(w, r, err)
		return
	}

	if err := h.deps.Repo.SaveResults(ctx, ts.ID, results); err != nil {
		writeError(w, r, err)
		return
	}

	resp.Results = nonNil(results)
	resp.Report = summary.BuildReport(ctx, results, state.Snapshot().KPIs, nil)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, runID string) {
	if !h.deps.AsyncRuns || h.deps.Bus == nil {
		writeError(w, r, fmt.Errorf("%w: async evaluation is not enabled", ErrBadRequest))
		return
	}

	// Reject early what the worker would reject later.
	_, state, err := h.load(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(state.Snapshot().KPIs) == 0 {
		writeError(w, r, fmt.Errorf("%w: no kpis configured", orchestrator.ErrInvalidPhase))
		return
	}

	req := domain.RunRequest{
		RunID:     runID,
		TestSetID: chi.URLParam(r, "id"),
		TraceID:   GetTraceID(r.Context()),
	}
	if err := worker.Request(r.Context(), h.deps.Bus, req); err != nil {
		writeError(w, r, fmt.Errorf("publish run request: %w", err))
		return
	}

	slog.Info("evaluation queued",
		"run_id", runID,
		"test_set_id", req.TestSetID,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"runId":  runID,
		"status": "queued",
	})
}

// ReEvaluateRequest is the body of POST .../records/{msid}/reevaluate.
type ReEvaluateRequest struct {
	Feedback string `json:"feedback"`
}

// ReEvaluate handles POST /testsets/{id}/records/{msid}/reevaluate.
func (h *Handler) ReEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ReEvaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Feedback) == "" {
		writeError(w, r, fmt.Errorf("%w: feedback is required", ErrBadRequest))
		return
	}

	ts, state, err := h.load(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.deps.Orchestrator == nil {
		writeError(w, r, orchestrator.ErrEvaluatorUnavailable)
		return
	}

	updated, err := state.ReEvaluate(ctx, h.deps.Orchestrator, recordParam(r), req.Feedback)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.deps.Repo.SaveResult(ctx, ts.ID, updated); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Results handles GET /testsets/{id}/results. ?failed=true keeps only
// records with a fallback score.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	ts, state, err := h.load(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	results := ts.Results
	if onlyFailed, _ := strconv.ParseBool(r.URL.Query().Get("failed")); onlyFailed {
		filtered := make([]domain.EvaluationResult, 0)
		for i := range results {
			if results[i].Failed() {
				filtered = append(filtered, results[i])
			}
		}
		results = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"testSetId": ts.ID,
		"phase":     state.Phase(),
		"kpis":      nonNil(ts.KPIs),
		"results":   nonNil(results),
		"count":     len(results),
	})
}

// Summary handles GET /testsets/{id}/summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	ts, state, err := h.load(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if state.Phase() != orchestrator.PhaseResults {
		writeError(w, r, fmt.Errorf("%w: no results yet", orchestrator.ErrInvalidPhase))
		return
	}

	writeJSON(w, http.StatusOK, summary.BuildReport(r.Context(), ts.Results, ts.KPIs, h.deps.Summarizer))
}

// AskRequest is the body of POST /testsets/{id}/ask.
type AskRequest struct {
	Question string `json:"question"`
}

// Ask handles POST /testsets/{id}/ask.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" || len(question) > maxQuestionLen {
		writeError(w, r, fmt.Errorf("%w: question must be 1-%d characters", ErrBadRequest, maxQuestionLen))
		return
	}

	ts, state, err := h.load(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if state.Phase() != orchestrator.PhaseResults {
		writeError(w, r, fmt.Errorf("%w: no results yet", orchestrator.ErrInvalidPhase))
		return
	}
	if h.deps.Responder == nil {
		writeError(w, r, domain.ErrEvaluatorNotConfigured)
		return
	}

	answer, err := h.deps.Responder.Answer(r.Context(), question, ts.Results, ts.KPIs)
	if err != nil {
		if !errors.Is(err, domain.ErrEvaluatorNotConfigured) {
			slog.Warn("query responder failed", "test_set_id", ts.ID, "error", err)
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"question": question,
		"answer":   answer,
	})
}
