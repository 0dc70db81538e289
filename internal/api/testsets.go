package api

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
)

// CreateTestSetRequest is the JSON form of POST /testsets.
type CreateTestSetRequest struct {
	Name   string       `json:"name"`
	Source []domain.Row `json:"source"`
	Target []domain.Row `json:"target"`
}

// TestSetView is the API view of a stored test set.
type TestSetView struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Phase       orchestrator.Phase         `json:"phase"`
	RecordCount int                        `json:"recordCount"`
	Mismatches  []domain.DataMismatchEntry `json:"mismatches"`
	KPIs        []domain.KPI               `json:"kpis"`
	ResultCount int                        `json:"resultCount"`
	CreatedAt   time.Time                  `json:"createdAt"`
	UpdatedAt   time.Time                  `json:"updatedAt"`
}

func viewOf(ts *domain.TestSet, state *orchestrator.PipelineState) TestSetView {
	snap := state.Snapshot()
	return TestSetView{
		ID:          ts.ID,
		Name:        ts.Name,
		Phase:       snap.Phase,
		RecordCount: len(snap.Records),
		Mismatches:  nonNil(snap.Mismatches),
		KPIs:        nonNil(snap.KPIs),
		ResultCount: len(snap.Results),
		CreatedAt:   ts.CreatedAt,
		UpdatedAt:   ts.UpdatedAt,
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// CreateTestSet handles POST /testsets. It accepts either a multipart upload
// with "source" and "target" files or a JSON body, joins the datasets and
// stores the test set.
func (h *Handler) CreateTestSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTestSetRequest
	var err error
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		req, err = h.readUpload(w, r)
	} else {
		err = decodeBody(r, &req)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	state := orchestrator.NewPipelineState(h.deps.Match)
	if err := state.Load(req.Source, req.Target); err != nil {
		writeError(w, r, err)
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		req.Name = "test set " + time.Now().UTC().Format(time.DateTime)
	}
	ts := &domain.TestSet{
		ID:         uuid.New().String(),
		Name:       strings.TrimSpace(req.Name),
		Source:     req.Source,
		Target:     req.Target,
		Mismatches: state.Snapshot().Mismatches,
	}
	if err := h.deps.Repo.SaveTestSet(ctx, ts); err != nil {
		writeError(w, r, err)
		return
	}

	view := viewOf(ts, state)
	writeJSON(w, http.StatusCreated, map[string]any{
		"testSet":    view,
		"mismatches": view.Mismatches,
	})
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (CreateTestSetRequest, error) {
	var req CreateTestSetRequest

	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.deps.MaxUploadBytes); err != nil {
		return req, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	defer r.MultipartForm.RemoveAll()

	var err error
	if req.Source, err = readPart(r, "source"); err != nil {
		return req, err
	}
	if req.Target, err = readPart(r, "target"); err != nil {
		return req, err
	}

	req.Name = r.FormValue("name")
	if req.Name == "" {
		_, header, _ := r.FormFile("target")
		req.Name = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}
	return req, nil
}

func readPart(r *http.Request, field string) ([]domain.Row, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %s file is required", ErrBadRequest, field)
	}
	defer file.Close()

	rows, err := ingest.ReadFile(header.Filename, file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return rows, nil
}

// ListTestSets handles GET /testsets.
func (h *Handler) ListTestSets(w http.ResponseWriter, r *http.Request) {
	infos, err := h.deps.Repo.ListTestSets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"testSets": nonNil(infos),
		"count":    len(infos),
	})
}

// GetTestSet handles GET /testsets/{id}.
func (h *Handler) GetTestSet(w http.ResponseWriter, r *http.Request) {
	ts, state, err := h.load(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ts, state))
}

// DeleteTestSet handles DELETE /testsets/{id}.
func (h *Handler) DeleteTestSet(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Repo.DeleteTestSet(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutKPIs handles PUT /testsets/{id}/kpis. The body is either a KPI array
// or {"kpis": [...]}. Stored results are discarded.
func (h *Handler) PutKPIs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kpis, err := decodeKPIs(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ts, state, err := h.load(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := state.SetKPIs(kpis); err != nil {
		writeError(w, r, err)
		return
	}

	normalized := state.Snapshot().KPIs
	if h.deps.KPIValidator != nil {
		if err := h.deps.KPIValidator.Validate(normalized); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidKPI, err))
			return
		}
	}

	if err := h.deps.Repo.SaveKPIs(ctx, ts.ID, normalized); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ts, state))
}

func decodeKPIs(r *http.Request) ([]domain.KPI, error) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}

	var kpis []domain.KPI
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &kpis); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return kpis, nil
	}

	var wrapped struct {
		KPIs []domain.KPI `json:"kpis"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return wrapped.KPIs, nil
}

// load fetches the test set named in the URL and rebuilds its pipeline.
func (h *Handler) load(r *http.Request) (*domain.TestSet, *orchestrator.PipelineState, error) {
	ts, err := h.deps.Repo.GetTestSet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, nil, err
	}
	state, err := orchestrator.RestoreState(ts, h.deps.Match)
	if err != nil {
		return nil, nil, fmt.Errorf("restore test set %s: %w", ts.ID, err)
	}
	return ts, state, nil
}
