package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/matcher"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// ErrBadRequest marks malformed request bodies.
var ErrBadRequest = errors.New("bad request")

// DefaultMaxUploadBytes bounds a multipart upload when the server config does
// not.
const DefaultMaxUploadBytes = 32 << 20

// KPIValidator checks KPI definitions beyond the shape checks in
// domain.NormalizeKPIs, e.g. that rule expressions compile.
type KPIValidator interface {
	Validate(kpis []domain.KPI) error
}

// Deps holds the collaborators of the API handlers. Only Repo and
// Orchestrator are required.
type Deps struct {
	Repo         domain.Repository
	Cache        domain.Cache
	Bus          domain.EventBus
	Orchestrator *orchestrator.Orchestrator
	Responder    domain.QueryResponder
	Summarizer   domain.Summarizer
	KPIValidator KPIValidator
	Match        matcher.Options

	// AsyncRuns enables POST /evaluate?async=true. A worker must be
	// consuming run requests from Bus.
	AsyncRuns bool

	MaxUploadBytes int64
	Version        string

	// ServiceName is recorded on request spans when tracing is enabled.
	ServiceName string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{deps: deps}
}

// Health handles GET /health. Dependency failures degrade the status but
// still answer 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}

	if h.deps.Repo != nil {
		check("repository", h.deps.Repo.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("eventbus", h.deps.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.deps.Version,
		"checks":  checks,
	})
}

// Ready handles GET /ready. The service is ready once the repository answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error      string                  `json:"error"`
	Validation *domain.ValidationError `json:"validation,omitempty"`
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, domain.ErrInvalidKPI),
		errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, ingest.ErrUnsupportedFormat),
		errors.Is(err, ingest.ErrRaggedRow),
		errors.Is(err, ingest.ErrDuplicateColumn):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, orchestrator.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidPhase):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrReEvaluationFailed):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrEvaluatorUnavailable),
		errors.Is(err, domain.ErrEvaluatorNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Validation = verr
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"error", err,
		)
		resp.Error = "internal server error"
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", ErrBadRequest, err)
	}
	return nil
}
