package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matcher"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// stubEvaluator fails every call with err.
type stubEvaluator struct{ err error }

func (s stubEvaluator) Score(context.Context, domain.JoinedRecord, []domain.KPI) (*domain.EvaluationResult, error) {
	return nil, s.err
}

func (s stubEvaluator) Rescore(context.Context, domain.JoinedRecord, []domain.KPI, string) (*domain.EvaluationResult, error) {
	return nil, s.err
}

type stubResponder struct {
	answer string
	err    error
}

func (s stubResponder) Answer(ctx context.Context, question string, results []domain.EvaluationResult, kpis []domain.KPI) (string, error) {
	return s.answer, s.err
}

// createTestServer wires a server over a temp SQLite repository. The rules
// engine scores unless evaluator is set.
func createTestServer(t *testing.T, evaluator domain.Evaluator, mutate func(*Deps)) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if evaluator == nil {
		evaluator = engine
	}

	deps := Deps{
		Repo:         repo,
		Orchestrator: orchestrator.New(evaluator, orchestrator.Config{BatchSize: 2, CallTimeout: time.Second}),
		KPIValidator: engine,
		Match:        matcher.DefaultOptions(),
		Version:      "test-v1",
	}
	if mutate != nil {
		mutate(&deps)
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
		MaxUploadMB:  1,
	}
	return NewServer(cfg, deps)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

var sampleBody = CreateTestSetRequest{
	Name: "catalog",
	Source: []domain.Row{
		{"MSID": "A", "title": "shoe"},
		{"MSID": "B", "title": "hat"},
		{"MSID": "C", "title": "sock"},
	},
	Target: []domain.Row{
		{"MSID": "C", "title": "sock"},
		{"MSID": "A", "title": "shoe"},
		{"MSID": "B", "title": ""},
	},
}

var titleKPIs = []domain.KPI{{
	ID:          1,
	Name:        "Title match",
	Description: "Source and target titles agree",
	Expression:  "source.title == target.title",
}}

// createTestSet uploads sampleBody and returns its ID.
func createTestSet(t *testing.T, s *Server) string {
	t.Helper()
	rr := do(t, s, http.MethodPost, "/testsets", sampleBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[struct {
		TestSet TestSetView `json:"testSet"`
	}](t, rr)
	return resp.TestSet.ID
}

func configure(t *testing.T, s *Server, id string, kpis []domain.KPI) {
	t.Helper()
	rr := do(t, s, http.MethodPut, "/testsets/"+id+"/kpis", kpis)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t, nil, nil)

	rr := do(t, server, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	health := decode[map[string]any](t, rr)
	if health["status"] != "healthy" || health["version"] != "test-v1" {
		t.Errorf("unexpected health body: %v", health)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request ID header")
	}

	rr = do(t, server, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestMiddleware(t *testing.T) {
	server := createTestServer(t, nil, nil)

	t.Run("MalformedTestSetID", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/testsets/not-a-uuid/results", nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace ID header on rejected requests")
		}
	})

	t.Run("UnknownTestSetID", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/testsets/"+uuid.New().String(), nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/testsets", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
			t.Errorf("unexpected allow origin %q", got)
		}
	})
}

func TestCreateTestSet(t *testing.T) {
	server := createTestServer(t, nil, nil)

	t.Run("JSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/testsets", sampleBody)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[struct {
			TestSet    TestSetView                `json:"testSet"`
			Mismatches []domain.DataMismatchEntry `json:"mismatches"`
		}](t, rr)
		if resp.TestSet.ID == "" || resp.TestSet.RecordCount != 3 {
			t.Errorf("unexpected test set: %+v", resp.TestSet)
		}
		if resp.TestSet.Phase != orchestrator.PhaseKPIConfig {
			t.Errorf("expected phase %s, got %s", orchestrator.PhaseKPIConfig, resp.TestSet.Phase)
		}
		if len(resp.Mismatches) != 1 || resp.Mismatches[0].Field != "TARGET.title" {
			t.Errorf("unexpected mismatches: %+v", resp.Mismatches)
		}
	})

	t.Run("Multipart", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, _ := mw.CreateFormFile("source", "source.csv")
		part.Write([]byte("MSID,title\nA,shoe\nB,hat\n"))
		part, _ = mw.CreateFormFile("target", "target.tsv")
		part.Write([]byte("msid\ttitle\nB\that\nA\tboot\n"))
		mw.WriteField("name", "upload")
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/testsets", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[struct {
			TestSet TestSetView `json:"testSet"`
		}](t, rr)
		if resp.TestSet.Name != "upload" || resp.TestSet.RecordCount != 2 {
			t.Errorf("unexpected test set: %+v", resp.TestSet)
		}
	})

	t.Run("MultipartMissingTarget", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, _ := mw.CreateFormFile("source", "source.csv")
		part.Write([]byte("MSID\nA\n"))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/testsets", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("KeyParityMismatch", func(t *testing.T) {
		body := CreateTestSetRequest{
			Source: []domain.Row{{"MSID": "A"}, {"MSID": "B"}},
			Target: []domain.Row{{"MSID": "A"}},
		}
		rr := do(t, server, http.MethodPost, "/testsets", body)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[errorResponse](t, rr)
		if resp.Validation == nil || resp.Validation.Kind != domain.KindKeyParityMismatch {
			t.Fatalf("expected parity validation, got %+v", resp.Validation)
		}
		if len(resp.Validation.Missing) != 1 || resp.Validation.Missing[0].Key != "B" {
			t.Errorf("unexpected missing keys: %+v", resp.Validation.Missing)
		}
	})

	t.Run("MissingKeyColumn", func(t *testing.T) {
		body := CreateTestSetRequest{
			Source: []domain.Row{{"id": "A"}},
			Target: []domain.Row{{"MSID": "A"}},
		}
		rr := do(t, server, http.MethodPost, "/testsets", body)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d", rr.Code)
		}
		resp := decode[errorResponse](t, rr)
		if resp.Validation.Kind != domain.KindMissingKeyColumn || resp.Validation.Side != domain.SideSource {
			t.Errorf("unexpected validation: %+v", resp.Validation)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/testsets", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestTestSetLifecycle(t *testing.T) {
	server := createTestServer(t, nil, nil)
	id := createTestSet(t, server)

	t.Run("List", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/testsets", nil)
		resp := decode[struct {
			TestSets []domain.TestSetInfo `json:"testSets"`
			Count    int                  `json:"count"`
		}](t, rr)
		if resp.Count != 1 || resp.TestSets[0].ID != id {
			t.Errorf("unexpected listing: %+v", resp)
		}
	})

	t.Run("EvaluateWithoutKPIs", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/testsets/"+id+"/evaluate", nil)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("InvalidKPIs", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/testsets/"+id+"/kpis", []domain.KPI{{ID: 1, Name: "No description"}})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}

		bad := []domain.KPI{{ID: 1, Name: "Broken", Description: "x", Expression: "source.title =="}}
		rr = do(t, server, http.MethodPut, "/testsets/"+id+"/kpis", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad expression, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("PutKPIsWrapped", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/testsets/"+id+"/kpis", map[string]any{"kpis": titleKPIs})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		view := decode[TestSetView](t, rr)
		if len(view.KPIs) != 1 || view.KPIs[0].ShortName != "TITLEMATCH" {
			t.Errorf("expected derived short name, got %+v", view.KPIs)
		}
	})

	t.Run("Evaluate", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/testsets/"+id+"/evaluate", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decode[EvaluateResponse](t, rr)
		if resp.RunID == "" || resp.Warning != "" {
			t.Errorf("unexpected response: %+v", resp)
		}
		order := []string{"A", "B", "C"}
		want := map[string]int{"A": 5, "B": 1, "C": 5}
		if len(resp.Results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(resp.Results))
		}
		for i, msid := range order {
			if resp.Results[i].MSID != msid {
				t.Errorf("result %d: expected %s, got %s", i, msid, resp.Results[i].MSID)
			}
			if got := resp.Results[i].Scores[0].Score; got != want[msid] {
				t.Errorf("%s: expected score %d, got %d", msid, want[msid], got)
			}
		}
		if resp.Report.Records != 3 || resp.Report.Failed != 0 {
			t.Errorf("unexpected report: %+v", resp.Report)
		}
	})

	t.Run("Summary", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/testsets/"+id+"/summary", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		report := decode[map[string]any](t, rr)
		summaries := report["summaries"].([]any)
		first := summaries[0].(map[string]any)
		if first["medianScore"].(float64) != 5 {
			t.Errorf("expected median 5, got %v", first["medianScore"])
		}
	})

	t.Run("ReEvaluate", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/testsets/"+id+"/records/B/reevaluate",
			ReEvaluateRequest{Feedback: "target title is blank on purpose"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		res := decode[domain.EvaluationResult](t, rr)
		if res.MSID != "B" || !strings.Contains(res.Scores[0].Explanation, "blank on purpose") {
			t.Errorf("unexpected rescore: %+v", res)
		}

		rr = do(t, server, http.MethodGet, "/testsets/"+id+"/results", nil)
		results := decode[struct {
			Results []domain.EvaluationResult `json:"results"`
		}](t, rr)
		if len(results.Results) != 3 || results.Results[1].MSID != "B" {
			t.Errorf("expected B spliced in place, got %+v", results.Results)
		}
	})

	t.Run("ReEvaluateUnknownRecord", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/testsets/"+id+"/records/Z/reevaluate",
			ReEvaluateRequest{Feedback: "x"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ReEvaluateNeedsFeedback", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/testsets/"+id+"/records/A/reevaluate",
			ReEvaluateRequest{Feedback: "  "})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("AskWithoutResponder", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/testsets/"+id+"/ask", AskRequest{Question: "worst record?"})
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := do(t, server, http.MethodDelete, "/testsets/"+id, nil)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}
		rr = do(t, server, http.MethodGet, "/testsets/"+id, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}
	})
}

func TestEvaluate_AllRecordsFailed(t *testing.T) {
	server := createTestServer(t, nil, nil)
	id := createTestSet(t, server)

	// 10 is outside 1..5, so every record falls back.
	configure(t, server, id, []domain.KPI{{ID: 1, Name: "Broken", Description: "x", Expression: "10"}})

	rr := do(t, server, http.MethodPost, "/testsets/"+id+"/evaluate", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[EvaluateResponse](t, rr)
	if resp.Warning == "" {
		t.Error("expected warning when every record failed")
	}
	for _, res := range resp.Results {
		if !res.Failed() || res.Scores[0].Explanation != domain.FailedExplanation {
			t.Errorf("expected fallback result, got %+v", res)
		}
	}

	rr = do(t, server, http.MethodGet, "/testsets/"+id+"/results?failed=true", nil)
	results := decode[struct {
		Count int `json:"count"`
	}](t, rr)
	if results.Count != 3 {
		t.Errorf("expected 3 stored failed results, got %d", results.Count)
	}

	rr = do(t, server, http.MethodGet, "/testsets/"+id+"/summary", nil)
	report := decode[map[string]any](t, rr)
	if report["overall"].(float64) != 0 {
		t.Errorf("expected overall 0 with no valid scores, got %v", report["overall"])
	}
}

func TestEvaluate_EvaluatorUnavailable(t *testing.T) {
	server := createTestServer(t, stubEvaluator{err: domain.ErrEvaluatorNotConfigured}, nil)
	id := createTestSet(t, server)
	configure(t, server, id, titleKPIs)

	rr := do(t, server, http.MethodPost, "/testsets/"+id+"/evaluate", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, server, http.MethodGet, "/testsets/"+id, nil)
	view := decode[TestSetView](t, rr)
	if view.ResultCount != 0 {
		t.Errorf("expected no stored results, got %d", view.ResultCount)
	}
}

func TestReEvaluate_Failure(t *testing.T) {
	server := createTestServer(t, stubEvaluator{err: errors.New("provider error 500")}, nil)
	id := createTestSet(t, server)
	configure(t, server, id, titleKPIs)

	// Per-record failures fall back; the run still produces results.
	rr := do(t, server, http.MethodPost, "/testsets/"+id+"/evaluate", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, server, http.MethodPost, "/testsets/"+id+"/records/A/reevaluate", ReEvaluateRequest{Feedback: "retry"})
	if rr.Code != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAsk(t *testing.T) {
	server := createTestServer(t, nil, func(d *Deps) {
		d.Responder = stubResponder{answer: "Record B has the lowest score."}
	})
	id := createTestSet(t, server)
	configure(t, server, id, titleKPIs)

	rr := do(t, server, http.MethodPost, "/testsets/"+id+"/ask", AskRequest{Question: "worst?"})
	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409 before results, got %d", rr.Code)
	}

	do(t, server, http.MethodPost, "/testsets/"+id+"/evaluate", nil)

	rr = do(t, server, http.MethodPost, "/testsets/"+id+"/ask", AskRequest{Question: "worst?"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode[map[string]string](t, rr)["answer"]; got != "Record B has the lowest score." {
		t.Errorf("unexpected answer: %q", got)
	}

	rr = do(t, server, http.MethodPost, "/testsets/"+id+"/ask", AskRequest{Question: ""})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for empty question, got %d", rr.Code)
	}
}

func TestEvaluate_Async(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		server := createTestServer(t, nil, nil)
		id := createTestSet(t, server)
		configure(t, server, id, titleKPIs)

		rr := do(t, server, http.MethodPost, "/testsets/"+id+"/evaluate?async=true", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Queued", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		requests := make(chan domain.RunRequest, 1)
		eventBus.Subscribe(context.Background(), domain.GlobalNamespace, domain.TopicRunRequested,
			func(ctx context.Context, msg *domain.Message) error {
				var req domain.RunRequest
				json.Unmarshal(msg.Payload, &req)
				requests <- req
				return nil
			})

		server := createTestServer(t, nil, func(d *Deps) {
			d.Bus = eventBus
			d.AsyncRuns = true
		})
		id := createTestSet(t, server)
		configure(t, server, id, titleKPIs)

		rr := do(t, server, http.MethodPost, "/testsets/"+id+"/evaluate?async=true", nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		runID := decode[map[string]string](t, rr)["runId"]

		select {
		case req := <-requests:
			if req.RunID != runID || req.TestSetID != id {
				t.Errorf("unexpected run request: %+v", req)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for run request")
		}
	})
}
