package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matcher"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type fixture struct {
	bus  *bus.ChannelBus
	repo *repository.SQLRepository
	orch *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	orch := orchestrator.New(engine, orchestrator.Config{BatchSize: 2}, orchestrator.WithEventBus(eventBus))
	return &fixture{bus: eventBus, repo: repo, orch: orch}
}

func (f *fixture) seed(t *testing.T, id string, kpis []domain.KPI) {
	t.Helper()
	ts := &domain.TestSet{
		ID:     id,
		Name:   id,
		Source: []domain.Row{{"MSID": "A", "title": "shoe"}, {"MSID": "B", "title": "hat"}, {"MSID": "C", "title": "sock"}},
		Target: []domain.Row{{"MSID": "A", "title": "shoe"}, {"MSID": "B", "title": "cap"}, {"MSID": "C", "title": "sock"}},
		KPIs:   kpis,
	}
	if err := f.repo.SaveTestSet(context.Background(), ts); err != nil {
		t.Fatalf("SaveTestSet failed: %v", err)
	}
}

func (f *fixture) await(t *testing.T, namespace, topic string) <-chan domain.RunEvent {
	t.Helper()
	events := make(chan domain.RunEvent, 4)
	_, err := f.bus.Subscribe(context.Background(), namespace, topic, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.RunEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return events
}

func receive(t *testing.T, events <-chan domain.RunEvent) domain.RunEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for run event")
		return domain.RunEvent{}
	}
}

var titleKPI = []domain.KPI{{
	ID:          1,
	Name:        "Title match",
	Description: "Titles agree",
	Expression:  "source.title == target.title",
}}

func TestWorker_StartAndStop(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.bus, f.repo, f.orch, Config{Concurrency: 2})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}
	if stats.Topics[0] != domain.TopicRunRequested {
		t.Errorf("expected topic %s, got %s", domain.TopicRunRequested, stats.Topics[0])
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if stats := w.GetStats(); stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorker_ProcessRunRequest(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ts-1", titleKPI)

	w := NewWorker(f.bus, f.repo, f.orch, Config{Match: matcher.DefaultOptions()})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	completed := f.await(t, "ts-1", domain.TopicRunCompleted)

	err := Request(context.Background(), f.bus, domain.RunRequest{RunID: "run-1", TestSetID: "ts-1"})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	ev := receive(t, completed)
	if ev.RunID != "run-1" || ev.Records != 3 {
		t.Errorf("unexpected completion event: %+v", ev)
	}

	// Results are saved after the completion event; poll briefly.
	var ts *domain.TestSet
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts, err = f.repo.GetTestSet(context.Background(), "ts-1")
		if err != nil {
			t.Fatalf("GetTestSet failed: %v", err)
		}
		if len(ts.Results) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(ts.Results) != 3 {
		t.Fatalf("expected 3 stored results, got %d", len(ts.Results))
	}
	want := map[string]int{"A": 5, "B": 1, "C": 5}
	for i, msid := range []string{"A", "B", "C"} {
		res := ts.Results[i]
		if res.MSID != msid {
			t.Errorf("result %d: expected %s, got %s", i, msid, res.MSID)
		}
		if res.Scores[0].Score != want[msid] {
			t.Errorf("%s: expected score %d, got %d", msid, want[msid], res.Scores[0].Score)
		}
	}
}

func TestWorker_UnknownTestSet(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.bus, f.repo, f.orch, Config{})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	failed := f.await(t, "missing", domain.TopicRunFailed)

	if err := Request(context.Background(), f.bus, domain.RunRequest{RunID: "run-x", TestSetID: "missing"}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	ev := receive(t, failed)
	if ev.RunID != "run-x" || ev.Error == "" {
		t.Errorf("unexpected failure event: %+v", ev)
	}
}

func TestWorker_NoKPIs(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ts-empty", nil)

	w := NewWorker(f.bus, f.repo, f.orch, Config{})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	failed := f.await(t, "ts-empty", domain.TopicRunFailed)
	Request(context.Background(), f.bus, domain.RunRequest{RunID: "run-e", TestSetID: "ts-empty"})

	ev := receive(t, failed)
	if ev.Error == "" {
		t.Error("expected an error for a test set without kpis")
	}
}

// cancellingEvaluator cancels the run from inside the first scoring call.
type cancellingEvaluator struct{ cancel context.CancelFunc }

func (e cancellingEvaluator) Score(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
	e.cancel()
	return nil, ctx.Err()
}

func (e cancellingEvaluator) Rescore(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
	return nil, errors.New("not used")
}

// countFailures counts run.failed events for a namespace.
func (f *fixture) countFailures(t *testing.T, namespace string) *atomic.Int32 {
	t.Helper()
	var n atomic.Int32
	_, err := f.bus.Subscribe(context.Background(), namespace, domain.TopicRunFailed, func(ctx context.Context, msg *domain.Message) error {
		n.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return &n
}

func TestWorker_EvaluatorUnavailablePublishesFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ts-noeval", titleKPI)

	orch := orchestrator.New(nil, orchestrator.Config{BatchSize: 2}, orchestrator.WithEventBus(f.bus))
	w := NewWorker(f.bus, f.repo, orch, Config{Match: matcher.DefaultOptions()})
	failed := f.await(t, "ts-noeval", domain.TopicRunFailed)

	err := w.process(context.Background(), domain.RunRequest{RunID: "run-n", TestSetID: "ts-noeval"})
	if !errors.Is(err, orchestrator.ErrEvaluatorUnavailable) {
		t.Fatalf("expected ErrEvaluatorUnavailable, got %v", err)
	}

	ev := receive(t, failed)
	if ev.RunID != "run-n" || ev.Error == "" {
		t.Errorf("unexpected failure event: %+v", ev)
	}
}

func TestWorker_CancelledRunPublishesFailureOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ts-cancel", titleKPI)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch := orchestrator.New(cancellingEvaluator{cancel: cancel}, orchestrator.Config{BatchSize: 2}, orchestrator.WithEventBus(f.bus))
	w := NewWorker(f.bus, f.repo, orch, Config{Match: matcher.DefaultOptions()})
	failures := f.countFailures(t, "ts-cancel")
	failed := f.await(t, "ts-cancel", domain.TopicRunFailed)

	err := w.process(ctx, domain.RunRequest{RunID: "run-c", TestSetID: "ts-cancel"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	ev := receive(t, failed)
	if ev.RunID != "run-c" {
		t.Errorf("unexpected failure event: %+v", ev)
	}
	time.Sleep(50 * time.Millisecond)
	if n := failures.Load(); n != 1 {
		t.Errorf("expected one failure event, got %d", n)
	}

	ts, err := f.repo.GetTestSet(context.Background(), "ts-cancel")
	if err != nil {
		t.Fatalf("GetTestSet failed: %v", err)
	}
	if len(ts.Results) != 0 {
		t.Errorf("cancelled run should not persist results, got %d", len(ts.Results))
	}
}

func TestWorker_ClaimIsExclusive(t *testing.T) {
	w := NewWorker(bus.NewChannelBus(1), nil, nil, Config{})

	if !w.claim("ts-1") {
		t.Fatal("expected first claim to succeed")
	}
	if w.claim("ts-1") {
		t.Error("expected second claim to fail while in flight")
	}
	if !w.claim("ts-2") {
		t.Error("expected a different test set to be claimable")
	}
	if got := w.GetStats().InFlight; got != 2 {
		t.Errorf("expected 2 in flight, got %d", got)
	}

	w.release("ts-1")
	if !w.claim("ts-1") {
		t.Error("expected claim after release to succeed")
	}
}
