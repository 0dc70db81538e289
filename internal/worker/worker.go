// Package worker runs evaluation requests published on the event bus so that
// long runs do not hold an HTTP request open.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matcher"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
)

// ErrRunInProgress is reported when a test set already has a run in flight
// on this worker.
var ErrRunInProgress = errors.New("run already in progress")

// Worker consumes TopicRunRequested from the global namespace.
type Worker struct {
	bus   domain.EventBus
	repo  domain.Repository
	orch  *orchestrator.Orchestrator
	match matcher.Options

	mu            sync.Mutex
	inFlight      map[string]bool
	subscriptions []domain.Subscription
	slots         chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of test sets evaluated at once.
	Concurrency int

	// Match controls how restored test sets are re-joined.
	Match matcher.Options
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, orch *orchestrator.Orchestrator, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		orch:     orch,
		match:    cfg.Match,
		inFlight: make(map[string]bool),
		slots:    make(chan struct{}, cfg.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to run requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.GlobalNamespace, domain.TopicRunRequested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", domain.TopicRunRequested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicRunRequested,
		"concurrency", cap(w.slots),
	)
	return nil
}

// Request publishes a run request for a test set and returns its run ID.
func Request(ctx context.Context, bus domain.EventBus, req domain.RunRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, domain.GlobalNamespace, domain.TopicRunRequested, payload)
}

// handleMessage claims the test set and runs it on its own goroutine so the
// subscription keeps draining.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.RunRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse run request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.TestSetID == "" {
		return fmt.Errorf("run request %s has no test set", msg.ID)
	}
	if req.RunID == "" {
		req.RunID = msg.ID
	}

	if !w.claim(req.TestSetID) {
		w.fail(req, ErrRunInProgress)
		return ErrRunInProgress
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release(req.TestSetID)

		select {
		case w.slots <- struct{}{}:
		case <-w.ctx.Done():
			return
		}
		defer func() { <-w.slots }()

		if err := w.process(w.ctx, req); err != nil {
			slog.Error("run request failed",
				"run_id", req.RunID,
				"test_set_id", req.TestSetID,
				"error", err,
			)
		}
	}()
	return nil
}

// process evaluates one test set and persists the results. The orchestrator
// publishes the run lifecycle events; failures before the run starts are
// published here.
func (w *Worker) process(ctx context.Context, req domain.RunRequest) error {
	start := time.Now()

	ts, err := w.repo.GetTestSet(ctx, req.TestSetID)
	if err != nil {
		w.fail(req, err)
		return fmt.Errorf("load test set: %w", err)
	}

	state, err := orchestrator.RestoreState(ts, w.match)
	if err != nil {
		w.fail(req, err)
		return fmt.Errorf("restore test set: %w", err)
	}

	results, err := state.Evaluate(ctx, w.orch, orchestrator.RunInfo{
		ID:        req.RunID,
		TestSetID: req.TestSetID,
	})
	if err != nil && !errors.Is(err, orchestrator.ErrAllRecordsFailed) {
		// Partial results of a cancelled run are not persisted.
		if !orchestrator.FailurePublished(err) {
			w.fail(req, err)
		}
		return err
	}

	if err := w.repo.SaveResults(ctx, req.TestSetID, results); err != nil {
		return fmt.Errorf("save results: %w", err)
	}

	slog.Info("run request processed",
		"run_id", req.RunID,
		"test_set_id", req.TestSetID,
		"records", len(results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) fail(req domain.RunRequest, cause error) {
	payload, _ := json.Marshal(domain.RunEvent{
		RunID:     req.RunID,
		TestSetID: req.TestSetID,
		Error:     cause.Error(),
	})

	ns := req.TestSetID
	if ns == "" {
		ns = domain.GlobalNamespace
	}
	if err := w.bus.Publish(w.ctx, ns, domain.TopicRunFailed, payload); err != nil {
		slog.Error("failed to publish run failure",
			"run_id", req.RunID,
			"error", err,
		)
	}
}

func (w *Worker) claim(testSetID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[testSetID] {
		return false
	}
	w.inFlight[testSetID] = true
	return true
}

func (w *Worker) release(testSetID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, testSetID)
}

// Stop unsubscribes, cancels running evaluations and waits for them.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.inFlight),
	}
}
