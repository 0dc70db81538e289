// Package orchestrator drives batched, concurrent evaluation of joined records.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrEvaluatorUnavailable means no evaluator could score anything:
	// it is missing or reports itself unconfigured. No results are returned.
	ErrEvaluatorUnavailable = errors.New("evaluator unavailable")

	// ErrAllRecordsFailed is returned alongside the results when every
	// record of a non-empty run fell back.
	ErrAllRecordsFailed = errors.New("all records failed evaluation")

	// ErrReEvaluationFailed wraps the cause of a failed single-record rescore.
	ErrReEvaluationFailed = errors.New("re-evaluation failed")
)

// CacheNamespace holds cached results. Keys are content hashes, so entries
// are shared by every test set.
const CacheNamespace = "results"

var tracer = otel.Tracer("kestrel-orchestrator")

// Config holds orchestration settings.
type Config struct {
	BatchSize   int
	CallTimeout time.Duration
	ResultTTL   time.Duration
}

// Orchestrator scores joined records through an Evaluator. Batches run in
// sequence; records within a batch run concurrently.
type Orchestrator struct {
	evaluator domain.Evaluator
	cache     domain.Cache
	bus       domain.EventBus
	cfg       Config

	scored  metric.Int64Counter
	failed  metric.Int64Counter
	batches metric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache enables result caching.
func WithCache(c domain.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithEventBus enables run lifecycle events.
func WithEventBus(b domain.EventBus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// New creates an orchestrator. A nil evaluator is allowed; every run then
// fails with ErrEvaluatorUnavailable.
func New(evaluator domain.Evaluator, cfg Config, opts ...Option) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = domain.DefaultBatchSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}

	o := &Orchestrator{
		evaluator: evaluator,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := otel.Meter("kestrel-orchestrator")
	o.scored = counter(meter, "kestrel.records.scored", "Records scored successfully")
	o.failed = counter(meter, "kestrel.records.failed", "Records that fell back to the failed score")
	o.batches = counter(meter, "kestrel.batches", "Batches processed")

	return o
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		slog.Warn("failed to create counter", "name", name, "error", err)
		c, _ = noop.NewMeterProvider().Meter("").Int64Counter(name)
	}
	return c
}

// BatchSize returns the configured batch size.
func (o *Orchestrator) BatchSize() int {
	return o.cfg.BatchSize
}

// RunInfo identifies a run for events and logs.
type RunInfo struct {
	ID        string
	TestSetID string
}

// RunAll scores every record and returns one result per record in input
// order. Per-record failures become fallback results.
func (o *Orchestrator) RunAll(ctx context.Context, records []domain.JoinedRecord, kpis []domain.KPI) ([]domain.EvaluationResult, error) {
	return o.Run(ctx, RunInfo{}, records, kpis)
}

// Run is RunAll with run identity for events and logging.
//
// Cancellation is checked between batches and after each batch. A batch cut
// short by cancellation is dropped: only completed batches are returned, with
// the context error.
func (o *Orchestrator) Run(ctx context.Context, info RunInfo, records []domain.JoinedRecord, kpis []domain.KPI) ([]domain.EvaluationResult, error) {
	if info.ID == "" {
		info.ID = uuid.New().String()
	}
	if len(records) == 0 {
		return []domain.EvaluationResult{}, nil
	}
	if o.evaluator == nil {
		return nil, ErrEvaluatorUnavailable
	}

	batches, err := batch.Plan(records, o.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("run.id", info.ID),
			attribute.String("testset.id", info.TestSetID),
			attribute.Int("records", len(records)),
			attribute.Int("batches", len(batches)),
		),
	)
	defer span.End()

	start := time.Now()
	slog.Info("evaluation run started",
		"run_id", info.ID,
		"test_set_id", info.TestSetID,
		"records", len(records),
		"batches", len(batches),
		"batch_size", o.cfg.BatchSize,
	)
	o.publish(ctx, info.TestSetID, domain.TopicRunStarted, domain.RunEvent{
		RunID:     info.ID,
		TestSetID: info.TestSetID,
		Batches:   len(batches),
		Records:   len(records),
	})

	results := make([]domain.EvaluationResult, 0, len(records))
	failed := 0
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return results, o.cancelled(ctx, span, info, len(records), i, err)
		}

		out, batchFailed, err := o.runBatch(ctx, b, kpis)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, o.cancelled(ctx, span, info, len(records), i, ctxErr)
			}
			return nil, o.abort(ctx, span, info, len(records), err)
		}
		results = append(results, out...)
		failed += batchFailed

		o.batches.Add(ctx, 1)
		o.publish(ctx, info.TestSetID, domain.TopicBatchCompleted, domain.RunEvent{
			RunID:     info.ID,
			TestSetID: info.TestSetID,
			Batch:     i + 1,
			Batches:   len(batches),
			Records:   len(out),
			Failed:    batchFailed,
		})
	}

	slog.Info("evaluation run completed",
		"run_id", info.ID,
		"test_set_id", info.TestSetID,
		"records", len(results),
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	o.publish(ctx, info.TestSetID, domain.TopicRunCompleted, domain.RunEvent{
		RunID:     info.ID,
		TestSetID: info.TestSetID,
		Batches:   len(batches),
		Records:   len(results),
		Failed:    failed,
	})

	if failed == len(results) {
		span.SetStatus(codes.Error, ErrAllRecordsFailed.Error())
		return results, ErrAllRecordsFailed
	}
	return results, nil
}

// runBatch scores one batch. The returned slice is in batch order.
// An error is returned only for systemic failure, or with the context error
// when cancellation left records unscored.
func (o *Orchestrator) runBatch(ctx context.Context, records []domain.JoinedRecord, kpis []domain.KPI) ([]domain.EvaluationResult, int, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Batch",
		trace.WithAttributes(attribute.Int("records", len(records))),
	)
	defer span.End()

	results := make([]*domain.EvaluationResult, len(records))
	keys := make([]string, len(records))
	var pending []int
	for i, rec := range records {
		keys[i] = CacheKey(rec, kpis)
		if cached := o.cached(ctx, keys[i], rec.MSID); cached != nil {
			results[i] = cached
			continue
		}
		pending = append(pending, i)
	}

	var unavailable atomic.Bool
	if scorer, ok := o.evaluator.(domain.BatchScorer); ok && len(pending) > 0 {
		o.scoreBatch(ctx, scorer, records, kpis, pending, results, &unavailable)
	} else {
		var g errgroup.Group
		for _, idx := range pending {
			g.Go(func() error {
				res, err := o.scoreOne(ctx, records[idx], kpis)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if errors.Is(err, domain.ErrEvaluatorNotConfigured) {
						unavailable.Store(true)
					}
					slog.Warn("record evaluation failed, using fallback",
						"msid", records[idx].MSID,
						"error", err,
					)
					return nil
				}
				results[idx] = res
				return nil
			})
		}
		_ = g.Wait()
	}

	if err := ctx.Err(); err != nil {
		for _, idx := range pending {
			if results[idx] == nil {
				return nil, 0, err
			}
		}
	}
	if unavailable.Load() {
		return nil, 0, fmt.Errorf("%w: %w", ErrEvaluatorUnavailable, domain.ErrEvaluatorNotConfigured)
	}

	out := make([]domain.EvaluationResult, len(records))
	failed := 0
	for i, res := range results {
		if res == nil {
			out[i] = *domain.FallbackResult(records[i].MSID, kpis)
			failed++
			continue
		}
		out[i] = *res
		o.store(ctx, keys[i], res)
	}

	o.scored.Add(ctx, int64(len(records)-failed))
	o.failed.Add(ctx, int64(failed))
	span.SetAttributes(attribute.Int("failed", failed))
	return out, failed, nil
}

// scoreOne scores a single record under the per-call timeout.
func (o *Orchestrator) scoreOne(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
	res, err := withTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) (*domain.EvaluationResult, error) {
		return o.evaluator.Score(ctx, rec, kpis)
	})
	if err != nil {
		return nil, err
	}
	return domain.ValidateResult(res, rec.MSID, kpis)
}

// scoreBatch sends the pending records of a batch as one call. A failed
// call leaves every pending slot empty so they fall back together.
func (o *Orchestrator) scoreBatch(ctx context.Context, scorer domain.BatchScorer, records []domain.JoinedRecord, kpis []domain.KPI, pending []int, results []*domain.EvaluationResult, unavailable *atomic.Bool) {
	sub := make([]domain.JoinedRecord, len(pending))
	for i, idx := range pending {
		sub[i] = records[idx]
	}

	outcomes, err := withTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) ([]domain.ScoreOutcome, error) {
		return scorer.ScoreBatch(ctx, sub, kpis)
	})
	if err == nil && len(outcomes) != len(sub) {
		err = fmt.Errorf("batch returned %d outcomes for %d records", len(outcomes), len(sub))
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrEvaluatorNotConfigured) {
			unavailable.Store(true)
		}
		slog.Warn("batch evaluation failed, using fallback for batch",
			"records", len(sub),
			"error", err,
		)
		return
	}

	for i, outcome := range outcomes {
		rec := sub[i]
		if outcome.Err != nil {
			if errors.Is(outcome.Err, domain.ErrEvaluatorNotConfigured) {
				unavailable.Store(true)
			}
			slog.Warn("record evaluation failed, using fallback", "msid", rec.MSID, "error", outcome.Err)
			continue
		}
		res, err := domain.ValidateResult(outcome.Result, rec.MSID, kpis)
		if err != nil {
			slog.Warn("record evaluation invalid, using fallback", "msid", rec.MSID, "error", err)
			continue
		}
		results[pending[i]] = res
	}
}

// ReEvaluate rescores one record with user feedback. Unlike Run, failures
// are returned as ErrReEvaluationFailed rather than substituted.
func (o *Orchestrator) ReEvaluate(ctx context.Context, record domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
	if o.evaluator == nil {
		return nil, ErrEvaluatorUnavailable
	}

	ctx, span := tracer.Start(ctx, "orchestrator.ReEvaluate",
		trace.WithAttributes(attribute.String("msid", record.MSID)),
	)
	defer span.End()

	res, err := withTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) (*domain.EvaluationResult, error) {
		return o.evaluator.Rescore(ctx, record, kpis, feedback)
	})
	if err == nil {
		res, err = domain.ValidateResult(res, record.MSID, kpis)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrEvaluatorNotConfigured) {
			return nil, fmt.Errorf("%w: %w", ErrEvaluatorUnavailable, err)
		}
		return nil, fmt.Errorf("%w for %s: %w", ErrReEvaluationFailed, record.MSID, err)
	}

	o.store(ctx, CacheKey(record, kpis), res)
	slog.Info("record re-evaluated", "msid", record.MSID)
	return res, nil
}

// withTimeout runs fn under a deadline and returns when either finishes.
// fn keeps running in the background if it ignores its context.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (o *Orchestrator) cached(ctx context.Context, key, msid string) *domain.EvaluationResult {
	if o.cache == nil || key == "" {
		return nil
	}
	res, err := o.cache.GetResult(ctx, CacheNamespace, key)
	if err != nil {
		slog.Debug("result cache read failed", "error", err)
		return nil
	}
	if res == nil || res.MSID != msid || res.Failed() {
		return nil
	}
	return res
}

func (o *Orchestrator) store(ctx context.Context, key string, res *domain.EvaluationResult) {
	if o.cache == nil || key == "" || res.Failed() {
		return
	}
	if err := o.cache.SetResult(ctx, CacheNamespace, key, res, o.cfg.ResultTTL); err != nil {
		slog.Debug("result cache write failed", "error", err)
	}
}

// cancelled ends a run stopped by its context after done complete batches.
func (o *Orchestrator) cancelled(ctx context.Context, span trace.Span, info RunInfo, records, done int, err error) error {
	slog.Warn("evaluation run cancelled",
		"run_id", info.ID,
		"test_set_id", info.TestSetID,
		"completed_batches", done,
		"error", err,
	)
	return o.abort(ctx, span, info, records, err)
}

// abort records a failed run and publishes TopicRunFailed. The returned
// error wraps err and reports true from FailurePublished once the event is
// out.
func (o *Orchestrator) abort(ctx context.Context, span trace.Span, info RunInfo, records int, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	sent := o.publish(context.WithoutCancel(ctx), info.TestSetID, domain.TopicRunFailed, domain.RunEvent{
		RunID:     info.ID,
		TestSetID: info.TestSetID,
		Records:   records,
		Error:     err.Error(),
	})
	if !sent {
		return err
	}
	return &publishedError{err: err}
}

// publishedError marks a run error already announced on the event bus.
type publishedError struct{ err error }

func (e *publishedError) Error() string { return e.err.Error() }
func (e *publishedError) Unwrap() error { return e.err }

// FailurePublished reports whether err comes from a run that already
// published TopicRunFailed, so callers do not announce it twice.
func FailurePublished(err error) bool {
	var p *publishedError
	return errors.As(err, &p)
}

func (o *Orchestrator) publish(ctx context.Context, testSetID, topic string, event domain.RunEvent) bool {
	if o.bus == nil {
		return false
	}
	namespace := testSetID
	if namespace == "" {
		namespace = domain.GlobalNamespace
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if err := o.bus.Publish(ctx, namespace, topic, payload); err != nil {
		slog.Warn("failed to publish run event", "topic", topic, "error", err)
		return false
	}
	return true
}
