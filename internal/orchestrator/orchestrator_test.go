package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var testKPIs = []domain.KPI{
	{ID: 1, Name: "Accuracy", ShortName: "ACCURACY", Description: "values agree"},
	{ID: 2, Name: "Completeness", ShortName: "COMPLETENE", Description: "no gaps"},
}

func joined(keys ...string) []domain.JoinedRecord {
	out := make([]domain.JoinedRecord, len(keys))
	for i, k := range keys {
		out[i] = domain.JoinedRecord{
			MSID:   k,
			Source: domain.Row{"MSID": k, "title": "s-" + k},
			Target: domain.Row{"MSID": k, "title": "t-" + k},
		}
	}
	return out
}

func ok(msid string, kpis []domain.KPI, score int) *domain.EvaluationResult {
	res := &domain.EvaluationResult{MSID: msid}
	for _, k := range kpis {
		res.Scores = append(res.Scores, domain.ScoreEntry{KPIID: k.ID, Score: score, Explanation: "fine"})
	}
	return res
}

// fakeEvaluator scores through a per-MSID hook.
type fakeEvaluator struct {
	score   func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error)
	rescore func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error)
	calls   atomic.Int32
}

func (f *fakeEvaluator) Score(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
	f.calls.Add(1)
	return f.score(ctx, rec, kpis)
}

func (f *fakeEvaluator) Rescore(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
	f.calls.Add(1)
	return f.rescore(ctx, rec, kpis, feedback)
}

func constant(score int) *fakeEvaluator {
	return &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			return ok(rec.MSID, kpis, score), nil
		},
	}
}

func TestRunAll_Empty(t *testing.T) {
	o := New(constant(5), Config{})
	results, err := o.RunAll(context.Background(), nil, testKPIs)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunAll_NilEvaluator(t *testing.T) {
	o := New(nil, Config{})
	results, err := o.RunAll(context.Background(), joined("A"), testKPIs)
	assert.ErrorIs(t, err, ErrEvaluatorUnavailable)
	assert.Nil(t, results)
}

func TestRunAll_EvaluatorNotConfigured(t *testing.T) {
	eval := &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			return nil, domain.ErrEvaluatorNotConfigured
		},
	}
	o := New(eval, Config{BatchSize: 2})
	results, err := o.RunAll(context.Background(), joined("A", "B", "C"), testKPIs)
	assert.ErrorIs(t, err, ErrEvaluatorUnavailable)
	assert.Nil(t, results)
	assert.Equal(t, int32(2), eval.calls.Load(), "stops after the first batch")
}

func TestRunAll_FallbackSubstitution(t *testing.T) {
	eval := &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			if rec.MSID == "C" {
				return nil, errors.New("model timeout")
			}
			return ok(rec.MSID, kpis, 4), nil
		},
	}
	o := New(eval, Config{BatchSize: 5})

	results, err := o.RunAll(context.Background(), joined("A", "B", "C", "D", "E"), testKPIs)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, r := range results {
		if r.MSID == "C" {
			assert.Equal(t, *domain.FallbackResult("C", testKPIs), r)
			continue
		}
		assert.False(t, r.Failed(), "record %d", i)
		assert.Equal(t, 4, r.Scores[0].Score)
	}
}

func TestRunAll_InvalidResultFallsBack(t *testing.T) {
	eval := &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			if rec.MSID == "B" {
				return ok(rec.MSID, kpis, 9), nil
			}
			return ok(rec.MSID, kpis, 3), nil
		},
	}
	results, err := New(eval, Config{}).RunAll(context.Background(), joined("A", "B"), testKPIs)
	require.NoError(t, err)
	assert.False(t, results[0].Failed())
	assert.True(t, results[1].Failed())
}

func TestRunAll_OrderPreservedUnderReversedCompletion(t *testing.T) {
	keys := []string{"R1", "R2", "R3", "R4"}
	delay := map[string]time.Duration{
		"R1": 80 * time.Millisecond,
		"R2": 60 * time.Millisecond,
		"R3": 40 * time.Millisecond,
		"R4": 0,
	}

	var mu sync.Mutex
	var completed []string
	eval := &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			time.Sleep(delay[rec.MSID])
			mu.Lock()
			completed = append(completed, rec.MSID)
			mu.Unlock()
			return ok(rec.MSID, kpis, 5), nil
		},
	}

	results, err := New(eval, Config{BatchSize: 4}).RunAll(context.Background(), joined(keys...), testKPIs)
	require.NoError(t, err)

	got := make([]string, len(results))
	for i, r := range results {
		got[i] = r.MSID
	}
	assert.Equal(t, keys, got)
	assert.Equal(t, "R4", completed[0], "last record finished first")
}

func TestRunAll_AllRecordsFailed(t *testing.T) {
	eval := &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			return nil, errors.New("rate limited")
		},
	}
	results, err := New(eval, Config{}).RunAll(context.Background(), joined("A", "B"), testKPIs)
	assert.ErrorIs(t, err, ErrAllRecordsFailed)
	require.Len(t, results, 2)
	assert.True(t, results[0].Failed())
	assert.True(t, results[1].Failed())
}

func TestRunAll_CallTimeout(t *testing.T) {
	eval := &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			if rec.MSID == "slow" {
				time.Sleep(time.Second)
			}
			return ok(rec.MSID, kpis, 2), nil
		},
	}
	o := New(eval, Config{CallTimeout: 20 * time.Millisecond})

	start := time.Now()
	results, err := o.RunAll(context.Background(), joined("fast", "slow"), testKPIs)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, results[0].Failed())
	assert.True(t, results[1].Failed())
}

func TestRunAll_CancelledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eval := &fakeEvaluator{
		score: func(_ context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			if rec.MSID == "B" {
				cancel()
			}
			return ok(rec.MSID, kpis, 3), nil
		},
	}

	results, err := New(eval, Config{BatchSize: 2}).RunAll(ctx, joined("A", "B", "C", "D"), testKPIs)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 2, "first batch kept")
}

func TestRunAll_CancelledDuringLastBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eval := &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			if rec.MSID == "C" {
				cancel()
				return nil, ctx.Err()
			}
			return ok(rec.MSID, kpis, 4), nil
		},
	}
	bus := &recordingBus{}
	o := New(eval, Config{BatchSize: 2}, WithEventBus(bus))

	results, err := o.Run(ctx, RunInfo{ID: "run-c", TestSetID: "ts-c"}, joined("A", "B", "C"), testKPIs)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, FailurePublished(err))

	require.Len(t, results, 2, "interrupted batch dropped")
	for _, res := range results {
		assert.False(t, res.Failed(), "%s should keep its score", res.MSID)
	}

	assert.Equal(t, []string{
		domain.TopicRunStarted,
		domain.TopicBatchCompleted,
		domain.TopicRunFailed,
	}, bus.topics)
	assert.Equal(t, "run-c", bus.events[2].RunID)
}

func TestRunAll_CancelledDuringBatchScorer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	scorer := &fakeBatchEvaluator{
		fakeEvaluator: constant(4),
		batch: func(records []domain.JoinedRecord, kpis []domain.KPI) ([]domain.ScoreOutcome, error) {
			cancel()
			return nil, context.Canceled
		},
	}

	results, err := New(scorer, Config{BatchSize: 2}).RunAll(ctx, joined("A", "B"), testKPIs)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestRunAll_BatchSizeRespected(t *testing.T) {
	var inFlight, peak atomic.Int32
	eval := &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return ok(rec.MSID, kpis, 3), nil
		},
	}

	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("K%d", i)
	}
	results, err := New(eval, Config{BatchSize: 3}).RunAll(context.Background(), joined(keys...), testKPIs)
	require.NoError(t, err)
	assert.Len(t, results, 10)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

type fakeBatchEvaluator struct {
	*fakeEvaluator
	batch func(records []domain.JoinedRecord, kpis []domain.KPI) ([]domain.ScoreOutcome, error)
	sizes []int
}

func (f *fakeBatchEvaluator) ScoreBatch(ctx context.Context, records []domain.JoinedRecord, kpis []domain.KPI) ([]domain.ScoreOutcome, error) {
	f.sizes = append(f.sizes, len(records))
	return f.batch(records, kpis)
}

func TestRunAll_BatchScorer(t *testing.T) {
	eval := &fakeBatchEvaluator{
		fakeEvaluator: constant(1),
		batch: func(records []domain.JoinedRecord, kpis []domain.KPI) ([]domain.ScoreOutcome, error) {
			if records[0].MSID == "C" {
				return nil, errors.New("connection reset")
			}
			out := make([]domain.ScoreOutcome, len(records))
			for i, r := range records {
				if r.MSID == "B" {
					out[i] = domain.ScoreOutcome{Err: errors.New("unparseable")}
					continue
				}
				out[i] = domain.ScoreOutcome{Result: ok(r.MSID, kpis, 5)}
			}
			return out, nil
		},
	}

	results, err := New(eval, Config{BatchSize: 2}).RunAll(context.Background(), joined("A", "B", "C", "D"), testKPIs)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, eval.sizes)
	assert.Equal(t, int32(0), eval.calls.Load(), "per-record path unused")

	assert.False(t, results[0].Failed())
	assert.True(t, results[1].Failed())
	assert.True(t, results[2].Failed(), "transport error fails the whole batch")
	assert.True(t, results[3].Failed())
}

func TestRunAll_BatchScorerWrongLength(t *testing.T) {
	eval := &fakeBatchEvaluator{
		fakeEvaluator: constant(1),
		batch: func(records []domain.JoinedRecord, kpis []domain.KPI) ([]domain.ScoreOutcome, error) {
			return []domain.ScoreOutcome{{Result: ok(records[0].MSID, kpis, 5)}}, nil
		},
	}
	results, err := New(eval, Config{}).RunAll(context.Background(), joined("A", "B"), testKPIs)
	assert.ErrorIs(t, err, ErrAllRecordsFailed)
	assert.Len(t, results, 2)
}

// memCache is a minimal domain.Cache for orchestrator tests.
type memCache struct {
	mu      sync.Mutex
	results map[string]*domain.EvaluationResult
}

func newMemCache() *memCache {
	return &memCache{results: make(map[string]*domain.EvaluationResult)}
}

func (c *memCache) Get(ctx context.Context, ns, key string) ([]byte, error) { return nil, nil }
func (c *memCache) Set(ctx context.Context, ns, key string, v []byte, ttl time.Duration) error {
	return nil
}
func (c *memCache) Delete(ctx context.Context, ns, key string) error { return nil }
func (c *memCache) GetResult(ctx context.Context, ns, key string) (*domain.EvaluationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[ns+":"+key], nil
}
func (c *memCache) SetResult(ctx context.Context, ns, key string, r *domain.EvaluationResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[ns+":"+key] = r
	return nil
}
func (c *memCache) Ping(ctx context.Context) error { return nil }
func (c *memCache) Close() error                   { return nil }

func TestRunAll_CacheSkipsScoredRecords(t *testing.T) {
	fail := true
	eval := &fakeEvaluator{
		score: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI) (*domain.EvaluationResult, error) {
			if rec.MSID == "B" && fail {
				return nil, errors.New("flaky")
			}
			return ok(rec.MSID, kpis, 4), nil
		},
	}
	cache := newMemCache()
	o := New(eval, Config{}, WithCache(cache))

	_, err := o.RunAll(context.Background(), joined("A", "B"), testKPIs)
	require.NoError(t, err)
	assert.Equal(t, int32(2), eval.calls.Load())
	assert.Len(t, cache.results, 1, "failed results are not cached")

	fail = false
	results, err := o.RunAll(context.Background(), joined("A", "B"), testKPIs)
	require.NoError(t, err)
	assert.Equal(t, int32(3), eval.calls.Load(), "only B rescored")
	assert.False(t, results[1].Failed())
}

func TestCacheKey_UnencodableRecordNotCached(t *testing.T) {
	rec := joined("A")[0]
	rec.Source = domain.Row{"MSID": "A", "title": make(chan int)}
	assert.Empty(t, CacheKey(rec, testKPIs))

	cache := newMemCache()
	eval := constant(4)
	o := New(eval, Config{}, WithCache(cache))

	for range 2 {
		results, err := o.RunAll(context.Background(), []domain.JoinedRecord{rec}, testKPIs)
		require.NoError(t, err)
		require.Len(t, results, 1)
	}
	assert.Empty(t, cache.results)
	assert.Equal(t, int32(2), eval.calls.Load(), "no cache hit without a key")
}

func TestCacheKey_ChangesWithKPIs(t *testing.T) {
	rec := joined("A")[0]
	k1 := CacheKey(rec, testKPIs)
	assert.Equal(t, k1, CacheKey(rec, testKPIs))

	edited := append([]domain.KPI(nil), testKPIs...)
	edited[0].Description = "stricter"
	assert.NotEqual(t, k1, CacheKey(rec, edited))
}

// recordingBus captures published topics.
type recordingBus struct {
	mu     sync.Mutex
	topics []string
	events []domain.RunEvent
}

func (b *recordingBus) Publish(ctx context.Context, ns, topic string, payload []byte) error {
	var ev domain.RunEvent
	_ = json.Unmarshal(payload, &ev)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.events = append(b.events, ev)
	return nil
}
func (b *recordingBus) Subscribe(ctx context.Context, ns, topic string, h domain.MessageHandler) (domain.Subscription, error) {
	return nil, nil
}
func (b *recordingBus) Ping(ctx context.Context) error { return nil }
func (b *recordingBus) Close() error                   { return nil }

func TestRun_PublishesLifecycle(t *testing.T) {
	bus := &recordingBus{}
	o := New(constant(5), Config{BatchSize: 2}, WithEventBus(bus))

	_, err := o.Run(context.Background(), RunInfo{ID: "run-1", TestSetID: "ts-1"}, joined("A", "B", "C"), testKPIs)
	require.NoError(t, err)

	assert.Equal(t, []string{
		domain.TopicRunStarted,
		domain.TopicBatchCompleted,
		domain.TopicBatchCompleted,
		domain.TopicRunCompleted,
	}, bus.topics)
	assert.Equal(t, "run-1", bus.events[0].RunID)
	assert.Equal(t, 3, bus.events[3].Records)
}

func TestReEvaluate(t *testing.T) {
	var gotFeedback string
	eval := &fakeEvaluator{
		rescore: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
			gotFeedback = feedback
			return ok(rec.MSID, kpis, 2), nil
		},
	}
	cache := newMemCache()
	o := New(eval, Config{}, WithCache(cache))
	rec := joined("A")[0]

	res, err := o.ReEvaluate(context.Background(), rec, testKPIs, "title differs only by case")
	require.NoError(t, err)
	assert.Equal(t, "title differs only by case", gotFeedback)
	assert.Equal(t, 2, res.Scores[0].Score)

	cached, _ := cache.GetResult(context.Background(), CacheNamespace, CacheKey(rec, testKPIs))
	assert.Equal(t, res, cached, "rescore refreshes cache")
}

func TestReEvaluate_HardError(t *testing.T) {
	eval := &fakeEvaluator{
		rescore: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
			return nil, errors.New("503 from provider")
		},
	}
	res, err := New(eval, Config{}).ReEvaluate(context.Background(), joined("A")[0], testKPIs, "")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrReEvaluationFailed)
	assert.Contains(t, err.Error(), "503 from provider")
}

func TestReEvaluate_Timeout(t *testing.T) {
	eval := &fakeEvaluator{
		rescore: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o := New(eval, Config{CallTimeout: 20 * time.Millisecond})

	res, err := o.ReEvaluate(context.Background(), joined("A")[0], testKPIs, "brand is wrong")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrReEvaluationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReEvaluate_InvalidResult(t *testing.T) {
	eval := &fakeEvaluator{
		rescore: func(ctx context.Context, rec domain.JoinedRecord, kpis []domain.KPI, feedback string) (*domain.EvaluationResult, error) {
			return ok(rec.MSID, kpis[:1], 4), nil
		},
	}
	_, err := New(eval, Config{}).ReEvaluate(context.Background(), joined("A")[0], testKPIs, "")
	assert.ErrorIs(t, err, ErrReEvaluationFailed)
	assert.ErrorIs(t, err, domain.ErrInvalidResult)
}

func TestSplice(t *testing.T) {
	results := []domain.EvaluationResult{*ok("A", testKPIs, 3), *ok("B", testKPIs, 2), *ok("C", testKPIs, 4)}
	updated := *ok("B", testKPIs, 5)

	out := Splice(results, updated)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{out[0].MSID, out[1].MSID, out[2].MSID})
	assert.Equal(t, results[0], out[0])
	assert.Equal(t, results[2], out[2])
	assert.Equal(t, 5, out[1].Scores[0].Score)
	assert.Equal(t, 2, results[1].Scores[0].Score, "input not mutated")

	out = Splice(results, *ok("D", testKPIs, 1))
	assert.Len(t, out, 4)
	assert.Equal(t, "D", out[3].MSID)
}
