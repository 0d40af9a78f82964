package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/fortressi/sagatask"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func testConfig() Config {
	return Config{
		Stream:       "tasks",
		Group:        "workers",
		Consumer:     "w1",
		Block:        -1,
		MaxRetries:   1,
		ClaimMinIdle: -1,
	}
}

func drain(t *testing.T, w *Worker) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 100, "stream did not drain")
		n, err := w.Poll(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func pendingCount(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), "tasks", "workers").Result()
	require.NoError(t, err)
	return p.Count
}

func TestEnqueueAddsEntry(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, NewQueue(rdb, "tasks").Enqueue(ctx, "S", json.RawMessage(`{"a":1}`)))

	entries, err := rdb.XRange(ctx, "tasks", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "S", entries[0].Values["task"])
	assert.Equal(t, `{"a":1}`, entries[0].Values["data"])
}

func TestPollRunsSaga(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	var trace []string
	record := func(name string) sagatask.RunFunc {
		return func(_ context.Context, sc sagatask.StepContext) (any, error) {
			trace = append(trace, name)
			assert.NotEmpty(t, sc.Job.ID)
			assert.Equal(t, 1, sc.Job.Attempt)
			return name, nil
		}
	}
	b := sagatask.NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", record("x"), nil))
	require.NoError(t, b.AddStep("y", record("y"), nil))
	reg, err := b.Compile()
	require.NoError(t, err)

	w := NewWorker(rdb, reg, testConfig(), zerolog.Nop())
	require.NoError(t, w.EnsureGroup(ctx))
	require.NoError(t, w.EnsureGroup(ctx), "an existing group is fine")
	require.NoError(t, w.Queue().Enqueue(ctx, "S", json.RawMessage(`{}`)))

	drain(t, w)

	assert.Equal(t, []string{"x", "y"}, trace)
	assert.Zero(t, pendingCount(t, rdb))
	dlq, err := rdb.XLen(ctx, DeadLetterStream("tasks")).Result()
	require.NoError(t, err)
	assert.Zero(t, dlq)
}

func TestFailedEntryIsReclaimedThenDeadLettered(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	var attempts []int
	b := sagatask.NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", func(_ context.Context, sc sagatask.StepContext) (any, error) {
		attempts = append(attempts, sc.Job.Attempt)
		return nil, errors.New("downstream unavailable")
	}, nil))
	reg, err := b.Compile()
	require.NoError(t, err)

	w := NewWorker(rdb, reg, testConfig(), zerolog.Nop())
	require.NoError(t, w.EnsureGroup(ctx))
	require.NoError(t, w.Queue().Enqueue(ctx, "S", json.RawMessage(`{}`)))

	drain(t, w)
	assert.Equal(t, []int{1}, attempts)
	assert.Equal(t, int64(1), pendingCount(t, rdb), "the failed entry stays pending")

	claimed, err := w.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	assert.Equal(t, []int{1, 2}, attempts)

	assert.Zero(t, pendingCount(t, rdb))
	dead, err := rdb.XRange(ctx, DeadLetterStream("tasks"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "S|x", dead[0].Values["task"])
	assert.Equal(t, "downstream unavailable", dead[0].Values["reason"])
}

func TestPermanentErrorIsDeadLetteredAtOnce(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	reg, err := sagatask.NewSaga("S", nil).Compile()
	require.NoError(t, err)

	w := NewWorker(rdb, reg, testConfig(), zerolog.Nop())
	require.NoError(t, w.EnsureGroup(ctx))
	require.NoError(t, w.Queue().Enqueue(ctx, "unknown", json.RawMessage(`{}`)))
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "tasks",
		Values: map[string]interface{}{"data": "{}"},
	}).Err())

	drain(t, w)

	assert.Zero(t, pendingCount(t, rdb))
	dead, err := rdb.XRange(ctx, DeadLetterStream("tasks"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "unknown", dead[0].Values["task"])
	assert.Equal(t, "entry has no task or data field", dead[1].Values["reason"])
}

func TestReclaimWithNothingPending(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	reg, err := sagatask.NewSaga("S", nil).Compile()
	require.NoError(t, err)

	w := NewWorker(rdb, reg, testConfig(), zerolog.Nop())
	require.NoError(t, w.EnsureGroup(ctx))

	claimed, err := w.Reclaim(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestStartConsumesUntilCancelled(t *testing.T) {
	rdb := newTestRedis(t)

	var done atomic.Bool
	b := sagatask.NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", func(context.Context, sagatask.StepContext) (any, error) {
		done.Store(true)
		return nil, nil
	}, nil))
	reg, err := b.Compile()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Block = 20 * time.Millisecond
	w := NewWorker(rdb, reg, cfg, zerolog.Nop())
	require.NoError(t, w.Queue().Enqueue(context.Background(), "S", json.RawMessage(`{}`)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Start(ctx) }()

	assert.Eventually(t, done.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig.Stream, cfg.Stream)
	assert.Equal(t, DefaultConfig.BatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultConfig.Block, cfg.Block)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, DefaultConfig.ClaimMinIdle, cfg.ClaimMinIdle)

	cfg = Config{Block: -1, ClaimMinIdle: -1}.withDefaults()
	assert.Equal(t, time.Duration(-1), cfg.Block)
	assert.Equal(t, time.Duration(-1), cfg.ClaimMinIdle)
}

func TestReclaimLeavesBusyEntriesAlone(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	var attempts int
	b := sagatask.NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", func(context.Context, sagatask.StepContext) (any, error) {
		attempts++
		return nil, errors.New("downstream unavailable")
	}, nil))
	reg, err := b.Compile()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ClaimMinIdle = 0
	w := NewWorker(rdb, reg, cfg, zerolog.Nop())
	require.NoError(t, w.EnsureGroup(ctx))
	require.NoError(t, w.Queue().Enqueue(ctx, "S", json.RawMessage(`{}`)))
	drain(t, w)
	require.Equal(t, 1, attempts)

	claimed, err := w.Reclaim(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed, "a fresh pending entry is still owned by its consumer")
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int64(1), pendingCount(t, rdb))
}

func TestTasksOfOneInstanceShareATrace(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := sagatask.NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", func(context.Context, sagatask.StepContext) (any, error) { return 1, nil }, nil))
	require.NoError(t, b.AddStep("y", func(context.Context, sagatask.StepContext) (any, error) { return 2, nil }, nil))
	reg, err := b.Compile(sagatask.WithTracerProvider(tp))
	require.NoError(t, err)

	w := NewWorker(rdb, reg, testConfig(), zerolog.Nop())
	require.NoError(t, w.EnsureGroup(ctx))
	require.NoError(t, w.Queue().Enqueue(ctx, "S", json.RawMessage(`{}`)))
	drain(t, w)

	entries, err := rdb.XRange(ctx, "tasks", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.NotContains(t, entries[0].Values, "traceparent", "enqueued outside any span")
	assert.Contains(t, entries[1].Values, "traceparent")

	spans := sr.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, []string{"S", "S|x", "S|y"}, []string{spans[0].Name(), spans[1].Name(), spans[2].Name()})
	assert.False(t, spans[0].Parent().IsValid(), "the entry task starts the trace")
	for i := 1; i < len(spans); i++ {
		assert.Equal(t, spans[0].SpanContext().TraceID(), spans[i].SpanContext().TraceID())
		assert.Equal(t, spans[i-1].SpanContext().SpanID(), spans[i].Parent().SpanID())
		assert.True(t, spans[i].Parent().IsRemote())
	}
}
