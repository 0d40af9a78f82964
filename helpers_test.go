package sagatask

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Test saga: Order Processing
// Flow: reserve_stock -> charge_payment -> ship_order

type OrderRequest struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

type enqueued struct {
	Task    string
	Payload json.RawMessage
}

// recordingQueue is an Enqueuer that keeps what it was given, in order.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task string, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, enqueued{Task: task, Payload: append(json.RawMessage(nil), payload...)})
	return nil
}

func (q *recordingQueue) pending() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.tasks...)
}

func (q *recordingQueue) pop(t *testing.T) enqueued {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.tasks, "expected an enqueued task")
	next := q.tasks[0]
	q.tasks = q.tasks[1:]
	return next
}

// runSaga enqueues the entry task and dispatches every task it leads to,
// returning the task names in execution order.
func runSaga(t *testing.T, reg *TaskRegistry, saga string, payload string) []string {
	t.Helper()
	ctx := context.Background()
	q := &recordingQueue{}
	require.NoError(t, q.Enqueue(ctx, EntryTaskName(saga), json.RawMessage(payload)))

	var trace []string
	for i := 0; len(q.pending()) > 0; i++ {
		require.Less(t, i, 100, "saga did not terminate")
		next := q.pop(t)
		trace = append(trace, next.Task)
		require.NoError(t, reg.Dispatch(ctx, q, Job{Task: next.Task, Payload: next.Payload, Attempt: 1}))
	}
	return trace
}

// dispatch runs one task and returns what it enqueued.
func dispatch(t *testing.T, reg *TaskRegistry, task enqueued) ([]enqueued, error) {
	t.Helper()
	q := &recordingQueue{}
	err := reg.Dispatch(context.Background(), q, Job{Task: task.Task, Payload: task.Payload, Attempt: 1})
	return q.pending(), err
}

func decodeEnvelope(t *testing.T, payload json.RawMessage) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

func constant(v any) RunFunc {
	return func(context.Context, StepContext) (any, error) {
		return v, nil
	}
}

func noopCancel(context.Context, StepContext, json.RawMessage) error {
	return nil
}

func cancelling(reason string) RunFunc {
	return func(_ context.Context, sc StepContext) (any, error) {
		return nil, sc.Cancel(reason)
	}
}
