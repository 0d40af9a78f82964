// Package memqueue is an in-memory, single-process queue substrate for
// compiled sagas. It is meant for tests and examples: nothing survives the
// process.
package memqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fortressi/sagatask"
	"github.com/rs/zerolog"
)

// DefaultMaxAttempts is used when a Queue is created without WithMaxAttempts.
const DefaultMaxAttempts = 3

// Message is one queued task.
type Message struct {
	ID      string
	Task    string
	Payload json.RawMessage
	// Attempt is the number of deliveries so far.
	Attempt int
}

// DeadLetter is a message the queue gave up on, with the last error.
type DeadLetter struct {
	Message
	Err error
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets how many times a failing message is delivered before
// it is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithLogger sets the logger attached to the context of every delivery.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// Queue is a FIFO queue. A failed delivery goes back to the tail; permanent
// errors and exhausted messages go to the dead letters.
type Queue struct {
	maxAttempts int
	logger      zerolog.Logger

	mu      sync.Mutex
	seq     int
	pending []Message
	history []string
	dead    []DeadLetter
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		maxAttempts: DefaultMaxAttempts,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements sagatask.Enqueuer.
func (q *Queue) Enqueue(_ context.Context, task string, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.pending = append(q.pending, Message{
		ID:      fmt.Sprintf("mem-%d", q.seq),
		Task:    task,
		Payload: append(json.RawMessage(nil), payload...),
	})
	return nil
}

// Pending returns a copy of the messages waiting for delivery.
func (q *Queue) Pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.pending...)
}

// History returns the task names delivered so far, in delivery order.
// Retries appear once per delivery.
func (q *Queue) History() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.history...)
}

// DeadLetters returns the messages the queue gave up on.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// RunNext delivers the message at the head of the queue to reg. It reports
// false when the queue is empty. The returned error is the handler's.
func (q *Queue) RunNext(ctx context.Context, reg *sagatask.TaskRegistry) (bool, error) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return false, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	msg.Attempt++
	q.history = append(q.history, msg.Task)
	q.mu.Unlock()

	log := q.logger.With().Str("message_id", msg.ID).Int("attempt", msg.Attempt).Logger()
	err := reg.Dispatch(log.WithContext(ctx), q, sagatask.Job{
		ID:      msg.ID,
		Task:    msg.Task,
		Payload: msg.Payload,
		Attempt: msg.Attempt,
	})
	if err == nil {
		return true, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if sagatask.IsPermanent(err) || msg.Attempt >= q.maxAttempts {
		log.Error().Err(err).Str("task", msg.Task).Msg("message dead-lettered")
		q.dead = append(q.dead, DeadLetter{Message: msg, Err: err})
		return true, err
	}
	q.pending = append(q.pending, msg)
	return true, err
}

// Drain delivers messages until the queue is empty or ctx is done. Handler
// errors are not returned; they show up as retries and dead letters.
func (q *Queue) Drain(ctx context.Context, reg *sagatask.TaskRegistry) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ran, _ := q.RunNext(ctx, reg)
		if !ran {
			return nil
		}
	}
}
