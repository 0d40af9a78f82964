// Package redisqueue runs compiled sagas on Redis Streams.
//
// Every task is one stream entry with a task field and a data field. A
// Worker reads the stream through a consumer group, dispatches each entry to
// a sagatask.TaskRegistry and acknowledges it once the handler succeeds.
// Failed entries stay pending and are claimed again after ClaimMinIdle;
// entries that fail permanently or too often are copied to the
// "<stream>:dlq" stream and acknowledged.
//
// Enqueue writes the W3C trace context of its ctx into the entry, and the
// Worker restores it before dispatching, so every task of a saga instance
// joins the trace of the task that enqueued it.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortressi/sagatask"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/propagation"
)

const (
	fieldTask = "task"
	fieldData = "data"
)

// Config describes the stream a Worker consumes.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	// BatchSize is the number of entries read or claimed at once.
	BatchSize int
	// Block is how long a read waits for new entries. A negative value
	// does not wait at all.
	Block time.Duration
	// MaxRetries is how many redeliveries an entry gets before it is
	// dead-lettered. 0 retries forever.
	MaxRetries int
	// ClaimMinIdle is how long an entry must sit unacknowledged before
	// Reclaim takes it over. A negative value claims entries at once.
	ClaimMinIdle time.Duration
	// ReclaimInterval is how often Start calls Reclaim.
	ReclaimInterval time.Duration
}

// DefaultConfig holds the defaults applied to zero Config fields.
var DefaultConfig = Config{
	Stream:          "sagatask",
	Group:           "sagatask",
	Consumer:        "worker",
	BatchSize:       10,
	Block:           5 * time.Second,
	MaxRetries:      3,
	ClaimMinIdle:    30 * time.Second,
	ReclaimInterval: 30 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultConfig.Stream
	}
	if c.Group == "" {
		c.Group = DefaultConfig.Group
	}
	if c.Consumer == "" {
		c.Consumer = DefaultConfig.Consumer
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig.BatchSize
	}
	if c.Block == 0 {
		c.Block = DefaultConfig.Block
	}
	if c.ClaimMinIdle == 0 {
		c.ClaimMinIdle = DefaultConfig.ClaimMinIdle
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultConfig.ReclaimInterval
	}
	return c
}

// DeadLetterStream is the stream dead entries of stream are copied to.
func DeadLetterStream(stream string) string {
	return stream + ":dlq"
}

// Queue appends tasks to a stream. It implements sagatask.Enqueuer.
type Queue struct {
	client redis.UniversalClient
	stream string
}

// NewQueue returns a Queue that appends to stream.
func NewQueue(client redis.UniversalClient, stream string) *Queue {
	return &Queue{client: client, stream: stream}
}

// Enqueue adds one entry to the stream.
func (q *Queue) Enqueue(ctx context.Context, task string, payload json.RawMessage) error {
	values := map[string]interface{}{
		fieldTask: task,
		fieldData: string(payload),
	}
	injectTrace(ctx, values)
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Worker consumes a stream on behalf of a task registry.
type Worker struct {
	client redis.UniversalClient
	queue  *Queue
	reg    *sagatask.TaskRegistry
	cfg    Config
	log    zerolog.Logger
}

// NewWorker creates a worker. Zero fields of cfg take their DefaultConfig
// value, except MaxRetries where 0 means retry forever. Tasks enqueued by handlers go to the same stream.
func NewWorker(client redis.UniversalClient, reg *sagatask.TaskRegistry, cfg Config, log zerolog.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		client: client,
		queue:  NewQueue(client, cfg.Stream),
		reg:    reg,
		cfg:    cfg,
		log: log.With().
			Str("stream", cfg.Stream).
			Str("group", cfg.Group).
			Str("consumer", cfg.Consumer).
			Logger(),
	}
}

// Queue returns the enqueuer for the worker's stream.
func (w *Worker) Queue() *Queue {
	return w.queue
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (w *Worker) EnsureGroup(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// Start creates the group, takes over stale entries and then consumes until
// ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return err
	}
	if _, err := w.Reclaim(ctx); err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}
	w.log.Info().Msg("worker started")

	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Reclaim(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("reclaim failed")
			}
		default:
		}

		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Poll reads one batch of new entries and processes them. It returns the
// number of entries read.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.cfg.Group,
		Consumer: w.cfg.Consumer,
		Streams:  []string{w.cfg.Stream, ">"},
		Count:    int64(w.cfg.BatchSize),
		Block:    w.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("xreadgroup: %w", err)
	}

	n := 0
	for _, s := range streams {
		for _, m := range s.Messages {
			n++
			if err := w.process(ctx, m, 1); err != nil {
				w.log.Error().Err(err).Str("message_id", m.ID).Msg("process message failed")
			}
		}
	}
	return n, nil
}

// Reclaim claims one batch of entries that have been pending for at least
// ClaimMinIdle and processes them again, dead-lettering those that exceeded
// MaxRetries. It returns the number of entries claimed.
func (w *Worker) Reclaim(ctx context.Context) (int, error) {
	pending, err := w.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: w.cfg.Stream,
		Group:  w.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(w.cfg.BatchSize),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}

	minIdle := max(w.cfg.ClaimMinIdle, 0)
	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	messages, err := w.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   w.cfg.Stream,
		Group:    w.cfg.Group,
		Consumer: w.cfg.Consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xclaim: %w", err)
	}

	for _, m := range messages {
		delivered := deliveries[m.ID]
		if w.exhausted(int(delivered)) {
			if err := w.deadLetter(ctx, m, fmt.Sprintf("max retries exceeded: %d", delivered)); err != nil {
				w.log.Error().Err(err).Str("message_id", m.ID).Msg("dead-letter failed")
			}
			continue
		}
		if err := w.process(ctx, m, int(delivered)+1); err != nil {
			w.log.Error().Err(err).Str("message_id", m.ID).Msg("process pending message failed")
		}
	}
	return len(messages), nil
}

// exhausted reports whether an entry delivered attempt times may not be
// delivered again.
func (w *Worker) exhausted(attempt int) bool {
	return w.cfg.MaxRetries > 0 && attempt > w.cfg.MaxRetries
}

// process dispatches one entry. Handler errors are not returned: the entry
// is either left pending for a retry or dead-lettered. The returned error
// concerns the stream itself.
func (w *Worker) process(ctx context.Context, m redis.XMessage, attempt int) error {
	task, _ := m.Values[fieldTask].(string)
	data, ok := m.Values[fieldData].(string)
	if task == "" || !ok {
		return w.deadLetter(ctx, m, "entry has no task or data field")
	}

	log := w.log.With().Str("message_id", m.ID).Int("attempt", attempt).Logger()
	ctx = extractTrace(ctx, m.Values)
	err := w.reg.Dispatch(log.WithContext(ctx), w.queue, sagatask.Job{
		ID:      m.ID,
		Task:    task,
		Payload: json.RawMessage(data),
		Attempt: attempt,
		Meta:    m,
	})
	if err == nil {
		return w.ack(ctx, m.ID)
	}

	if sagatask.IsPermanent(err) || w.exhausted(attempt) {
		return w.deadLetter(ctx, m, err.Error())
	}
	log.Debug().Err(err).Str("task", task).Msg("task left pending for retry")
	return nil
}

// deadLetter copies the entry to the dead-letter stream and acknowledges it.
func (w *Worker) deadLetter(ctx context.Context, m redis.XMessage, reason string) error {
	err := w.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(w.cfg.Stream),
		Values: map[string]interface{}{
			"stream":   w.cfg.Stream,
			"msgId":    m.ID,
			"reason":   reason,
			fieldTask:  m.Values[fieldTask],
			fieldData:  m.Values[fieldData],
			"tsMs":     time.Now().UnixMilli(),
			"group":    w.cfg.Group,
			"consumer": w.cfg.Consumer,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	w.log.Warn().Str("message_id", m.ID).Str("reason", reason).Msg("message dead-lettered")
	return w.ack(ctx, m.ID)
}

func (w *Worker) ack(ctx context.Context, id string) error {
	if err := w.client.XAck(ctx, w.cfg.Stream, w.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

var traceContext = propagation.TraceContext{}

func injectTrace(ctx context.Context, values map[string]interface{}) {
	carrier := propagation.MapCarrier{}
	traceContext.Inject(ctx, carrier)
	for k, v := range carrier {
		values[k] = v
	}
}

func extractTrace(ctx context.Context, values map[string]interface{}) context.Context {
	carrier := propagation.MapCarrier{}
	for _, k := range traceContext.Fields() {
		if v, ok := values[k].(string); ok {
			carrier[k] = v
		}
	}
	return traceContext.Extract(ctx, carrier)
}
