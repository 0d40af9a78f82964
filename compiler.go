package sagatask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// compiledSaga is the immutable form of a saga definition shared by all of
// its task handlers.
type compiledSaga struct {
	name     string
	contract PayloadContract
	steps    []*Step
	opts     options
}

// taskFunc is a handler body. It reports the transition it made.
type taskFunc func(ctx context.Context, q Enqueuer, job Job, log zerolog.Logger) (Outcome, error)

func compile(s *compiledSaga) (*TaskRegistry, error) {
	reg := newTaskRegistry()

	entry := EntryTaskName(s.name)
	if err := reg.register(entry, s.handler(kindEntry, entry, s.runEntry)); err != nil {
		return nil, err
	}
	for _, step := range s.steps {
		task := ForwardTaskName(s.name, step.Name)
		if err := reg.register(task, s.handler(kindForward, task, s.runForward(step))); err != nil {
			return nil, err
		}
		if !step.HasCancel() {
			continue
		}
		task = CompensationTaskName(s.name, step.Name)
		if err := reg.register(task, s.handler(kindCompensate, task, s.runCompensation(step))); err != nil {
			return nil, err
		}
	}

	reg.sagas = []*compiledSaga{s}
	return reg, nil
}

// handler wraps a handler body with tracing, logging and metrics. The error
// from fn is returned to the substrate unchanged.
func (s *compiledSaga) handler(kind taskKind, task string, fn taskFunc) TaskHandler {
	return func(ctx context.Context, q Enqueuer, job Job) error {
		start := time.Now()
		ctx, span := s.opts.tracer.Start(ctx, task, trace.WithAttributes(
			attribute.String("saga.name", s.name),
			attribute.String("saga.task", task),
			attribute.String("saga.kind", string(kind)),
			attribute.Int("saga.attempt", job.Attempt),
		))
		defer span.End()

		log := s.opts.loggerFor(ctx).With().
			Str("saga", s.name).
			Str("task", task).
			Str("job_id", job.ID).
			Logger()

		outcome, err := fn(ctx, q, job, log)
		if err != nil {
			outcome = OutcomeFailed
			if IsPermanent(err) {
				outcome = OutcomeRejected
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn().Err(err).Str("outcome", outcome.String()).Msg("saga task failed")
		}
		span.SetAttributes(attribute.String("saga.outcome", outcome.String()))
		s.opts.metrics.observe(s.name, kind, outcome, time.Since(start))
		return err
	}
}

func (s *compiledSaga) runEntry(ctx context.Context, q Enqueuer, job Job, log zerolog.Logger) (Outcome, error) {
	if err := s.contract.Validate(job.Payload); err != nil {
		return OutcomeRejected, &ValidationError{Saga: s.name, error: err}
	}
	// The payload is embedded in every envelope, so it must be JSON whatever
	// the contract accepts.
	if !json.Valid(job.Payload) {
		return OutcomeRejected, &ValidationError{Saga: s.name, error: errors.New("payload is not valid JSON")}
	}

	instance := instanceID(s.name, job.ID)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("saga.instance", instance.String()))
	log = log.With().Str("instance", instance.String()).Logger()

	if len(s.steps) == 0 {
		log.Info().Msg("saga completed")
		return OutcomeCompleted, nil
	}

	first := s.steps[0]
	env := Envelope{
		Saga:      s.name,
		Instance:  instance,
		Step:      first.Index,
		Direction: Forward,
		Payload:   job.Payload,
	}
	if err := s.enqueue(ctx, q, ForwardTaskName(s.name, first.Name), env); err != nil {
		return OutcomeFailed, err
	}
	log.Info().Msg("saga started")
	return OutcomeAdvanced, nil
}

func (s *compiledSaga) runForward(step *Step) taskFunc {
	task := ForwardTaskName(s.name, step.Name)
	return func(ctx context.Context, q Enqueuer, job Job, log zerolog.Logger) (Outcome, error) {
		env, err := s.decode(task, job.Payload, Forward, step.Index)
		if err != nil {
			return OutcomeRejected, err
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("saga.instance", env.Instance.String()))
		log = log.With().Str("instance", env.Instance.String()).Logger()

		out, err := step.run(ctx, newStepContext(env, step, job))
		if err != nil {
			var signal *CancellationSignal
			if errors.As(err, &signal) {
				return s.unwind(ctx, q, task, env, step.Index, signal.Reason, log)
			}
			return OutcomeFailed, err
		}

		result, err := json.Marshal(out)
		if err != nil {
			return OutcomeFailed, &SerializeError{Step: step.Name, error: err}
		}

		if step.Index == len(s.steps)-1 {
			log.Info().Msg("saga completed")
			return OutcomeCompleted, nil
		}

		next := s.steps[step.Index+1]
		if err := s.enqueue(ctx, q, ForwardTaskName(s.name, next.Name), env.advance(step, result)); err != nil {
			return OutcomeFailed, err
		}
		log.Debug().Str("next", next.Name).Msg("saga advanced")
		return OutcomeAdvanced, nil
	}
}

func (s *compiledSaga) runCompensation(step *Step) taskFunc {
	task := CompensationTaskName(s.name, step.Name)
	return func(ctx context.Context, q Enqueuer, job Job, log zerolog.Logger) (Outcome, error) {
		env, err := s.decode(task, job.Payload, Compensate, step.Index)
		if err != nil {
			return OutcomeRejected, err
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("saga.instance", env.Instance.String()))
		log = log.With().Str("instance", env.Instance.String()).Logger()

		// A CancellationSignal returned here is an ordinary error.
		if err := step.cancel(ctx, newStepContext(env, step, job), env.RunResult); err != nil {
			return OutcomeFailed, err
		}
		return s.unwind(ctx, q, task, env, step.Index, env.Reason, log)
	}
}

// unwind enqueues the compensation of the closest step before from that has
// one, or ends the saga as cancelled. task is the running task.
func (s *compiledSaga) unwind(ctx context.Context, q Enqueuer, task string, env Envelope, from int, reason string, log zerolog.Logger) (Outcome, error) {
	j, ok := NextCompensationTarget(s.steps, from)
	if !ok {
		log.Info().Str("reason", reason).Msg("saga cancelled")
		return OutcomeCancelled, nil
	}

	target := s.steps[j]
	next, err := env.compensateAt(target, reason)
	if err != nil {
		return OutcomeRejected, malformed(task, "%v", err)
	}
	if err := s.enqueue(ctx, q, CompensationTaskName(s.name, target.Name), next); err != nil {
		return OutcomeFailed, err
	}
	log.Info().Str("compensate", target.Name).Str("reason", reason).Msg("saga compensating")
	return OutcomeCompensating, nil
}

// decode parses payload and checks it is an envelope addressed to the step
// at index, moving in direction dir.
func (s *compiledSaga) decode(task string, payload json.RawMessage, dir Direction, index int) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, malformed(task, "%v", err)
	}
	switch {
	case env.Saga != s.name:
		return Envelope{}, malformed(task, "envelope belongs to saga %q", env.Saga)
	case env.Instance == uuid.Nil:
		return Envelope{}, malformed(task, "envelope has no saga instance")
	case env.Direction != dir:
		return Envelope{}, malformed(task, "envelope direction is %s, want %s", env.Direction, dir)
	case env.Step != index:
		return Envelope{}, malformed(task, "envelope addresses step %d, want %d", env.Step, index)
	case env.Results.Len() != index:
		return Envelope{}, malformed(task, "envelope carries %d results, want %d", env.Results.Len(), index)
	case dir == Compensate && len(env.RunResult) == 0:
		return Envelope{}, malformed(task, "compensate envelope has no run result")
	}
	for k := 0; k < index; k++ {
		res, ok := env.Results.At(k)
		if !ok || res.Step != s.steps[k].Name {
			return Envelope{}, malformed(task, "envelope has no result for step %q", s.steps[k].Name)
		}
	}
	return env, nil
}

func (s *compiledSaga) enqueue(ctx context.Context, q Enqueuer, task string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope for %s: %w", task, err)
	}
	if err := q.Enqueue(ctx, task, payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", task, err)
	}
	return nil
}

// instanceID derives the saga instance from the entry delivery so that a
// redelivered entry task starts the same instance.
func instanceID(saga, jobID string) uuid.UUID {
	if jobID == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(saga+TaskSeparator+jobID))
}
