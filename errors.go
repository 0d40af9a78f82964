package sagatask

import (
	"errors"
	"fmt"
)

// ValidationError is returned by an entry task whose payload fails the
// saga's PayloadContract. The saga never starts.
type ValidationError struct {
	Saga string
	error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("saga %q: invalid payload: %v", e.Saga, e.error)
}

func (e *ValidationError) Unwrap() error { return e.error }

// CancellationSignal is returned by a step's run action, via
// StepContext.Cancel, to unwind the saga. It is not a failure: the forward
// handler converts it into a compensation and never lets it escape.
type CancellationSignal struct {
	Step   string
	Reason string
}

func (s *CancellationSignal) Error() string {
	return fmt.Sprintf("step %q cancelled the saga: %s", s.Step, s.Reason)
}

// DuplicateStepNameError is returned by AddStep when a step name is reused.
type DuplicateStepNameError struct {
	Saga string
	Step string
}

func (e *DuplicateStepNameError) Error() string {
	return fmt.Sprintf("saga %q: step with name '%s' already exists", e.Saga, e.Step)
}

// MisconfiguredSagaError is returned by Compile for a structurally invalid
// saga definition.
type MisconfiguredSagaError struct {
	Saga string
	error
}

// Misconfigured builds a MisconfiguredSagaError from a message.
func Misconfigured(saga, format string, args ...any) error {
	return &MisconfiguredSagaError{Saga: saga, error: fmt.Errorf(format, args...)}
}

func (e *MisconfiguredSagaError) Error() string {
	return fmt.Sprintf("saga %q is misconfigured: %v", e.Saga, e.error)
}

func (e *MisconfiguredSagaError) Unwrap() error { return e.error }

// RegistryCollisionError is returned when two compiled tasks share a name.
type RegistryCollisionError struct {
	Task string
}

func (e *RegistryCollisionError) Error() string {
	return fmt.Sprintf("task with name '%s' already registered", e.Task)
}

// MalformedEnvelopeError is returned by a step or compensation task whose
// payload is not an Envelope produced for that task, for instance because a
// caller enqueued an internal task directly.
type MalformedEnvelopeError struct {
	Task string
	error
}

func malformed(task, format string, args ...any) error {
	return &MalformedEnvelopeError{Task: task, error: fmt.Errorf(format, args...)}
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("task %q: malformed envelope: %v", e.Task, e.error)
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.error }

// UnknownTaskError is returned by TaskRegistry.Dispatch for a name it does
// not hold.
type UnknownTaskError struct {
	Task string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("task %q not found", e.Task)
}

// SerializeError wraps a step result that cannot be encoded as JSON.
type SerializeError struct {
	Step string
	error
}

func (e *SerializeError) Error() string {
	return fmt.Sprintf("step %q: serialize result failed: %v", e.Step, e.error)
}

func (e *SerializeError) Unwrap() error { return e.error }

// IsPermanent reports whether retrying the task that returned err can never
// succeed. Substrates should dead-letter such tasks instead of retrying them.
func IsPermanent(err error) bool {
	var (
		validation *ValidationError
		envelope   *MalformedEnvelopeError
		unknown    *UnknownTaskError
	)
	return errors.As(err, &validation) || errors.As(err, &envelope) || errors.As(err, &unknown)
}
