package sagatask

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TaskSeparator joins the parts of a compiled task name.
	TaskSeparator = "|"
	// CancelSuffix is the last part of a compensation task name.
	CancelSuffix = "cancel"
)

// EntryTaskName is the name of the task that starts a saga.
func EntryTaskName(saga string) string {
	return saga
}

// ForwardTaskName is the name of the task that runs a step.
func ForwardTaskName(saga, step string) string {
	return saga + TaskSeparator + step
}

// CompensationTaskName is the name of the task that compensates a step.
func CompensationTaskName(saga, step string) string {
	return saga + TaskSeparator + step + TaskSeparator + CancelSuffix
}

// RunFunc is the forward action of a step. Its result must be JSON
// serializable; it becomes visible to later steps under the step's name.
// Returning sc.Cancel(reason) unwinds the saga; any other error is left to
// the queue substrate.
type RunFunc func(ctx context.Context, sc StepContext) (any, error)

// CancelFunc compensates a step. runResult is the JSON value the step's
// RunFunc returned.
type CancelFunc func(ctx context.Context, sc StepContext, runResult json.RawMessage) error

// RunFuncOf adapts a typed forward action.
func RunFuncOf[R any](fn func(ctx context.Context, sc StepContext) (R, error)) RunFunc {
	return func(ctx context.Context, sc StepContext) (any, error) {
		result, err := fn(ctx, sc)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// CancelFuncOf adapts a typed compensation, decoding the run result into R.
func CancelFuncOf[R any](fn func(ctx context.Context, sc StepContext, runResult R) error) CancelFunc {
	return func(ctx context.Context, sc StepContext, raw json.RawMessage) error {
		var result R
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decode run result of step %q: %w", sc.Step, err)
		}
		return fn(ctx, sc, result)
	}
}

// Step is the immutable descriptor of one saga step.
type Step struct {
	Name   string
	Index  int
	run    RunFunc
	cancel CancelFunc
}

// HasCancel reports whether the step defines a compensation.
func (s *Step) HasCancel() bool {
	return s.cancel != nil
}

func validStepName(name string) error {
	if name == "" {
		return fmt.Errorf("step name must not be empty")
	}
	if strings.Contains(name, TaskSeparator) {
		return fmt.Errorf("step name %q must not contain %q", name, TaskSeparator)
	}
	return nil
}

// PayloadContract validates the raw payload a saga is started with.
type PayloadContract interface {
	Validate(payload json.RawMessage) error
}

// ContractFunc adapts a function to a PayloadContract.
type ContractFunc func(payload json.RawMessage) error

func (f ContractFunc) Validate(payload json.RawMessage) error {
	return f(payload)
}

// JSONContract decodes the payload into P, rejecting unknown fields, and
// then applies check when it is non-nil.
func JSONContract[P any](check func(P) error) PayloadContract {
	return ContractFunc(func(payload json.RawMessage) error {
		p, err := decodeStrict[P](payload)
		if err != nil {
			return err
		}
		if check != nil {
			return check(p)
		}
		return nil
	})
}

func decodeStrict[P any](payload json.RawMessage) (P, error) {
	var p P
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, err
	}
	if dec.More() {
		return p, fmt.Errorf("unexpected data after payload")
	}
	return p, nil
}

// anyJSON is the contract of a saga created without one.
var anyJSON = ContractFunc(func(payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
})
