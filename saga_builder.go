package sagatask

import (
	"github.com/fortressi/sagatask/set"
)

// SagaBuilder accumulates the ordered steps of a saga. Compile turns it into
// a TaskRegistry; the builder can keep growing afterwards without affecting
// what was compiled.
type SagaBuilder struct {
	name      string
	contract  PayloadContract
	steps     []*Step
	stepNames *set.Set[string]
}

// NewSaga creates an empty saga definition. A nil contract accepts any
// valid JSON payload.
func NewSaga(name string, contract PayloadContract) *SagaBuilder {
	return &SagaBuilder{
		name:      name,
		contract:  contract,
		stepNames: &set.Set[string]{},
	}
}

// Name returns the saga name.
func (b *SagaBuilder) Name() string {
	return b.name
}

// AddStep appends a step. cancel may be nil for a step that needs no
// compensation.
func (b *SagaBuilder) AddStep(name string, run RunFunc, cancel CancelFunc) error {
	if !b.stepNames.Insert(name) {
		return &DuplicateStepNameError{Saga: b.name, Step: name}
	}
	b.steps = append(b.steps, &Step{
		Name:   name,
		Index:  len(b.steps),
		run:    run,
		cancel: cancel,
	})
	return nil
}

// Steps returns the steps added so far, in order.
func (b *SagaBuilder) Steps() []Step {
	steps := make([]Step, len(b.steps))
	for i, s := range b.steps {
		steps[i] = *s
	}
	return steps
}

// Compile validates the definition and produces its task registry: the
// entry task, one forward task per step and one compensation task per step
// that defines a compensation.
func (b *SagaBuilder) Compile(opts ...Option) (*TaskRegistry, error) {
	if b.name == "" {
		return nil, Misconfigured(b.name, "saga name must not be empty")
	}

	steps := make([]*Step, len(b.steps))
	for i, s := range b.steps {
		if err := validStepName(s.Name); err != nil {
			return nil, Misconfigured(b.name, "step %d: %w", i, err)
		}
		if s.run == nil {
			return nil, Misconfigured(b.name, "step %q has no run action", s.Name)
		}
		step := *s
		step.Index = i
		steps[i] = &step
	}

	contract := b.contract
	if contract == nil {
		contract = anyJSON
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return compile(&compiledSaga{
		name:     b.name,
		contract: contract,
		steps:    steps,
		opts:     o,
	})
}
