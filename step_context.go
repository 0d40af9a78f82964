package sagatask

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// StepContext provides context to individual step and compensation actions.
type StepContext struct {
	Saga     string
	Step     string
	Index    int
	Instance uuid.UUID
	// Job is the delivery as the queue substrate handed it over.
	Job Job

	payload json.RawMessage
	results Results
	reason  string
}

func newStepContext(env Envelope, step *Step, job Job) StepContext {
	return StepContext{
		Saga:     env.Saga,
		Step:     step.Name,
		Index:    step.Index,
		Instance: env.Instance,
		Job:      job,
		payload:  env.Payload,
		results:  env.Results,
		reason:   env.Reason,
	}
}

// Payload returns the validated payload the saga was started with.
func (sc StepContext) Payload() json.RawMessage {
	return sc.payload
}

// DecodePayload unmarshals the initial payload into v.
func (sc StepContext) DecodePayload(v any) error {
	return json.Unmarshal(sc.payload, v)
}

// Results returns the results of the steps before this one.
func (sc StepContext) Results() Results {
	return sc.results
}

// Lookup retrieves the output of a previous step by name.
func (sc StepContext) Lookup(step string) (json.RawMessage, bool) {
	return sc.results.Get(step)
}

// Reason returns the cancellation reason while compensating, and "" while
// running forward.
func (sc StepContext) Reason() string {
	return sc.reason
}

// Cancel returns the signal a run action returns to unwind the saga:
//
//	if !approved {
//		return nil, sc.Cancel("payment declined")
//	}
func (sc StepContext) Cancel(reason string) error {
	return &CancellationSignal{Step: sc.Step, Reason: reason}
}

// Lookup retrieves and unmarshals the output of a previous step.
func Lookup[R any](sc StepContext, step string) (R, error) {
	var result R
	raw, ok := sc.Lookup(step)
	if !ok {
		return result, fmt.Errorf("no output found for step %q", step)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("decode output of step %q: %w", step, err)
	}
	return result, nil
}

// PayloadAs unmarshals the initial payload into P.
func PayloadAs[P any](sc StepContext) (P, error) {
	var p P
	err := sc.DecodePayload(&p)
	return p, err
}
