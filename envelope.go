package sagatask

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

const resultsDegree = 8

// StepResult is the JSON value a step's run action returned.
type StepResult struct {
	Step   string          `json:"step"`
	Index  int             `json:"index"`
	Result json.RawMessage `json:"result"`
}

// Results holds the forward results of the steps before the current one,
// ordered by step index. A Results value is never modified after it has
// been built; successors are derived copies. The zero value is empty.
type Results struct {
	tree *btree.Map[int, StepResult]
}

// Len returns the number of results.
func (r Results) Len() int {
	if r.tree == nil {
		return 0
	}
	return r.tree.Len()
}

// At returns the result of the step at index i.
func (r Results) At(i int) (StepResult, bool) {
	if r.tree == nil {
		return StepResult{}, false
	}
	return r.tree.Get(i)
}

// Get returns the result recorded under a step name.
func (r Results) Get(step string) (json.RawMessage, bool) {
	var (
		found json.RawMessage
		ok    bool
	)
	r.scan(func(res StepResult) bool {
		if res.Step == step {
			found, ok = res.Result, true
			return false
		}
		return true
	})
	return found, ok
}

// All returns the results in step order.
func (r Results) All() []StepResult {
	all := make([]StepResult, 0, r.Len())
	r.scan(func(res StepResult) bool {
		all = append(all, res)
		return true
	})
	return all
}

// Map returns the results keyed by step name.
func (r Results) Map() map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, r.Len())
	r.scan(func(res StepResult) bool {
		m[res.Step] = res.Result
		return true
	})
	return m
}

func (r Results) scan(fn func(StepResult) bool) {
	if r.tree == nil {
		return
	}
	r.tree.Scan(func(_ int, res StepResult) bool {
		return fn(res)
	})
}

// with returns a copy of r that also holds res.
func (r Results) with(res StepResult) Results {
	var tree *btree.Map[int, StepResult]
	if r.tree != nil {
		tree = r.tree.Copy()
	} else {
		tree = btree.NewMap[int, StepResult](resultsDegree)
	}
	tree.Set(res.Index, res)
	return Results{tree: tree}
}

// before returns a copy of r restricted to indices below j.
func (r Results) before(j int) Results {
	tree := btree.NewMap[int, StepResult](resultsDegree)
	r.scan(func(res StepResult) bool {
		if res.Index >= j {
			return false
		}
		tree.Set(res.Index, res)
		return true
	})
	return Results{tree: tree}
}

// MarshalJSON encodes the results as an array in step order.
func (r Results) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.All())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Results.
func (r *Results) UnmarshalJSON(data []byte) error {
	var all []StepResult
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	tree := btree.NewMap[int, StepResult](resultsDegree)
	for _, res := range all {
		if _, dup := tree.Set(res.Index, res); dup {
			return fmt.Errorf("duplicate result for step index %d", res.Index)
		}
	}
	r.tree = tree
	return nil
}

// Envelope is the message every step and compensation task receives. It
// carries everything the handler needs; no lookup outside it is required.
type Envelope struct {
	Saga      string          `json:"saga"`
	Instance  uuid.UUID       `json:"instance"`
	Step      int             `json:"step"`
	Direction Direction       `json:"direction"`
	Payload   json.RawMessage `json:"payload"`
	Results   Results         `json:"results"`

	// RunResult is the forward result of the step being compensated. It is
	// only set on compensate envelopes.
	RunResult json.RawMessage `json:"run_result,omitempty"`
	// Reason is the cancellation reason that started the unwind.
	Reason string `json:"reason,omitempty"`
}

// advance builds the forward envelope for the step after env's, recording
// the result of env's step.
func (env Envelope) advance(step *Step, result json.RawMessage) Envelope {
	return Envelope{
		Saga:      env.Saga,
		Instance:  env.Instance,
		Step:      step.Index + 1,
		Direction: Forward,
		Payload:   env.Payload,
		Results:   env.Results.with(StepResult{Step: step.Name, Index: step.Index, Result: result}),
	}
}

// compensateAt builds the compensate envelope for target. The target's
// own result moves out of Results into RunResult.
func (env Envelope) compensateAt(target *Step, reason string) (Envelope, error) {
	res, ok := env.Results.At(target.Index)
	if !ok || res.Step != target.Name {
		return Envelope{}, fmt.Errorf("no result recorded for step %q", target.Name)
	}
	return Envelope{
		Saga:      env.Saga,
		Instance:  env.Instance,
		Step:      target.Index,
		Direction: Compensate,
		Payload:   env.Payload,
		Results:   env.Results.before(target.Index),
		RunResult: res.Result,
		Reason:    reason,
	}, nil
}
