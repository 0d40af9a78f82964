package sagatask

import (
	"encoding/json"
	"fmt"
)

// Direction tells a handler whether an Envelope is moving a saga forward or
// unwinding it.
type Direction int

const (
	Forward Direction = iota
	Compensate
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Compensate:
		return "compensate"
	default:
		return fmt.Sprintf("Unknown Direction: %d", d)
	}
}

// MarshalJSON implements the json.Marshaler interface for Direction.
func (d Direction) MarshalJSON() ([]byte, error) {
	switch d {
	case Forward, Compensate:
		return json.Marshal(d.String())
	default:
		return nil, fmt.Errorf("invalid Direction: %d", d)
	}
}

// UnmarshalJSON implements the json.Unmarshaler interface for Direction.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "forward":
		*d = Forward
	case "compensate":
		*d = Compensate
	default:
		return fmt.Errorf("invalid Direction: %s", str)
	}
	return nil
}

// Outcome is the transition a single task invocation produced. Completed and
// Cancelled are terminal for the saga instance.
type Outcome int

const (
	// OutcomeFailed means the invocation returned an error the substrate
	// should retry; the saga has not moved.
	OutcomeFailed Outcome = iota
	// OutcomeRejected means the invocation returned a permanent error.
	OutcomeRejected
	OutcomeAdvanced
	OutcomeCompleted
	OutcomeCompensating
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeCompleted:
		return "completed"
	case OutcomeCompensating:
		return "compensating"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Unknown Outcome: %d", o)
	}
}

// Terminal reports whether the outcome ends the saga instance.
func (o Outcome) Terminal() bool {
	return o == OutcomeCompleted || o == OutcomeCancelled
}

// taskKind labels the three kinds of compiled task.
type taskKind string

const (
	kindEntry      taskKind = "entry"
	kindForward    taskKind = "forward"
	kindCompensate taskKind = "compensate"
)
