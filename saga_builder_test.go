package sagatask

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddStepRejectsDuplicateName(t *testing.T) {
	b := NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", constant(1), nil))

	err := b.AddStep("x", constant(2), noopCancel)
	var dup *DuplicateStepNameError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "S", dup.Saga)
	assert.Equal(t, "x", dup.Step)

	assert.Len(t, b.Steps(), 1, "a rejected step is not appended")
}

func TestCompileRegistryKeys(t *testing.T) {
	b := NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", constant(1), noopCancel))
	require.NoError(t, b.AddStep("y", constant(2), nil))

	reg, err := b.Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"S", "S|x", "S|x|cancel", "S|y"}, reg.Names())
	_, ok := reg.Handler("S|y|cancel")
	assert.False(t, ok)
	assert.Equal(t, []string{"S"}, reg.Sagas())
}

func TestCompileRejectsMisconfiguredSaga(t *testing.T) {
	tests := []struct {
		name  string
		build func() *SagaBuilder
	}{
		{"empty saga name", func() *SagaBuilder {
			return NewSaga("", nil)
		}},
		{"empty step name", func() *SagaBuilder {
			b := NewSaga("S", nil)
			_ = b.AddStep("", constant(1), nil)
			return b
		}},
		{"separator in step name", func() *SagaBuilder {
			b := NewSaga("S", nil)
			_ = b.AddStep("x|cancel", constant(1), nil)
			return b
		}},
		{"missing run action", func() *SagaBuilder {
			b := NewSaga("S", nil)
			_ = b.AddStep("x", nil, noopCancel)
			return b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := tt.build().Compile()
			assert.Nil(t, reg)
			var misconfigured *MisconfiguredSagaError
			assert.True(t, errors.As(err, &misconfigured), "got %v", err)
		})
	}
}

func TestCompiledSagaIgnoresLaterSteps(t *testing.T) {
	b := NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", constant(1), nil))
	reg, err := b.Compile()
	require.NoError(t, err)

	require.NoError(t, b.AddStep("y", constant(2), nil))

	assert.Equal(t, []string{"S", "S|x"}, reg.Names())
	assert.Equal(t, []string{"S", "S|x"}, runSaga(t, reg, "S", `{}`))
}

func TestEmptySagaCompletesAtEntry(t *testing.T) {
	reg, err := NewSaga("noop", nil).Compile()
	require.NoError(t, err)
	assert.Equal(t, []string{"noop"}, reg.Names())

	next, err := dispatch(t, reg, enqueued{Task: "noop", Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestJSONContract(t *testing.T) {
	contract := JSONContract(func(r OrderRequest) error {
		if r.Amount <= 0 {
			return errors.New("amount must be positive")
		}
		return nil
	})

	assert.NoError(t, contract.Validate(json.RawMessage(`{"order_id":"o-1","amount":10}`)))
	assert.Error(t, contract.Validate(json.RawMessage(`{"order_id":"o-1","amount":0}`)))
	assert.Error(t, contract.Validate(json.RawMessage(`{"order_id":"o-1","amount":10,"extra":true}`)))
	assert.Error(t, contract.Validate(json.RawMessage(`{"order_id":"o-1","amount":10} {}`)))
	assert.Error(t, contract.Validate(nil))
}

func TestNilContractAcceptsAnyJSON(t *testing.T) {
	b := NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", constant(1), nil))
	reg, err := b.Compile()
	require.NoError(t, err)

	_, err = dispatch(t, reg, enqueued{Task: "S", Payload: json.RawMessage(`[1,2,3]`)})
	assert.NoError(t, err)

	_, err = dispatch(t, reg, enqueued{Task: "S", Payload: json.RawMessage(`{not json`)})
	var invalid *ValidationError
	assert.True(t, errors.As(err, &invalid))
}

func TestTaskNames(t *testing.T) {
	assert.Equal(t, "S", EntryTaskName("S"))
	assert.Equal(t, "S|x", ForwardTaskName("S", "x"))
	assert.Equal(t, "S|x|cancel", CompensationTaskName("S", "x"))
}

func TestStepsReturnsCopies(t *testing.T) {
	b := NewSaga("S", nil)
	require.NoError(t, b.AddStep("x", constant(1), noopCancel))
	require.NoError(t, b.AddStep("y", func(context.Context, StepContext) (any, error) { return nil, nil }, nil))

	steps := b.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "x", steps[0].Name)
	assert.Equal(t, 1, steps[1].Index)
	assert.True(t, steps[0].HasCancel())
	assert.False(t, steps[1].HasCancel())

	steps[0].Name = "changed"
	assert.Equal(t, "x", b.Steps()[0].Name)
}
