package choreo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

func step(id string, deps ...string) contracts.Step {
	return contracts.Step{ID: id, AgentID: "a-" + id, CapabilityID: "cap-" + id, DependsOn: deps}
}

func linearWorkflow(id string) *contracts.Workflow {
	return &contracts.Workflow{
		ID:    id,
		Name:  "linear",
		Steps: []contracts.Step{step("a"), step("b", "a")},
	}
}

func TestDefineWorkflowValidation(t *testing.T) {
	e := New()

	assert.ErrorIs(t, e.DefineWorkflow(&contracts.Workflow{ID: "w", Name: "empty"}), contracts.ErrInvalidArgument)
	assert.ErrorIs(t, e.DefineWorkflow(&contracts.Workflow{
		ID: "w", Name: "bad step",
		Steps: []contracts.Step{{ID: "a"}},
	}), contracts.ErrInvalidArgument)
	assert.ErrorIs(t, e.DefineWorkflow(&contracts.Workflow{
		ID: "w", Name: "unknown dep",
		Steps: []contracts.Step{step("a", "ghost")},
	}), contracts.ErrInvalidArgument)

	require.NoError(t, e.DefineWorkflow(linearWorkflow("w")))
	assert.ErrorIs(t, e.DefineWorkflow(linearWorkflow("w")), contracts.ErrDuplicateID)
}

func TestDefineWorkflowCycleDetection(t *testing.T) {
	e := New()

	// Direct cycle.
	err := e.DefineWorkflow(&contracts.Workflow{
		ID: "w1", Name: "cycle",
		Steps: []contracts.Step{step("a", "b"), step("b", "a")},
	})
	assert.ErrorIs(t, err, contracts.ErrCircularDependency)

	// Longer cycle behind an acyclic prefix.
	err = e.DefineWorkflow(&contracts.Workflow{
		ID: "w2", Name: "cycle",
		Steps: []contracts.Step{step("a"), step("b", "a", "d"), step("c", "b"), step("d", "c")},
	})
	assert.ErrorIs(t, err, contracts.ErrCircularDependency)

	// Diamond is fine: two paths, no cycle.
	require.NoError(t, e.DefineWorkflow(&contracts.Workflow{
		ID: "w3", Name: "diamond",
		Steps: []contracts.Step{step("a"), step("b", "a"), step("c", "a"), step("d", "b", "c")},
	}))
}

func TestCreateExecutionSeedsVariables(t *testing.T) {
	e := New()
	wf := linearWorkflow("w")
	wf.InitialInputs = map[string]any{"region": "eu", "count": 3}
	require.NoError(t, e.DefineWorkflow(wf))

	exec, err := e.CreateExecution("w", ExecutionOptions{
		CorrelationID: "corr-1",
		Variables:     map[string]any{"count": 5},
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.ExecPending, exec.State)
	assert.Equal(t, "eu", exec.Context.Variables["region"])
	assert.Equal(t, 5, exec.Context.Variables["count"])
	assert.Equal(t, "corr-1", exec.Context.CorrelationID)
	require.Len(t, exec.Steps, 2)
	for _, se := range exec.Steps {
		assert.Equal(t, contracts.StepPending, se.State)
		assert.Zero(t, se.RetryCount)
	}

	_, err = e.CreateExecution("ghost", ExecutionOptions{})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestNextStepsDependencyGating(t *testing.T) {
	e := New()
	require.NoError(t, e.DefineWorkflow(&contracts.Workflow{
		ID: "w", Name: "diamond",
		Steps: []contracts.Step{step("a"), step("b"), step("c", "a", "b")},
	}))
	exec, err := e.CreateExecution("w", ExecutionOptions{})
	require.NoError(t, err)

	ready, remaining, err := e.NextSteps(exec.ID)
	require.NoError(t, err)
	assert.Len(t, ready, 2)
	assert.Equal(t, 3, remaining)

	require.NoError(t, e.CompleteStep(exec.ID, "a", map[string]any{"out": 1}))
	ready, _, err = e.NextSteps(exec.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)

	require.NoError(t, e.CompleteStep(exec.ID, "b", nil))
	ready, remaining, err = e.NextSteps(exec.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].ID)
	assert.Equal(t, 1, remaining)
}

func TestNextStepsSkipsFalseCondition(t *testing.T) {
	e := New()
	wf := &contracts.Workflow{
		ID: "w", Name: "conditional",
		InitialInputs: map[string]any{"flag": false},
		Steps: []contracts.Step{
			step("a"),
			{
				ID: "d", AgentID: "a-d", CapabilityID: "cap-d",
				Condition: &contracts.ExecutionCondition{
					Variable: "flag", Operator: contracts.OpEq, Value: true,
				},
			},
		},
	}
	require.NoError(t, e.DefineWorkflow(wf))
	exec, err := e.CreateExecution("w", ExecutionOptions{})
	require.NoError(t, err)

	ready, remaining, err := e.NextSteps(exec.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)
	assert.Equal(t, 1, remaining)

	// The skip is a side effect of NextSteps.
	got, err := e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StepSkipped, got.Steps["d"].State)
}

func TestCELCondition(t *testing.T) {
	e := New()
	wf := &contracts.Workflow{
		ID: "w", Name: "cel",
		InitialInputs: map[string]any{"score": 75},
		Steps: []contracts.Step{
			step("a"),
			{
				ID: "gated", AgentID: "x", CapabilityID: "y",
				DependsOn: []string{"a"},
				Condition: &contracts.ExecutionCondition{
					Expression: `variables.score > 50 && steps.a.status == "ok"`,
				},
			},
		},
	}
	require.NoError(t, e.DefineWorkflow(wf))
	exec, err := e.CreateExecution("w", ExecutionOptions{})
	require.NoError(t, err)

	require.NoError(t, e.CompleteStep(exec.ID, "a", map[string]any{"status": "ok"}))
	ready, _, err := e.NextSteps(exec.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "gated", ready[0].ID)
}

func TestComparisonOperators(t *testing.T) {
	ctx := &contracts.ExecutionContext{
		Variables:   map[string]any{"n": 5, "tier": "gold"},
		StepOutputs: map[string]map[string]any{"s": {"latency": 120.5}},
	}

	cases := []struct {
		cond contracts.ExecutionCondition
		want bool
	}{
		{contracts.ExecutionCondition{Variable: "n", Operator: contracts.OpEq, Value: 5.0}, true},
		{contracts.ExecutionCondition{Variable: "n", Operator: contracts.OpNeq, Value: 4}, true},
		{contracts.ExecutionCondition{Variable: "n", Operator: contracts.OpGt, Value: 4}, true},
		{contracts.ExecutionCondition{Variable: "n", Operator: contracts.OpGte, Value: 6}, false},
		{contracts.ExecutionCondition{Variable: "latency", Operator: contracts.OpLt, Value: 200}, true},
		{contracts.ExecutionCondition{Variable: "tier", Operator: contracts.OpIn, Value: []any{"gold", "platinum"}}, true},
		{contracts.ExecutionCondition{Variable: "tier", Operator: contracts.OpNotIn, Value: []any{"bronze"}}, true},
		// Missing variable: neq holds, everything else fails.
		{contracts.ExecutionCondition{Variable: "ghost", Operator: contracts.OpEq, Value: 1}, false},
		{contracts.ExecutionCondition{Variable: "ghost", Operator: contracts.OpNeq, Value: 1}, true},
		{contracts.ExecutionCondition{Variable: "ghost", Operator: contracts.OpGt, Value: 1}, false},
	}
	for _, tc := range cases {
		got, err := evalComparison(&tc.cond, ctx)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "variable=%s op=%s", tc.cond.Variable, tc.cond.Operator)
	}
}

func TestSubstitution(t *testing.T) {
	ctx := &contracts.ExecutionContext{
		Variables: map[string]any{"user": "alice", "count": 3},
		StepOutputs: map[string]map[string]any{
			"fetch": {"document": map[string]any{"id": "d1"}},
		},
	}

	input := map[string]any{
		"who":     "${user}",
		"doc":     "${document}",
		"literal": "$user",
		"missing": "${ghost}",
		"nested": map[string]any{
			"n":    "${count}",
			"list": []any{"${user}", "plain"},
		},
	}
	out := substituteMap(input, ctx)

	assert.Equal(t, "alice", out["who"])
	assert.Equal(t, map[string]any{"id": "d1"}, out["doc"])
	assert.Equal(t, "$user", out["literal"])
	assert.Equal(t, "${ghost}", out["missing"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, 3, nested["n"])
	assert.Equal(t, []any{"alice", "plain"}, nested["list"])

	// The original input is untouched.
	assert.Equal(t, "${user}", input["who"])
}

func TestStepStateTransitions(t *testing.T) {
	e := New()
	require.NoError(t, e.DefineWorkflow(linearWorkflow("w")))
	exec, err := e.CreateExecution("w", ExecutionOptions{})
	require.NoError(t, err)

	require.NoError(t, e.StartExecution(exec.ID))
	assert.ErrorIs(t, e.StartExecution(exec.ID), contracts.ErrInvalidArgument)

	require.NoError(t, e.MarkStepRunning(exec.ID, "a"))
	require.NoError(t, e.CompleteStep(exec.ID, "a", map[string]any{"x": 1}))

	// Terminal step states are permanent.
	assert.ErrorIs(t, e.FailStep(exec.ID, "a", "late"), contracts.ErrInvalidArgument)
	assert.ErrorIs(t, e.CompleteStep(exec.ID, "a", nil), contracts.ErrInvalidArgument)

	require.NoError(t, e.FinishExecution(exec.ID, contracts.ExecCompleted, ""))
	assert.ErrorIs(t, e.FinishExecution(exec.ID, contracts.ExecFailed, "late"), contracts.ErrInvalidArgument)

	got, err := e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecCompleted, got.State)
	assert.NotNil(t, got.CompletedAt)
}

func TestCompletedStepsReversed(t *testing.T) {
	e := New()
	require.NoError(t, e.DefineWorkflow(&contracts.Workflow{
		ID: "w", Name: "three",
		Steps: []contracts.Step{step("a"), step("b"), step("c")},
	}))
	exec, err := e.CreateExecution("w", ExecutionOptions{})
	require.NoError(t, err)

	require.NoError(t, e.CompleteStep(exec.ID, "b", nil))
	require.NoError(t, e.CompleteStep(exec.ID, "a", nil))
	require.NoError(t, e.CompleteStep(exec.ID, "c", nil))

	order, err := e.CompletedStepsReversed(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestRetryCounter(t *testing.T) {
	e := New()
	require.NoError(t, e.DefineWorkflow(linearWorkflow("w")))
	exec, err := e.CreateExecution("w", ExecutionOptions{})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := e.IncrementRetry(exec.ID, "a")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}
