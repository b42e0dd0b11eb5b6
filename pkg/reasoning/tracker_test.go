package reasoning

import (
	"testing"

	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendStepKeepsArrivalOrderAndDuplicates(t *testing.T) {
	tr := NewTracker()
	tr.AppendStep(Step{Index: 2, Type: "search", Description: "b"})
	tr.AppendStep(Step{Index: 1, Type: "think", Description: "a"})
	tr.AppendStep(Step{Index: 2, Type: "search", Description: "b again"})

	steps := tr.Steps()
	require.Len(t, steps, 3)
	assert.Equal(t, []int{2, 1, 2}, []int{steps[0].Index, steps[1].Index, steps[2].Index})
}

func TestSetPlanReplaces(t *testing.T) {
	tr := NewTracker()
	tr.SetPlan([]PlanStep{{Description: "one"}, {Description: "two"}})
	tr.SetPlan([]PlanStep{{Description: "three", Status: StatusRunning}})

	plan := tr.Plan()
	require.Len(t, plan, 1)
	assert.Equal(t, "three", plan[0].Description)
	assert.Equal(t, StatusRunning, plan[0].Status)
}

func TestSetPlanCopiesInput(t *testing.T) {
	tr := NewTracker()
	in := []PlanStep{{Description: "one"}}
	tr.SetPlan(in)
	in[0].Description = "mutated"

	assert.Equal(t, "one", tr.Plan()[0].Description)
}

func TestClear(t *testing.T) {
	tr := NewTracker()
	tr.SetPlan([]PlanStep{{Description: "one"}})
	tr.AppendStep(Step{Index: 0, Type: "think"})

	tr.Clear()
	assert.Empty(t, tr.Plan())
	assert.Empty(t, tr.Steps())

	v := tr.Version()
	tr.Clear()
	assert.Equal(t, v, tr.Version(), "clearing an empty tracker is a no-op")
}

func TestTrackerNotifies(t *testing.T) {
	n := helpers.NewNotifier()
	var ops []string
	n.Subscribe(func(c helpers.Change) {
		assert.Equal(t, Component, c.Component)
		ops = append(ops, c.Op)
	})

	tr := NewTracker(WithNotifier(n))
	tr.SetPlan([]PlanStep{{Description: "one"}})
	tr.AppendStep(Step{Index: 0})
	tr.Clear()

	assert.Equal(t, []string{"set_plan", "append_step", "clear"}, ops)
	assert.Equal(t, int64(3), tr.Version())
}
