package widgets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chart(id, title string) Directive {
	return NewDirective(id, "chart", Props{PropTitle: String(title)})
}

func TestUpsertSameIDMergesProps(t *testing.T) {
	seq := []Directive{NewDirective("w1", "chart", Props{
		"title":  String("Sales"),
		"series": List(Number(1), Number(2)),
	})}
	seq[0].Display = DisplayPanel

	seq, outcome := Upsert(seq, Directive{
		WidgetID: "w1",
		Type:     "table",
		Props: Props{
			"series": List(Number(1), Number(2), Number(3)),
			"unit":   String("EUR"),
		},
		Display: DisplayInline,
	})

	require.Equal(t, OutcomeMerged, outcome)
	require.Len(t, seq, 1)
	assert.Equal(t, "chart", seq[0].Type)
	assert.Equal(t, DisplayPanel, seq[0].Display)
	assert.True(t, seq[0].Props["title"].Equal(String("Sales")))
	assert.True(t, seq[0].Props["series"].Equal(List(Number(1), Number(2), Number(3))))
	assert.True(t, seq[0].Props["unit"].Equal(String("EUR")))
}

func TestUpsertSameIDNeverGrows(t *testing.T) {
	var seq []Directive
	seq, _ = Upsert(seq, chart("w1", "Sales"))
	for i := 0; i < 5; i++ {
		var outcome Outcome
		seq, outcome = Upsert(seq, NewDirective("w1", "chart", Props{"step": Number(float64(i))}))
		require.Equal(t, OutcomeMerged, outcome)
		require.Len(t, seq, 1)
	}
	assert.True(t, seq[0].Props["step"].Equal(Number(4)))
}

func TestUpsertSameTypeAndTitleIsDuplicate(t *testing.T) {
	var seq []Directive
	seq, _ = Upsert(seq, chart("w1", "Sales"))
	seq, outcome := Upsert(seq, chart("w2", "Sales"))

	require.Equal(t, OutcomeDuplicate, outcome)
	require.Len(t, seq, 1)
	assert.Equal(t, "w1", seq[0].WidgetID)
}

func TestUpsertIdentityTakesPriorityOverTitle(t *testing.T) {
	var seq []Directive
	seq, _ = Upsert(seq, chart("w1", "Sales"))
	seq, _ = Upsert(seq, chart("w2", "Costs"))

	// w2 now claims the title of w1: identity wins, so it merges into w2.
	seq, outcome := Upsert(seq, chart("w2", "Sales"))
	require.Equal(t, OutcomeMerged, outcome)
	require.Len(t, seq, 2)
	assert.True(t, seq[1].Props["title"].Equal(String("Sales")))
}

func TestUpsertAppends(t *testing.T) {
	testCases := []struct {
		name     string
		existing Directive
		incoming Directive
	}{
		{
			name:     "no title structurally identical",
			existing: NewDirective("w1", "note", Props{"text": String("hi")}),
			incoming: NewDirective("w2", "note", Props{"text": String("hi")}),
		},
		{
			name:     "same title different type",
			existing: chart("w1", "Sales"),
			incoming: NewDirective("w2", "table", Props{"title": String("Sales")}),
		},
		{
			name:     "empty title is not a title",
			existing: NewDirective("w1", "chart", Props{"title": String("")}),
			incoming: NewDirective("w2", "chart", Props{"title": String("")}),
		},
		{
			name:     "empty ids never match",
			existing: NewDirective("", "note", nil),
			incoming: NewDirective("", "note", nil),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			seq := []Directive{tc.existing}
			seq, outcome := Upsert(seq, tc.incoming)
			require.Equal(t, OutcomeAppended, outcome)
			require.Len(t, seq, 2)
			assert.Equal(t, tc.incoming.WidgetID, seq[1].WidgetID)
		})
	}
}

func TestUpsertPreservesArrivalOrder(t *testing.T) {
	var seq []Directive
	for _, id := range []string{"a", "b", "c"} {
		seq, _ = Upsert(seq, NewDirective(id, "note", nil))
	}
	seq, _ = Upsert(seq, NewDirective("b", "note", Props{"x": Bool(true)}))

	ids := make([]string, 0, len(seq))
	for _, d := range seq {
		ids = append(ids, d.WidgetID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestPropsMergeDoesNotAliasInputs(t *testing.T) {
	base := Props{"a": Number(1)}
	incoming := Props{"b": Number(2)}
	merged := base.Merge(incoming)
	merged["c"] = Number(3)

	assert.Len(t, base, 1)
	assert.Len(t, incoming, 1)
	assert.Len(t, merged, 3)
}
