package events

import (
	"encoding/json"
	"testing"

	"github.com/go-go-golems/chatstate/pkg/conversation"
	"github.com/go-go-golems/chatstate/pkg/reasoning"
	"github.com/go-go-golems/chatstate/pkg/widgets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFromJsonTypes(t *testing.T) {
	meta := EventMetadata{ConversationID: "c1", MessageID: "m1"}
	testCases := []struct {
		name  string
		event Event
		check func(t *testing.T, ev Event)
	}{
		{
			name:  "partial",
			event: NewPartialCompletionEvent(meta, "Hel", "Hel"),
			check: func(t *testing.T, ev Event) {
				p, ok := ev.(*EventPartialCompletion)
				require.True(t, ok)
				assert.Equal(t, "Hel", p.Delta)
			},
		},
		{
			name:  "usage",
			event: NewUsageEvent(meta, conversation.Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3, Model: "m"}),
			check: func(t *testing.T, ev Event) {
				u, ok := ev.(*EventUsage)
				require.True(t, ok)
				assert.Equal(t, 3, u.Usage.TotalTokens)
			},
		},
		{
			name:  "plan",
			event: NewPlanEvent(meta, []reasoning.PlanStep{{Description: "look up"}}),
			check: func(t *testing.T, ev Event) {
				p, ok := ev.(*EventPlan)
				require.True(t, ok)
				require.Len(t, p.Steps, 1)
			},
		},
		{
			name:  "step",
			event: NewStepEvent(meta, reasoning.Step{Index: 1, Type: "search", Status: reasoning.StatusCompleted}),
			check: func(t *testing.T, ev Event) {
				s, ok := ev.(*EventStep)
				require.True(t, ok)
				assert.Equal(t, reasoning.StatusCompleted, s.Step.Status)
			},
		},
		{
			name:  "widget",
			event: NewWidgetEvent(meta, widgets.NewDirective("w1", "chart", widgets.Props{"title": widgets.String("Sales")})),
			check: func(t *testing.T, ev Event) {
				w, ok := ev.(*EventWidget)
				require.True(t, ok)
				assert.Equal(t, "w1", w.Widget.WidgetID)
				title, ok := w.Widget.Props.Title()
				require.True(t, ok)
				assert.True(t, title.Equal(widgets.String("Sales")))
			},
		},
		{
			name:  "final",
			event: &EventFinal{EventImpl: newImpl(EventTypeFinal, meta), Text: "done", ToolCount: 2},
			check: func(t *testing.T, ev Event) {
				f, ok := ev.(*EventFinal)
				require.True(t, ok)
				assert.Equal(t, 2, f.ToolCount)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := json.Marshal(tc.event)
			require.NoError(t, err)

			ev, err := NewEventFromJson(b)
			require.NoError(t, err)
			assert.Equal(t, tc.event.Type(), ev.Type())
			assert.Equal(t, "c1", ev.Metadata().ConversationID)
			assert.Equal(t, b, ev.Payload())
			tc.check(t, ev)
		})
	}
}

func TestNewEventFromJsonRejectsInvalidWidget(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":"widget","widget":{"type":"chart"}}`))
	require.Error(t, err)

	_, err = NewEventFromJson([]byte(`{"type":"widget"}`))
	require.Error(t, err)
}

func TestNewEventFromJsonUnknownType(t *testing.T) {
	ev, err := NewEventFromJson([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	_, ok := ev.(*EventImpl)
	assert.True(t, ok)
	assert.Equal(t, EventType("heartbeat"), ev.Type())
}

func TestNewEventFromJsonMissingType(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"delta":"x"}`))
	require.Error(t, err)
}

func TestToolEventAggregator(t *testing.T) {
	a := NewToolEventAggregator()
	meta := EventMetadata{}

	assert.True(t, a.Handle(NewToolCallEvent(meta, ToolCall{ID: "t1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)})))
	assert.True(t, a.Handle(NewToolCallEvent(meta, ToolCall{ID: "t2", Name: "fetch"})))
	assert.True(t, a.Handle(NewToolResultEvent(meta, ToolResult{ID: "t1", Result: "ok", DurationMs: 12})))
	assert.False(t, a.Handle(NewToolResultEvent(meta, ToolResult{Result: "no id"})))
	assert.False(t, a.Handle(NewStartEvent(meta)))

	execs := a.Executions()
	require.Len(t, execs, 2)
	assert.Equal(t, "t1", execs[0].ID)
	assert.Equal(t, "search", execs[0].Name)
	assert.Equal(t, "ok", execs[0].Result)
	assert.Equal(t, int64(12), execs[0].DurationMs)
	assert.Equal(t, "fetch", execs[1].Name)

	a.Reset()
	assert.Equal(t, 0, a.Len())
}
