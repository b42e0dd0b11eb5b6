package events

import (
	"github.com/go-go-golems/chatstate/pkg/conversation"
)

// ToolEventAggregator folds tool-call and tool-result events of one turn into
// tool executions keyed by tool call id, in first-seen order.
type ToolEventAggregator struct {
	index   map[string]int
	entries []conversation.ToolExecution
}

func NewToolEventAggregator() *ToolEventAggregator {
	return &ToolEventAggregator{
		index:   make(map[string]int),
		entries: make([]conversation.ToolExecution, 0, 4),
	}
}

func (a *ToolEventAggregator) Reset() {
	a.index = make(map[string]int)
	a.entries = a.entries[:0]
}

func (a *ToolEventAggregator) Len() int {
	return len(a.entries)
}

// Executions returns a copy of the current entries.
func (a *ToolEventAggregator) Executions() []conversation.ToolExecution {
	out := make([]conversation.ToolExecution, len(a.entries))
	copy(out, a.entries)
	return out
}

// Handle consumes an Event and reports whether it was tool related.
func (a *ToolEventAggregator) Handle(e Event) bool {
	switch ev := e.(type) {
	case *EventToolCall:
		if ev.ToolCall.ID == "" {
			return false
		}
		idx := a.ensure(ev.ToolCall.ID)
		if ev.ToolCall.Name != "" {
			a.entries[idx].Name = ev.ToolCall.Name
		}
		if len(ev.ToolCall.Input) > 0 {
			a.entries[idx].Input = append([]byte(nil), ev.ToolCall.Input...)
		}
		return true
	case *EventToolResult:
		if ev.ToolResult.ID == "" {
			return false
		}
		idx := a.ensure(ev.ToolResult.ID)
		a.entries[idx].Result = ev.ToolResult.Result
		a.entries[idx].Error = ev.ToolResult.Error
		if ev.ToolResult.DurationMs > 0 {
			a.entries[idx].DurationMs = ev.ToolResult.DurationMs
		}
		return true
	}
	return false
}

func (a *ToolEventAggregator) ensure(id string) int {
	if idx, ok := a.index[id]; ok {
		return idx
	}
	idx := len(a.entries)
	a.index[id] = idx
	a.entries = append(a.entries, conversation.ToolExecution{ID: id})
	return idx
}
