package events

import (
	"encoding/json"

	"github.com/go-go-golems/chatstate/pkg/conversation"
	"github.com/go-go-golems/chatstate/pkg/parse"
	"github.com/go-go-golems/chatstate/pkg/reasoning"
	"github.com/go-go-golems/chatstate/pkg/widgets"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart opens a streaming assistant message if none is open.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	// EventTypeContent replaces the accumulated text wholesale.
	EventTypeContent EventType = "content"
	EventTypeWidget  EventType = "widget"
	EventTypeUsage   EventType = "usage"

	// Reasoning trace of the current turn
	EventTypePlan EventType = "plan"
	EventTypeStep EventType = "step"

	EventTypeToolCall   EventType = "tool-call"
	EventTypeToolResult EventType = "tool-result"

	EventTypeFinal     EventType = "final"
	EventTypeError     EventType = "error"
	EventTypeInterrupt EventType = "interrupt"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata correlates an event with the conversation and turn it belongs to.
type EventMetadata struct {
	MessageID      string                 `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	TurnID         string                 `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	if em.MessageID != "" {
		e.Str("message_id", em.MessageID)
	}
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// payload is the raw JSON when the event was decoded with NewEventFromJson
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var _ Event = &EventImpl{}

func newImpl(t EventType, metadata EventMetadata) EventImpl {
	return EventImpl{Type_: t, Metadata_: metadata}
}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{EventImpl: newImpl(EventTypeStart, metadata)}
}

// EventPartialCompletion carries a text delta. Completion, when set, is the
// full text accumulated so far as seen by the producer.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion,omitempty"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  newImpl(EventTypePartialCompletion, metadata),
		Delta:      delta,
		Completion: completion,
	}
}

type EventContentReplace struct {
	EventImpl
	Text string `json:"text"`
}

func NewContentReplaceEvent(metadata EventMetadata, text string) *EventContentReplace {
	return &EventContentReplace{EventImpl: newImpl(EventTypeContent, metadata), Text: text}
}

type EventWidget struct {
	EventImpl
	Widget widgets.Directive `json:"widget"`
}

func NewWidgetEvent(metadata EventMetadata, d widgets.Directive) *EventWidget {
	return &EventWidget{EventImpl: newImpl(EventTypeWidget, metadata), Widget: d}
}

type EventUsage struct {
	EventImpl
	Usage conversation.Usage `json:"usage"`
}

func NewUsageEvent(metadata EventMetadata, usage conversation.Usage) *EventUsage {
	return &EventUsage{EventImpl: newImpl(EventTypeUsage, metadata), Usage: usage}
}

type EventPlan struct {
	EventImpl
	Steps []reasoning.PlanStep `json:"steps"`
}

func NewPlanEvent(metadata EventMetadata, steps []reasoning.PlanStep) *EventPlan {
	return &EventPlan{EventImpl: newImpl(EventTypePlan, metadata), Steps: steps}
}

type EventStep struct {
	EventImpl
	Step reasoning.Step `json:"step"`
}

func NewStepEvent(metadata EventMetadata, step reasoning.Step) *EventStep {
	return &EventStep{EventImpl: newImpl(EventTypeStep, metadata), Step: step}
}

type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type EventToolCall struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCall {
	return &EventToolCall{EventImpl: newImpl(EventTypeToolCall, metadata), ToolCall: toolCall}
}

type ToolResult struct {
	ID         string `json:"id"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type EventToolResult struct {
	EventImpl
	ToolResult ToolResult `json:"tool_result"`
}

func NewToolResultEvent(metadata EventMetadata, toolResult ToolResult) *EventToolResult {
	return &EventToolResult{EventImpl: newImpl(EventTypeToolResult, metadata), ToolResult: toolResult}
}

// EventFinal ends the turn. A non-empty Text replaces the accumulated content.
type EventFinal struct {
	EventImpl
	Text           string                       `json:"text,omitempty"`
	ToolExecutions []conversation.ToolExecution `json:"tool_executions,omitempty"`
	ToolCount      int                          `json:"tool_count,omitempty"`
	FileRefs       []conversation.FileRef       `json:"file_refs,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{EventImpl: newImpl(EventTypeFinal, metadata), Text: text}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{EventImpl: newImpl(EventTypeError, metadata), ErrorString: err.Error()}
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text,omitempty"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{EventImpl: newImpl(EventTypeInterrupt, metadata), Text: text}
}

var (
	_ Event = &EventStart{}
	_ Event = &EventPartialCompletion{}
	_ Event = &EventContentReplace{}
	_ Event = &EventWidget{}
	_ Event = &EventUsage{}
	_ Event = &EventPlan{}
	_ Event = &EventStep{}
	_ Event = &EventToolCall{}
	_ Event = &EventToolResult{}
	_ Event = &EventFinal{}
	_ Event = &EventError{}
	_ Event = &EventInterrupt{}
)

// NewEventFromJson decodes a serialized event into its concrete type. Unknown
// types decode to a plain *EventImpl so callers can skip them. Widget payloads
// are validated against the directive schema.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event header")
	}
	if hdr.Type == "" {
		return nil, errors.New("event has no type")
	}

	switch hdr.Type {
	case EventTypeStart:
		return decodeTyped[EventStart](b)
	case EventTypePartialCompletion:
		return decodeTyped[EventPartialCompletion](b)
	case EventTypeContent:
		return decodeTyped[EventContentReplace](b)
	case EventTypeWidget:
		return decodeWidgetEvent(b)
	case EventTypeUsage:
		return decodeTyped[EventUsage](b)
	case EventTypePlan:
		return decodeTyped[EventPlan](b)
	case EventTypeStep:
		return decodeTyped[EventStep](b)
	case EventTypeToolCall:
		return decodeTyped[EventToolCall](b)
	case EventTypeToolResult:
		return decodeTyped[EventToolResult](b)
	case EventTypeFinal:
		return decodeTyped[EventFinal](b)
	case EventTypeError:
		return decodeTyped[EventError](b)
	case EventTypeInterrupt:
		return decodeTyped[EventInterrupt](b)
	}

	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	e.payload = b
	return e, nil
}

type payloadSetter[T any] interface {
	*T
	Event
	SetPayload([]byte)
}

func decodeTyped[T any, PT payloadSetter[T]](b []byte) (Event, error) {
	ret, ok := ToTypedEvent[T](b)
	if !ok {
		return nil, errors.Errorf("could not decode event as %T", ret)
	}
	PT(ret).SetPayload(b)
	return PT(ret), nil
}

// ToTypedEvent decodes b into a *T.
func ToTypedEvent[T any](b []byte) (*T, bool) {
	var ret *T
	if err := json.Unmarshal(b, &ret); err != nil || ret == nil {
		return nil, false
	}
	return ret, true
}

func decodeWidgetEvent(b []byte) (Event, error) {
	var raw struct {
		EventImpl
		Widget json.RawMessage `json:"widget"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal widget event")
	}
	if len(raw.Widget) == 0 {
		return nil, errors.Wrap(parse.ErrInvalidDirective, "widget event without widget")
	}
	d, err := parse.DecodeDirective(raw.Widget)
	if err != nil {
		return nil, err
	}
	ev := NewWidgetEvent(raw.Metadata_, d)
	ev.SetPayload(b)
	return ev, nil
}
