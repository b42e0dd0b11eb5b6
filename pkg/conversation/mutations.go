package conversation

import (
	"strings"

	"github.com/go-go-golems/chatstate/pkg/widgets"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

// Mutation represents a deterministic change to the ledger.
type Mutation interface {
	Apply(s *LedgerState) error
	Name() string
}

// MutateAppend inserts a copy of msg at the tail. A streaming assistant
// message becomes the streaming target; any previous one is closed first.
// User messages are never streaming.
func MutateAppend(msg *Message) Mutation {
	return appendMutation{msg: msg}
}

type appendMutation struct {
	msg *Message
}

func (m appendMutation) Apply(s *LedgerState) error {
	if m.msg == nil {
		return errors.New("message is nil")
	}
	if !m.msg.Role.Valid() {
		return errors.Errorf("unsupported role %q", m.msg.Role)
	}
	msg := cloneMessage(m.msg)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == RoleUser {
		msg.Streaming = false
	}
	if msg.Streaming {
		closeStreaming(s)
		s.StreamingID = msg.ID
	}
	s.Messages = append(s.Messages, msg)
	return nil
}

func (m appendMutation) Name() string { return "append" }

// MutateAppendDelta concatenates text onto the streaming message.
func MutateAppendDelta(text string) Mutation {
	return appendDeltaMutation{text: text}
}

type appendDeltaMutation struct {
	text string
}

func (m appendDeltaMutation) Apply(s *LedgerState) error {
	target := s.Streaming()
	if target == nil {
		return ErrNoStreamingMessage
	}
	if m.text == "" {
		return errUnchanged
	}
	target.Content += m.text
	return nil
}

func (m appendDeltaMutation) Name() string { return "append_delta" }

// MutateReplaceContent replaces the streaming message's content wholesale.
func MutateReplaceContent(text string) Mutation {
	return replaceContentMutation{text: text}
}

type replaceContentMutation struct {
	text string
}

func (m replaceContentMutation) Apply(s *LedgerState) error {
	target := s.Streaming()
	if target == nil {
		return ErrNoStreamingMessage
	}
	if target.Content == m.text {
		return errUnchanged
	}
	target.Content = m.text
	return nil
}

func (m replaceContentMutation) Name() string { return "replace_content" }

// MutateSetUsage sets the usage of the streaming message.
func MutateSetUsage(usage Usage) Mutation {
	return setUsageMutation{usage: usage}
}

type setUsageMutation struct {
	usage Usage
}

func (m setUsageMutation) Apply(s *LedgerState) error {
	target := s.Streaming()
	if target == nil {
		return ErrNoStreamingMessage
	}
	u := m.usage
	target.Usage = &u
	return nil
}

func (m setUsageMutation) Name() string { return "set_usage" }

// UpsertResult reports what an upsert did. Resolved is false when no message
// was streaming.
type UpsertResult struct {
	Outcome  widgets.Outcome
	Resolved bool
}

// MutateUpsertWidget folds d into the streaming message's widgets. When
// result is non-nil it receives what the merge engine decided.
func MutateUpsertWidget(d widgets.Directive, result *UpsertResult) Mutation {
	return upsertWidgetMutation{directive: d, result: result}
}

type upsertWidgetMutation struct {
	directive widgets.Directive
	result    *UpsertResult
}

func (m upsertWidgetMutation) Apply(s *LedgerState) error {
	target := s.Streaming()
	if target == nil {
		return ErrNoStreamingMessage
	}
	d := clone.Clone(m.directive).(widgets.Directive)
	seq, outcome := widgets.Upsert(target.Widgets, d)
	if m.result != nil {
		m.result.Outcome = outcome
		m.result.Resolved = true
	}
	if outcome == widgets.OutcomeDuplicate {
		return errUnchanged
	}
	target.Widgets = seq
	return nil
}

func (m upsertWidgetMutation) Name() string { return "upsert_widget" }

// FinishOptions carries the terminal metadata attached when a turn ends.
// Empty values are not attached.
type FinishOptions struct {
	ToolExecutions []ToolExecution
	ToolCount      int
	FileRefs       []FileRef
}

// MutateFinish ends streaming on every message still marked streaming.
func MutateFinish(opts FinishOptions) Mutation {
	return finishMutation{opts: opts}
}

type finishMutation struct {
	opts FinishOptions
}

func (m finishMutation) Apply(s *LedgerState) error {
	finished := 0
	for _, msg := range s.Messages {
		if !msg.Streaming {
			continue
		}
		msg.Streaming = false
		if len(m.opts.ToolExecutions) > 0 {
			msg.ToolExecutions = append([]ToolExecution(nil), m.opts.ToolExecutions...)
		}
		if m.opts.ToolCount > 0 {
			msg.ToolCount = m.opts.ToolCount
		}
		if len(m.opts.FileRefs) > 0 {
			msg.FileRefs = append([]FileRef(nil), m.opts.FileRefs...)
		}
		finished++
	}
	s.StreamingID = ""
	if finished == 0 {
		return errUnchanged
	}
	return nil
}

func (m finishMutation) Name() string { return "finish" }

// MutateClear empties the ledger.
func MutateClear() Mutation {
	return clearMutation{}
}

type clearMutation struct{}

func (m clearMutation) Apply(s *LedgerState) error {
	if len(s.Messages) == 0 && s.StreamingID == "" {
		return errUnchanged
	}
	s.Messages = []*Message{}
	s.StreamingID = ""
	return nil
}

func (m clearMutation) Name() string { return "clear" }

// MutateLoadHistory inserts fetched messages ahead of anything appended since
// the last clear. History is never streaming.
func MutateLoadHistory(history []*Message) Mutation {
	return loadHistoryMutation{history: history}
}

type loadHistoryMutation struct {
	history []*Message
}

func (m loadHistoryMutation) Apply(s *LedgerState) error {
	loaded := make([]*Message, 0, len(m.history)+len(s.Messages))
	for _, h := range m.history {
		if h == nil || !h.Role.Valid() {
			continue
		}
		msg := cloneMessage(h)
		if strings.TrimSpace(msg.ID) == "" {
			msg.ID = uuid.NewString()
		}
		msg.Streaming = false
		loaded = append(loaded, msg)
	}
	if len(loaded) == 0 {
		return errUnchanged
	}
	s.Messages = append(loaded, s.Messages...)
	return nil
}

func (m loadHistoryMutation) Name() string { return "load_history" }

func closeStreaming(s *LedgerState) {
	for _, msg := range s.Messages {
		msg.Streaming = false
	}
	s.StreamingID = ""
}
