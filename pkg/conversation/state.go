package conversation

import (
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

// ErrNoStreamingMessage is returned by mutations that target the streaming
// message when there is none. The ledger treats it as a stale event.
var ErrNoStreamingMessage = errors.New("no streaming message")

// errUnchanged marks a mutation that resolved its target but had nothing to do.
var errUnchanged = errors.New("unchanged")

// LedgerState is the message sequence of the active conversation.
// At most one message has Streaming set, and StreamingID names it.
type LedgerState struct {
	Messages    []*Message
	StreamingID string
	Version     int64
}

func NewLedgerState() *LedgerState {
	return &LedgerState{Messages: []*Message{}}
}

// Streaming returns the message currently accepting updates, or nil.
func (s *LedgerState) Streaming() *Message {
	if s.StreamingID == "" {
		return nil
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.ID == s.StreamingID && m.Streaming {
			return m
		}
	}
	return nil
}

// Apply applies a single mutation and increments the version when it changed
// something.
func (s *LedgerState) Apply(m Mutation) (bool, error) {
	if s == nil {
		return false, errors.New("ledger state is nil")
	}
	if m == nil {
		return false, errors.New("mutation is nil")
	}
	if err := m.Apply(s); err != nil {
		if errors.Is(err, errUnchanged) || errors.Is(err, ErrNoStreamingMessage) {
			return false, err
		}
		return false, errors.Wrapf(err, "mutation %s failed", m.Name())
	}
	s.Version++
	return true, nil
}

// Snapshot is a deep copy of the ledger, safe to hand to readers.
type Snapshot struct {
	Messages    []Message `json:"messages" yaml:"messages"`
	StreamingID string    `json:"streamingId,omitempty" yaml:"streamingId,omitempty"`
	Version     int64     `json:"version" yaml:"version"`
}

func (s *LedgerState) Snapshot() Snapshot {
	out := Snapshot{
		Messages:    make([]Message, 0, len(s.Messages)),
		StreamingID: s.StreamingID,
		Version:     s.Version,
	}
	for _, m := range s.Messages {
		out.Messages = append(out.Messages, *cloneMessage(m))
	}
	return out
}

func cloneMessage(m *Message) *Message {
	return clone.Clone(m).(*Message)
}
