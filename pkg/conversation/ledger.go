package conversation

import (
	"sync"

	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/go-go-golems/chatstate/pkg/widgets"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const Component = "ledger"

// Ledger owns the message sequence of the active conversation. Every
// operation runs to completion under the ledger lock; listeners are notified
// after the lock is released.
//
// Operations targeting the streaming message are silently discarded when no
// message is streaming. Late deltas after a finish or a conversation switch
// are expected and are not errors.
type Ledger struct {
	mu       sync.Mutex
	state    *LedgerState
	notifier *helpers.Notifier
	logger   zerolog.Logger
}

type LedgerOption func(*Ledger)

func WithNotifier(n *helpers.Notifier) LedgerOption {
	return func(l *Ledger) {
		l.notifier = n
	}
}

func WithLogger(logger zerolog.Logger) LedgerOption {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func NewLedger(options ...LedgerOption) *Ledger {
	l := &Ledger{
		state:  NewLedgerState(),
		logger: log.Logger,
	}
	for _, option := range options {
		option(l)
	}
	l.logger = l.logger.With().Str("component", Component).Logger()
	return l
}

// Apply runs m against the ledger. It reports whether the ledger changed. The
// error is only set for malformed mutations; stale and no-op mutations return
// false and nil.
func (l *Ledger) Apply(m Mutation) (bool, error) {
	l.mu.Lock()
	changed, err := l.state.Apply(m)
	version := l.state.Version
	l.mu.Unlock()

	if err != nil {
		switch {
		case errors.Is(err, ErrNoStreamingMessage):
			l.logger.Trace().Str("mutation", m.Name()).Msg("no streaming message, discarding")
			return false, nil
		case errors.Is(err, errUnchanged):
			return false, nil
		}
		return false, err
	}
	if changed {
		l.notifier.Notify(helpers.Change{Component: Component, Op: m.Name(), Version: version})
	}
	return changed, nil
}

// ApplyAll applies muts in order under a single lock acquisition, so readers
// never observe a partial sequence. It stops at the first malformed mutation.
func (l *Ledger) ApplyAll(muts ...Mutation) (bool, error) {
	type applied struct {
		op      string
		version int64
	}
	var changes []applied
	var retErr error

	l.mu.Lock()
	for _, m := range muts {
		changed, err := l.state.Apply(m)
		if err != nil {
			if errors.Is(err, ErrNoStreamingMessage) || errors.Is(err, errUnchanged) {
				continue
			}
			retErr = err
			break
		}
		if changed {
			changes = append(changes, applied{op: m.Name(), version: l.state.Version})
		}
	}
	l.mu.Unlock()

	for _, c := range changes {
		l.notifier.Notify(helpers.Change{Component: Component, Op: c.op, Version: c.version})
	}
	return len(changes) > 0, retErr
}

func (l *Ledger) apply(m Mutation) bool {
	changed, err := l.Apply(m)
	if err != nil {
		l.logger.Error().Err(err).Msg("dropping malformed ledger mutation")
	}
	return changed
}

// Append inserts msg at the tail. A streaming assistant message appended while
// another one is streaming closes the previous one.
func (l *Ledger) Append(msg *Message) bool {
	if msg != nil && msg.Streaming && msg.Role == RoleAssistant && l.IsStreaming() {
		l.logger.Warn().Str("message_id", msg.ID).Msg("appending streaming message while another is streaming, closing previous")
	}
	return l.apply(MutateAppend(msg))
}

func (l *Ledger) AppendStreamingDelta(text string) bool {
	return l.apply(MutateAppendDelta(text))
}

// ReplaceStreamingContent is idempotent.
func (l *Ledger) ReplaceStreamingContent(text string) bool {
	return l.apply(MutateReplaceContent(text))
}

func (l *Ledger) SetUsage(usage Usage) bool {
	return l.apply(MutateSetUsage(usage))
}

// UpsertWidget folds d into the streaming message. The returned bool is false
// when no message is streaming, in which case the outcome is meaningless.
func (l *Ledger) UpsertWidget(d widgets.Directive) (widgets.Outcome, bool) {
	var res UpsertResult
	if _, err := l.Apply(MutateUpsertWidget(d, &res)); err != nil {
		l.logger.Error().Err(err).Msg("dropping malformed widget")
		return res.Outcome, false
	}
	if res.Resolved && res.Outcome == widgets.OutcomeDuplicate {
		l.logger.Debug().Str("widget_id", d.WidgetID).Str("type", d.Type).Msg("duplicate widget dropped")
	}
	return res.Outcome, res.Resolved
}

// Finish ends the turn. Calling it with no streaming message is a no-op.
func (l *Ledger) Finish(opts FinishOptions) bool {
	return l.apply(MutateFinish(opts))
}

func (l *Ledger) Clear() bool {
	return l.apply(MutateClear())
}

func (l *Ledger) LoadHistory(history []*Message) bool {
	return l.apply(MutateLoadHistory(history))
}

func (l *Ledger) Messages() []Message {
	return l.Snapshot().Messages
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Snapshot()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state.Messages)
}

func (l *Ledger) IsStreaming() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Streaming() != nil
}

// StreamingMessage returns a copy of the streaming message.
func (l *Ledger) StreamingMessage() (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.state.Streaming()
	if m == nil {
		return Message{}, false
	}
	return *cloneMessage(m), true
}

func (l *Ledger) Version() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Version
}
