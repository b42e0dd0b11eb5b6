package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/chatstate/pkg/conversation"
	"github.com/go-go-golems/chatstate/pkg/directory"
	"github.com/go-go-golems/chatstate/pkg/events"
	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/go-go-golems/chatstate/pkg/parse"
	"github.com/go-go-golems/chatstate/pkg/reasoning"
	"github.com/go-go-golems/chatstate/pkg/widgets"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrTurnInProgress       = errors.New("a turn is already streaming")
	ErrNoActiveConversation = errors.New("no active conversation")
)

// InlineWidgetIDPrefix prefixes the positional ids given to inline widget
// blocks that carry no widgetId of their own.
const InlineWidgetIDPrefix = "inline-"

// Engine wires the ledger, the reasoning tracker and the conversation
// directory together and maps stream events onto them.
//
// Engine methods are serialized. They must not be called from a change
// listener.
type Engine struct {
	ledger    *conversation.Ledger
	tracker   *reasoning.Tracker
	directory *directory.Directory

	notifier         *helpers.Notifier
	logger           zerolog.Logger
	inline           bool
	directoryOptions []directory.Option

	mu     sync.Mutex
	turnID string
	// raw is the assistant text of the turn as received, widget fences included
	raw strings.Builder
	// inlineSeen holds the bodies of the widget blocks already extracted this turn
	inlineSeen map[string]struct{}
	inlineSeq  int
	tools      *events.ToolEventAggregator
}

type Option func(*Engine)

// WithNotifier shares n between all components. By default the engine creates
// its own.
func WithNotifier(n *helpers.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithInlineDirectives turns ```widget blocks inside the streamed text into
// widgets.
func WithInlineDirectives(inline bool) Option {
	return func(e *Engine) {
		e.inline = inline
	}
}

func WithDirectoryOptions(options ...directory.Option) Option {
	return func(e *Engine) {
		e.directoryOptions = append(e.directoryOptions, options...)
	}
}

func New(backend directory.Backend, options ...Option) *Engine {
	e := &Engine{
		logger:     log.Logger,
		tools:      events.NewToolEventAggregator(),
		inlineSeen: map[string]struct{}{},
	}
	for _, option := range options {
		option(e)
	}
	if e.notifier == nil {
		e.notifier = helpers.NewNotifier().WithLogger(e.logger)
	}

	e.ledger = conversation.NewLedger(
		conversation.WithNotifier(e.notifier),
		conversation.WithLogger(e.logger),
	)
	e.tracker = reasoning.NewTracker(
		reasoning.WithNotifier(e.notifier),
		reasoning.WithLogger(e.logger),
	)
	dirOptions := append([]directory.Option{
		directory.WithNotifier(e.notifier),
		directory.WithLogger(e.logger),
	}, e.directoryOptions...)
	e.directory = directory.NewDirectory(backend, e.ledger, dirOptions...)

	e.logger = e.logger.With().Str("component", "session").Logger()
	return e
}

func (e *Engine) Ledger() *conversation.Ledger {
	return e.ledger
}

func (e *Engine) Reasoning() *reasoning.Tracker {
	return e.tracker
}

func (e *Engine) Directory() *directory.Directory {
	return e.directory
}

func (e *Engine) Notifier() *helpers.Notifier {
	return e.notifier
}

// IsStreaming reports whether an assistant message is being streamed.
func (e *Engine) IsStreaming() bool {
	return e.ledger.IsStreaming()
}

// TurnID returns the id of the current or last turn.
func (e *Engine) TurnID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turnID
}

func (e *Engine) resetTurnLocked() {
	e.turnID = uuid.NewString()
	e.raw.Reset()
	e.inlineSeen = map[string]struct{}{}
	e.inlineSeq = 0
	e.tools.Reset()
}

// SelectConversation switches the directory to id. A turn in flight is
// abandoned: the ledger is cleared and its remaining events are stale.
func (e *Engine) SelectConversation(ctx context.Context, id string) *directory.Load {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetTurnLocked()
	e.tracker.Clear()
	return e.directory.SelectConversation(ctx, id)
}

// CreateConversation creates a conversation and makes it active.
func (e *Engine) CreateConversation(ctx context.Context, title string) directory.Created {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetTurnLocked()
	e.tracker.Clear()
	return e.directory.CreateConversation(ctx, title)
}

// BeginTurn appends the user message, when userText is not empty, followed by
// an empty streaming assistant message whose id is returned. The reasoning
// trace of the previous turn is cleared.
func (e *Engine) BeginTurn(ctx context.Context, userText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	conversationID, ok := e.directory.ActiveConversationID()
	if !ok {
		return "", ErrNoActiveConversation
	}
	if e.ledger.IsStreaming() {
		return "", ErrTurnInProgress
	}

	e.resetTurnLocked()
	e.tracker.Clear()

	if userText != "" {
		e.ledger.Append(conversation.NewUserMessage(userText))
	}
	msg := e.newAssistantMessageLocked()
	e.ledger.Append(msg)

	e.logger.Debug().
		Str("conversation_id", conversationID).
		Str("turn_id", e.turnID).
		Str("message_id", msg.ID).
		Msg("turn started")
	return msg.ID, nil
}

func (e *Engine) newAssistantMessageLocked() *conversation.Message {
	return conversation.NewStreamingAssistantMessage(
		conversation.WithMetadata(map[string]interface{}{"turn_id": e.turnID}),
	)
}

// HandleEvent applies ev to the session state and reports whether anything
// changed. Events addressed to a conversation other than the active one, and
// events arriving while nothing streams, are dropped.
func (e *Engine) HandleEvent(ev events.Event) bool {
	if ev == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.logger.With().Str("event_type", string(ev.Type())).Logger()

	if cid := ev.Metadata().ConversationID; cid != "" {
		active, _ := e.directory.ActiveConversationID()
		if cid != active {
			logger.Trace().Str("conversation_id", cid).Str("active", active).Msg("dropping event for inactive conversation")
			return false
		}
	}

	if _, ok := ev.(*events.EventStart); ok {
		if _, active := e.directory.ActiveConversationID(); !active {
			logger.Trace().Msg("dropping start event, no active conversation")
			return false
		}
		if e.ledger.IsStreaming() {
			return false
		}
		e.resetTurnLocked()
		return e.ledger.Append(e.newAssistantMessageLocked())
	}

	if !e.ledger.IsStreaming() {
		logger.Trace().Msg("dropping event, nothing is streaming")
		return false
	}

	switch ev_ := ev.(type) {
	case *events.EventPartialCompletion:
		if ev_.Delta == "" {
			return false
		}
		e.raw.WriteString(ev_.Delta)
		if e.inline && parse.HasWidgetFence(e.raw.String()) {
			return e.syncInlineLocked(logger)
		}
		return e.ledger.AppendStreamingDelta(ev_.Delta)

	case *events.EventContentReplace:
		return e.replaceLocked(ev_.Text, logger)

	case *events.EventWidget:
		outcome, ok := e.ledger.UpsertWidget(ev_.Widget)
		return ok && outcome != widgets.OutcomeDuplicate

	case *events.EventUsage:
		return e.ledger.SetUsage(ev_.Usage)

	case *events.EventPlan:
		e.tracker.SetPlan(ev_.Steps)
		return true

	case *events.EventStep:
		e.tracker.AppendStep(ev_.Step)
		return true

	case *events.EventToolCall, *events.EventToolResult:
		return e.tools.Handle(ev)

	case *events.EventFinal:
		if ev_.Text != "" {
			e.replaceLocked(ev_.Text, logger)
		}
		return e.finishLocked(conversation.FinishOptions{
			ToolExecutions: ev_.ToolExecutions,
			ToolCount:      ev_.ToolCount,
			FileRefs:       ev_.FileRefs,
		})

	case *events.EventError:
		logger.Warn().Str("error", ev_.ErrorString).Msg("turn ended with error")
		return e.finishLocked(conversation.FinishOptions{})

	case *events.EventInterrupt:
		if ev_.Text != "" {
			e.replaceLocked(ev_.Text, logger)
		}
		logger.Debug().Msg("turn interrupted")
		return e.finishLocked(conversation.FinishOptions{})
	}

	logger.Trace().Msg("ignoring event")
	return false
}

func (e *Engine) replaceLocked(text string, logger zerolog.Logger) bool {
	e.raw.Reset()
	e.raw.WriteString(text)
	if e.inline && parse.HasWidgetFence(text) {
		return e.syncInlineLocked(logger)
	}
	return e.ledger.ReplaceStreamingContent(text)
}

// syncInlineLocked upserts the closed widget blocks of the raw text not seen
// yet and sets the streaming content to the raw text without any widget block.
// Blocks are recognized by their body, so a content replace that drops or
// repeats earlier blocks neither loses nor duplicates widgets.
func (e *Engine) syncInlineLocked(logger zerolog.Logger) bool {
	blocks, cleaned, err := parse.ExtractWidgetBlocks(e.raw.String())
	if err != nil {
		logger.Warn().Err(err).Msg("could not parse streamed markdown")
		return e.ledger.ReplaceStreamingContent(e.raw.String())
	}

	muts := make([]conversation.Mutation, 0, len(blocks)+1)
	for _, b := range blocks {
		if !b.Closed {
			continue
		}
		key := strings.TrimSpace(b.Code)
		if _, ok := e.inlineSeen[key]; ok {
			continue
		}
		e.inlineSeen[key] = struct{}{}
		e.inlineSeq++

		d, err := parse.DecodeFencedDirective(b.Code, parse.WithDefaultWidgetID(fmt.Sprintf("%s%d", InlineWidgetIDPrefix, e.inlineSeq)))
		if err != nil {
			logger.Warn().Err(err).Int("block", e.inlineSeq).Msg("dropping invalid inline widget")
			continue
		}
		muts = append(muts, conversation.MutateUpsertWidget(d, nil))
	}
	muts = append(muts, conversation.MutateReplaceContent(cleaned))

	changed, err := e.ledger.ApplyAll(muts...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to apply inline widgets")
	}
	return changed
}

// finishLocked ends the turn. Tool executions collected from tool events are
// used when the final event carries none.
func (e *Engine) finishLocked(opts conversation.FinishOptions) bool {
	if len(opts.ToolExecutions) == 0 && e.tools.Len() > 0 {
		opts.ToolExecutions = e.tools.Executions()
	}
	if opts.ToolCount == 0 {
		opts.ToolCount = len(opts.ToolExecutions)
	}

	changed := e.ledger.Finish(opts)
	e.tracker.Clear()
	e.tools.Reset()

	e.logger.Debug().Str("turn_id", e.turnID).Int("tool_count", opts.ToolCount).Msg("turn finished")
	return changed
}

// Handler returns a watermill handler decoding chat events and applying them.
// Malformed messages are logged and acked.
func (e *Engine) Handler() func(msg *message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()

		ev, err := events.NewEventFromJson(msg.Payload)
		if err != nil {
			e.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping malformed event")
			return nil
		}
		e.HandleEvent(ev)
		return nil
	}
}
