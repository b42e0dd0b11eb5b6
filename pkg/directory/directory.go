package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-go-golems/chatstate/pkg/conversation"
	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const Component = "directory"

// PlaceholderPrefix starts every locally generated conversation id.
const PlaceholderPrefix = "local-"

type Op string

const (
	OpLoadConversations  Op = "load_conversations"
	OpLoadFolders        Op = "load_folders"
	OpLoadMessages       Op = "load_messages"
	OpCreateConversation Op = "create_conversation"
)

// Failure describes a backend call the directory absorbed.
type Failure struct {
	Op             Op
	ConversationID string
	Err            error
}

func (f Failure) Error() string {
	if f.ConversationID != "" {
		return fmt.Sprintf("%s %s: %v", f.Op, f.ConversationID, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Directory holds the known conversations and folders and the active
// selection. The ledger it is given always holds the messages of the active
// conversation: switching clears it before the new history is fetched.
//
// Backend failures never reach the caller. They are logged and reported to
// the failure hook.
type Directory struct {
	mu            sync.Mutex
	conversations []Conversation
	folders       []Folder
	activeID      string
	generation    uint64
	version       int64
	placeholders  map[string]struct{}

	// switchMu serializes switching the active conversation with applying
	// fetched history, so a fetch never lands after a newer switch cleared
	// the ledger.
	switchMu sync.Mutex

	backend       Backend
	ledger        *conversation.Ledger
	notifier      *helpers.Notifier
	logger        zerolog.Logger
	onFailure     func(Failure)
	placeholderID func() string
}

type Option func(*Directory)

func WithNotifier(n *helpers.Notifier) Option {
	return func(d *Directory) {
		d.notifier = n
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

// WithFailureHook registers a callback for absorbed backend failures.
func WithFailureHook(f func(Failure)) Option {
	return func(d *Directory) {
		d.onFailure = f
	}
}

// WithPlaceholderIDGenerator overrides how offline conversation ids are made.
func WithPlaceholderIDGenerator(f func() string) Option {
	return func(d *Directory) {
		d.placeholderID = f
	}
}

func NewDirectory(backend Backend, ledger *conversation.Ledger, options ...Option) *Directory {
	d := &Directory{
		conversations: []Conversation{},
		folders:       []Folder{},
		placeholders:  map[string]struct{}{},
		backend:       backend,
		ledger:        ledger,
		logger:        log.Logger,
		placeholderID: func() string {
			return PlaceholderPrefix + uuid.NewString()
		},
	}
	for _, option := range options {
		option(d)
	}
	d.logger = d.logger.With().Str("component", Component).Logger()
	return d
}

func (d *Directory) fail(f Failure) {
	d.logger.Error().Err(f.Err).Str("op", string(f.Op)).Str("conversation_id", f.ConversationID).Msg("backend call failed")
	if d.onFailure != nil {
		d.onFailure(f)
	}
}

func (d *Directory) notify(op string, version int64, conversationID string) {
	d.notifier.Notify(helpers.Change{Component: Component, Op: op, Version: version, ConversationID: conversationID})
}

// LoadConversations replaces the conversation list with the backend's. On
// failure the list is left untouched and false is returned.
func (d *Directory) LoadConversations(ctx context.Context) bool {
	records, err := d.backend.ListConversations(ctx)
	if err != nil {
		d.fail(Failure{Op: OpLoadConversations, Err: err})
		return false
	}

	conversations := make([]Conversation, 0, len(records))
	for _, rec := range records {
		conversations = append(conversations, ConversationFromRecord(rec))
	}

	d.mu.Lock()
	d.conversations = conversations
	d.version++
	v, active := d.version, d.activeID
	d.mu.Unlock()

	d.logger.Debug().Int("count", len(conversations)).Msg("conversations loaded")
	d.notify(string(OpLoadConversations), v, active)
	return true
}

// LoadFolders replaces the folder list with the backend's. On failure the
// list is left untouched and false is returned.
func (d *Directory) LoadFolders(ctx context.Context) bool {
	folders, err := d.backend.ListFolders(ctx)
	if err != nil {
		d.fail(Failure{Op: OpLoadFolders, Err: err})
		return false
	}
	if folders == nil {
		folders = []Folder{}
	}

	d.mu.Lock()
	d.folders = folders
	d.version++
	v, active := d.version, d.activeID
	d.mu.Unlock()

	d.logger.Debug().Int("count", len(folders)).Msg("folders loaded")
	d.notify(string(OpLoadFolders), v, active)
	return true
}

// Load tracks the history fetch started by SelectConversation.
type Load struct {
	ConversationID string

	done    chan struct{}
	applied bool
	err     error
}

func newLoad(id string) *Load {
	return &Load{ConversationID: id, done: make(chan struct{})}
}

func (l *Load) finish(applied bool, err error) {
	l.applied = applied
	l.err = err
	close(l.done)
}

func (l *Load) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the fetch resolved. applied is false when the result was
// discarded because another conversation was selected meanwhile, or when the
// fetch failed, in which case err is set.
func (l *Load) Wait() (applied bool, err error) {
	<-l.done
	return l.applied, l.err
}

// SelectConversation makes id active and clears the ledger before returning.
// The history is fetched in the background and applied only if id is still
// the active conversation when it arrives.
//
// It must not be called from a change listener.
func (d *Directory) SelectConversation(ctx context.Context, id string) *Load {
	gen, v := d.switchTo(id, false)
	d.logger.Debug().Str("conversation_id", id).Uint64("generation", gen).Msg("conversation selected")
	d.notify("select_conversation", v, id)

	load := newLoad(id)
	go d.fetchHistory(ctx, id, gen, load)
	return load
}

func (d *Directory) fetchHistory(ctx context.Context, id string, gen uint64, load *Load) {
	records, err := d.backend.ListMessages(ctx, id)

	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if !d.isCurrent(id, gen) {
		d.logger.Debug().Str("conversation_id", id).Uint64("generation", gen).Msg("discarding stale history")
		load.finish(false, nil)
		return
	}
	if err != nil {
		d.fail(Failure{Op: OpLoadMessages, ConversationID: id, Err: err})
		load.finish(false, err)
		return
	}

	msgs := MessagesFromRecords(records, d.logger)
	d.ledger.LoadHistory(msgs)
	d.logger.Debug().Str("conversation_id", id).Int("count", len(msgs)).Msg("history loaded")
	load.finish(true, nil)
}

func (d *Directory) isCurrent(id string, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation == gen && d.activeID == id
}

// switchTo sets the active id and clears the ledger as one step with respect
// to other switches and history applications.
func (d *Directory) switchTo(id string, prepend bool, conv ...Conversation) (uint64, int64) {
	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	d.mu.Lock()
	if prepend {
		d.conversations = append(append([]Conversation{}, conv...), d.conversations...)
	}
	d.activeID = id
	d.generation++
	d.version++
	gen, v := d.generation, d.version
	d.mu.Unlock()

	d.ledger.Clear()
	return gen, v
}

// Created is the result of CreateConversation.
type Created struct {
	ID           string
	Conversation *Conversation
	// Placeholder is set when the backend call failed and ID was generated
	// locally. Messages sent under it are not durably stored.
	Placeholder bool
}

// CreateConversation creates a conversation on the backend, prepends it to the
// list and makes it active with an empty ledger. When the backend fails, a
// local placeholder id is made active instead and the list is not touched.
func (d *Directory) CreateConversation(ctx context.Context, title string) Created {
	rec, err := d.backend.CreateConversation(ctx, title)
	if err == nil && rec.ID == "" {
		err = errors.New("backend returned a conversation without id")
	}
	if err != nil {
		d.fail(Failure{Op: OpCreateConversation, Err: err})

		id := d.newPlaceholderID()
		_, v := d.switchTo(id, false)
		d.logger.Warn().Str("conversation_id", id).Msg("using placeholder conversation")
		d.notify("create_conversation", v, id)
		return Created{ID: id, Placeholder: true}
	}

	conv := ConversationFromRecord(rec)
	_, v := d.switchTo(conv.ID, true, conv)
	d.logger.Debug().Str("conversation_id", conv.ID).Msg("conversation created")
	d.notify("create_conversation", v, conv.ID)

	ret := conv
	return Created{ID: conv.ID, Conversation: &ret}
}

func (d *Directory) newPlaceholderID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		id := d.placeholderID()
		if _, seen := d.placeholders[id]; seen {
			continue
		}
		d.placeholders[id] = struct{}{}
		return id
	}
}

// IsPlaceholder reports whether id was generated locally.
func (d *Directory) IsPlaceholder(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.placeholders[id]
	return ok
}

// ActiveConversationID returns the active id, false when none is selected.
func (d *Directory) ActiveConversationID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID, d.activeID != ""
}

func (d *Directory) Conversations() []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return clone.Clone(d.conversations).([]Conversation)
}

func (d *Directory) Conversation(id string) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conversations {
		if c.ID == id {
			return clone.Clone(c).(Conversation), true
		}
	}
	return Conversation{}, false
}

func (d *Directory) Folders() []Folder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return clone.Clone(d.folders).([]Folder)
}

func (d *Directory) Version() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}
