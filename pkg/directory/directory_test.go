package directory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/chatstate/pkg/conversation"
	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	listConversations func(ctx context.Context) ([]ConversationRecord, error)
	listFolders       func(ctx context.Context) ([]Folder, error)
	listMessages      func(ctx context.Context, id string) ([]MessageRecord, error)
	create            func(ctx context.Context, title string) (ConversationRecord, error)
}

func (f *fakeBackend) ListConversations(ctx context.Context) ([]ConversationRecord, error) {
	if f.listConversations == nil {
		return nil, nil
	}
	return f.listConversations(ctx)
}

func (f *fakeBackend) ListFolders(ctx context.Context) ([]Folder, error) {
	if f.listFolders == nil {
		return nil, nil
	}
	return f.listFolders(ctx)
}

func (f *fakeBackend) ListMessages(ctx context.Context, id string) ([]MessageRecord, error) {
	if f.listMessages == nil {
		return nil, nil
	}
	return f.listMessages(ctx, id)
}

func (f *fakeBackend) CreateConversation(ctx context.Context, title string) (ConversationRecord, error) {
	if f.create == nil {
		return ConversationRecord{}, errors.New("not implemented")
	}
	return f.create(ctx, title)
}

func strPtr(s string) *string { return &s }

func TestLoadConversationsReplacesList(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	created := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	b := &fakeBackend{
		listConversations: func(ctx context.Context) ([]ConversationRecord, error) {
			return []ConversationRecord{
				{ID: "c1", Title: strPtr("First"), UpdatedAt: &updated, Metadata: map[string]interface{}{"pinned": true, "folderId": "f1"}},
				{ID: "c2", CreatedAt: &created},
			}, nil
		},
	}
	d := NewDirectory(b, conversation.NewLedger())

	require.True(t, d.LoadConversations(context.Background()))
	convs := d.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "First", convs[0].Title)
	assert.True(t, convs[0].Pinned())
	assert.Equal(t, "f1", convs[0].FolderID())
	assert.Equal(t, updated, convs[0].UpdatedAt)
	assert.Equal(t, DefaultTitle, convs[1].Title)
	assert.Equal(t, created, convs[1].UpdatedAt)
	assert.False(t, convs[1].Archived())
}

func TestLoadFailuresKeepStateAndReport(t *testing.T) {
	fail := false
	b := &fakeBackend{
		listConversations: func(ctx context.Context) ([]ConversationRecord, error) {
			if fail {
				return nil, errors.New("offline")
			}
			return []ConversationRecord{{ID: "c1"}}, nil
		},
		listFolders: func(ctx context.Context) ([]Folder, error) {
			if fail {
				return nil, errors.New("offline")
			}
			return []Folder{{"id": "f1", "name": "Work"}}, nil
		},
	}
	var failures []Failure
	d := NewDirectory(b, conversation.NewLedger(), WithFailureHook(func(f Failure) {
		failures = append(failures, f)
	}))

	require.True(t, d.LoadConversations(context.Background()))
	require.True(t, d.LoadFolders(context.Background()))

	fail = true
	assert.False(t, d.LoadConversations(context.Background()))
	assert.False(t, d.LoadFolders(context.Background()))

	assert.Len(t, d.Conversations(), 1)
	folders := d.Folders()
	require.Len(t, folders, 1)
	assert.Equal(t, "f1", folders[0].ID())
	assert.Equal(t, "Work", folders[0]["name"])

	require.Len(t, failures, 2)
	assert.Equal(t, OpLoadConversations, failures[0].Op)
	assert.Equal(t, OpLoadFolders, failures[1].Op)
}

func TestSelectConversationClearsSynchronously(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{
		listMessages: func(ctx context.Context, id string) ([]MessageRecord, error) {
			<-release
			return []MessageRecord{{ID: "m1", Role: "user", Content: "hi"}}, nil
		},
	}
	ledger := conversation.NewLedger()
	ledger.Append(conversation.NewUserMessage("from the previous conversation"))
	d := NewDirectory(b, ledger)

	load := d.SelectConversation(context.Background(), "c1")
	id, ok := d.ActiveConversationID()
	require.True(t, ok)
	assert.Equal(t, "c1", id)
	assert.Equal(t, 0, ledger.Len())

	close(release)
	applied, err := load.Wait()
	require.NoError(t, err)
	assert.True(t, applied)

	msgs := ledger.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	gates := map[string]chan struct{}{
		"A": make(chan struct{}),
		"B": make(chan struct{}),
	}
	b := &fakeBackend{
		listMessages: func(ctx context.Context, id string) ([]MessageRecord, error) {
			<-gates[id]
			return []MessageRecord{{ID: id + "-1", Role: "assistant", Content: "from " + id}}, nil
		},
	}
	ledger := conversation.NewLedger()
	d := NewDirectory(b, ledger)

	loadA := d.SelectConversation(context.Background(), "A")
	loadB := d.SelectConversation(context.Background(), "B")

	close(gates["B"])
	applied, err := loadB.Wait()
	require.NoError(t, err)
	require.True(t, applied)

	close(gates["A"])
	applied, err = loadA.Wait()
	require.NoError(t, err)
	assert.False(t, applied)

	msgs := ledger.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "from B", msgs[0].Content)
}

type gateKey struct{}

func TestReselectingSameIDDiscardsOlderFetch(t *testing.T) {
	first := make(chan struct{})
	b := &fakeBackend{
		listMessages: func(ctx context.Context, id string) ([]MessageRecord, error) {
			if ctx.Value(gateKey{}) != nil {
				<-first
				return []MessageRecord{{ID: "old", Role: "user", Content: "old"}}, nil
			}
			return []MessageRecord{{ID: id + "-new", Role: "user", Content: "new"}}, nil
		},
	}
	ledger := conversation.NewLedger()
	d := NewDirectory(b, ledger)

	gated := context.WithValue(context.Background(), gateKey{}, true)
	loadA1 := d.SelectConversation(gated, "A")
	loadB := d.SelectConversation(context.Background(), "B")
	loadA2 := d.SelectConversation(context.Background(), "A")

	_, _ = loadB.Wait()
	applied, err := loadA2.Wait()
	require.NoError(t, err)
	require.True(t, applied)

	close(first)
	applied, _ = loadA1.Wait()
	assert.False(t, applied)

	msgs := ledger.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Content)
}

func TestSelectFailureReportsAndLeavesLedgerEmpty(t *testing.T) {
	b := &fakeBackend{
		listMessages: func(ctx context.Context, id string) ([]MessageRecord, error) {
			return nil, errors.New("timeout")
		},
	}
	var failures []Failure
	var mu sync.Mutex
	ledger := conversation.NewLedger()
	d := NewDirectory(b, ledger, WithFailureHook(func(f Failure) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, f)
	}))

	applied, err := d.SelectConversation(context.Background(), "c1").Wait()
	require.Error(t, err)
	assert.False(t, applied)
	assert.Equal(t, 0, ledger.Len())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	assert.Equal(t, OpLoadMessages, failures[0].Op)
	assert.Equal(t, "c1", failures[0].ConversationID)
}

func TestCreateConversationSuccess(t *testing.T) {
	b := &fakeBackend{
		listConversations: func(ctx context.Context) ([]ConversationRecord, error) {
			return []ConversationRecord{{ID: "c1"}}, nil
		},
		create: func(ctx context.Context, title string) (ConversationRecord, error) {
			return ConversationRecord{ID: "c2", Title: strPtr(title)}, nil
		},
	}
	ledger := conversation.NewLedger()
	ledger.Append(conversation.NewUserMessage("old"))
	d := NewDirectory(b, ledger)
	d.LoadConversations(context.Background())

	created := d.CreateConversation(context.Background(), "Plans")
	assert.False(t, created.Placeholder)
	require.NotNil(t, created.Conversation)
	assert.Equal(t, "Plans", created.Conversation.Title)

	convs := d.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)
	id, _ := d.ActiveConversationID()
	assert.Equal(t, "c2", id)
	assert.Equal(t, 0, ledger.Len())
}

func TestCreateConversationFailureUsesPlaceholder(t *testing.T) {
	b := &fakeBackend{
		listConversations: func(ctx context.Context) ([]ConversationRecord, error) {
			return []ConversationRecord{{ID: "c1"}}, nil
		},
		create: func(ctx context.Context, title string) (ConversationRecord, error) {
			return ConversationRecord{}, errors.New("503")
		},
	}
	ledger := conversation.NewLedger()
	ledger.Append(conversation.NewUserMessage("old"))
	var failures []Failure
	d := NewDirectory(b, ledger, WithFailureHook(func(f Failure) { failures = append(failures, f) }))
	d.LoadConversations(context.Background())

	first := d.CreateConversation(context.Background(), "")
	second := d.CreateConversation(context.Background(), "")

	assert.True(t, first.Placeholder)
	assert.Nil(t, first.Conversation)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, "c1", first.ID)
	assert.True(t, d.IsPlaceholder(second.ID))
	assert.False(t, d.IsPlaceholder("c1"))

	id, ok := d.ActiveConversationID()
	require.True(t, ok)
	assert.Equal(t, second.ID, id)
	assert.Len(t, d.Conversations(), 1)
	assert.Equal(t, 0, ledger.Len())
	require.Len(t, failures, 2)
	assert.Equal(t, OpCreateConversation, failures[0].Op)
}

func TestPlaceholderIDsAreNeverReused(t *testing.T) {
	ids := []string{"p1", "p1", "p2"}
	i := 0
	d := NewDirectory(&fakeBackend{}, conversation.NewLedger(), WithPlaceholderIDGenerator(func() string {
		id := ids[i]
		i++
		return id
	}))

	assert.Equal(t, "p1", d.CreateConversation(context.Background(), "").ID)
	assert.Equal(t, "p2", d.CreateConversation(context.Background(), "").ID)
}

func TestMessagesFromRecords(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []MessageRecord{
		{ID: "m1", Role: "user", Content: "hi", CreatedAt: &created},
		{ID: "m2", Role: "system", Content: "hidden"},
		{ID: "m3", Role: "assistant", Content: "answer", Metadata: &MessageRecordMetadata{
			Widgets: []json.RawMessage{
				json.RawMessage(`{"widgetId":"w1","type":"chart","props":{"title":"Sales"}}`),
				json.RawMessage(`{"widgetId":"w2","type":"chart","props":{"title":"Sales"}}`),
				json.RawMessage(`{"type":"broken"}`),
			},
			Usage: &conversation.Usage{TotalTokens: 9},
		}},
	}

	msgs := MessagesFromRecords(records, zerolog.Nop())
	require.Len(t, msgs, 2)
	assert.Equal(t, created, msgs[0].CreatedAt)
	assert.Equal(t, "m3", msgs[1].ID)
	require.Len(t, msgs[1].Widgets, 1)
	assert.Equal(t, "w1", msgs[1].Widgets[0].WidgetID)
	require.NotNil(t, msgs[1].Usage)
	assert.Equal(t, 9, msgs[1].Usage.TotalTokens)
}

func TestDirectoryNotifies(t *testing.T) {
	n := helpers.NewNotifier()
	var mu sync.Mutex
	var changes []helpers.Change
	n.Subscribe(func(c helpers.Change) {
		mu.Lock()
		defer mu.Unlock()
		if c.Component == Component {
			changes = append(changes, c)
		}
	})

	b := &fakeBackend{}
	d := NewDirectory(b, conversation.NewLedger(conversation.WithNotifier(n)), WithNotifier(n))
	d.LoadConversations(context.Background())
	_, _ = d.SelectConversation(context.Background(), "c1").Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, "select_conversation", changes[1].Op)
	assert.Equal(t, "c1", changes[1].ConversationID)
}
