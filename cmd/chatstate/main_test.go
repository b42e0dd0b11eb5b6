package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/chatstate/pkg/backend"
	"github.com/go-go-golems/chatstate/pkg/directory"
	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/go-go-golems/chatstate/pkg/session"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const replayFixture = `{"type":"partial","delta":"Hello "}
{"type":"partial","delta":"world"}
{"type":"widget","widget":{"widgetId":"w1","type":"chart","props":{"title":"Sales"}}}
not an event
{"type":"usage","usage":{"total_tokens":5}}
{"type":"final"}
`

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(replayFixture), 0o600))
	return path
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestReplayCommand(t *testing.T) {
	out, err := executeRoot(t,
		"replay",
		"--events", writeFixture(t),
		"--prompt", "hi",
		"--title", "replayed",
		"--dump=false",
		"--block-until-ack=true",
		"--backend-kind", "memory",
		"--log-level", "error",
	)
	require.NoError(t, err)

	var state struct {
		ConversationID string `yaml:"conversation_id"`
		Events         int    `yaml:"events"`
		Streaming      bool   `yaml:"streaming"`
		Messages       []struct {
			Role      string                   `yaml:"role"`
			Content   string                   `yaml:"content"`
			Streaming bool                     `yaml:"streaming"`
			Widgets   []map[string]interface{} `yaml:"widgets"`
			Usage     *struct {
				TotalTokens int `yaml:"total_tokens"`
			} `yaml:"usage"`
		} `yaml:"messages"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &state))

	assert.NotEmpty(t, state.ConversationID)
	assert.Equal(t, 5, state.Events)
	assert.False(t, state.Streaming)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "user", state.Messages[0].Role)
	assert.Equal(t, "hi", state.Messages[0].Content)

	reply := state.Messages[1]
	assert.Equal(t, "assistant", reply.Role)
	assert.Equal(t, "Hello world", reply.Content)
	assert.False(t, reply.Streaming)
	require.Len(t, reply.Widgets, 1)
	assert.Equal(t, "w1", reply.Widgets[0]["widgetId"])
	require.NotNil(t, reply.Usage)
	assert.Equal(t, 5, reply.Usage.TotalTokens)
}

func TestReplayCommandRequiresBlockingPublish(t *testing.T) {
	_, err := executeRoot(t,
		"replay",
		"--events", writeFixture(t),
		"--block-until-ack=false",
		"--backend-kind", "memory",
		"--log-level", "error",
	)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "block-until-ack"))

	_, err = executeRoot(t, "replay", "--block-until-ack=true", "--events", filepath.Join(t.TempDir(), "missing.ndjson"))
	require.Error(t, err)
}

type collectingProcessor struct {
	rows []types.Row
}

func (c *collectingProcessor) AddRow(_ context.Context, row types.Row) error {
	c.rows = append(c.rows, row)
	return nil
}

func cell(t *testing.T, row types.Row, field string) interface{} {
	t.Helper()
	v, ok := row.Get(field)
	require.True(t, ok, "missing field %s", field)
	return v
}

func newSeededEngine() *session.Engine {
	store := backend.NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.PutConversation(directory.ConversationRecord{
		ID:        "c1",
		Title:     helpers.ToPtr("Budget"),
		UpdatedAt: helpers.ToPtr(base),
		Metadata:  map[string]interface{}{"pinned": true, "folderId": "f1"},
	})
	store.PutConversation(directory.ConversationRecord{ID: "c2", UpdatedAt: helpers.ToPtr(base.Add(time.Hour))})
	store.AddFolder(directory.Folder{"id": "f1", "name": "Work"})
	store.AddMessages("c1",
		directory.MessageRecord{ID: "m1", Role: "user", Content: "numbers?"},
		directory.MessageRecord{ID: "m2", Role: "assistant", Content: "here"},
	)
	return session.New(store, session.WithLogger(zerolog.Nop()))
}

func TestConversationRows(t *testing.T) {
	ctx := context.Background()

	gp := &collectingProcessor{}
	require.NoError(t, emitConversationRows(ctx, newSeededEngine(), &ConversationsSettings{}, gp))
	require.Len(t, gp.rows, 2)
	assert.Equal(t, "c2", cell(t, gp.rows[0], "id"))
	assert.Equal(t, directory.DefaultTitle, cell(t, gp.rows[0], "title"))
	assert.Equal(t, "c1", cell(t, gp.rows[1], "id"))
	assert.Equal(t, true, cell(t, gp.rows[1], "pinned"))
	assert.Equal(t, "f1", cell(t, gp.rows[1], "folder_id"))

	gp = &collectingProcessor{}
	require.NoError(t, emitConversationRows(ctx, newSeededEngine(), &ConversationsSettings{Folders: true}, gp))
	require.Len(t, gp.rows, 1)
	assert.Equal(t, "Work", cell(t, gp.rows[0], "name"))

	gp = &collectingProcessor{}
	require.NoError(t, emitConversationRows(ctx, newSeededEngine(), &ConversationsSettings{Show: "c1"}, gp))
	require.Len(t, gp.rows, 2)
	assert.Equal(t, "user", cell(t, gp.rows[0], "role"))
	assert.Equal(t, "here", cell(t, gp.rows[1], "content"))

	err := emitConversationRows(ctx, newSeededEngine(), &ConversationsSettings{Show: "missing"}, &collectingProcessor{})
	require.Error(t, err)
}

func TestConversationsCommandIsRegistered(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"conversations"})
	require.NoError(t, err)
	assert.Equal(t, "conversations", cmd.Name())
	assert.NotNil(t, cmd.Flags().Lookup("show"))
	assert.NotNil(t, cmd.Flags().Lookup("folders"))
}
