package directory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-go-golems/chatstate/pkg/conversation"
	"github.com/go-go-golems/chatstate/pkg/parse"
	"github.com/go-go-golems/chatstate/pkg/widgets"
	"github.com/rs/zerolog"
)

// Backend is the conversation store the directory syncs with.
type Backend interface {
	ListConversations(ctx context.Context) ([]ConversationRecord, error)
	ListFolders(ctx context.Context) ([]Folder, error)
	ListMessages(ctx context.Context, conversationID string) ([]MessageRecord, error)
	CreateConversation(ctx context.Context, title string) (ConversationRecord, error)
}

// ConversationRecord is a conversation as returned by the backend.
type ConversationRecord struct {
	ID          string                 `json:"id" yaml:"id"`
	Title       *string                `json:"title,omitempty" yaml:"title,omitempty"`
	LastMessage string                 `json:"last_message,omitempty" yaml:"last_message,omitempty"`
	UpdatedAt   *time.Time             `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	CreatedAt   *time.Time             `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// MessageRecord is a stored message as returned by the backend.
type MessageRecord struct {
	ID        string                 `json:"id" yaml:"id"`
	Role      string                 `json:"role" yaml:"role"`
	Content   string                 `json:"content" yaml:"content"`
	CreatedAt *time.Time             `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Metadata  *MessageRecordMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type MessageRecordMetadata struct {
	Widgets []json.RawMessage   `json:"widgets,omitempty" yaml:"-"`
	Usage   *conversation.Usage `json:"usage,omitempty" yaml:"usage,omitempty"`
}

const DefaultTitle = "Untitled"

// Conversation is a named chat session known to the directory.
type Conversation struct {
	ID          string                 `json:"id" yaml:"id"`
	Title       string                 `json:"title" yaml:"title"`
	LastMessage string                 `json:"lastMessage,omitempty" yaml:"lastMessage,omitempty"`
	UpdatedAt   time.Time              `json:"updatedAt" yaml:"updatedAt"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (c Conversation) Pinned() bool {
	v, _ := c.Metadata["pinned"].(bool)
	return v
}

func (c Conversation) Archived() bool {
	v, _ := c.Metadata["archived"].(bool)
	return v
}

func (c Conversation) FolderID() string {
	v, _ := c.Metadata["folderId"].(string)
	return v
}

// Folder is passed through from the backend unchanged.
type Folder map[string]interface{}

func (f Folder) ID() string {
	v, _ := f["id"].(string)
	return v
}

// ConversationFromRecord fills in the title and timestamp defaults.
func ConversationFromRecord(rec ConversationRecord) Conversation {
	c := Conversation{
		ID:          rec.ID,
		Title:       DefaultTitle,
		LastMessage: rec.LastMessage,
		Metadata:    rec.Metadata,
	}
	if rec.Title != nil && *rec.Title != "" {
		c.Title = *rec.Title
	}
	switch {
	case rec.UpdatedAt != nil:
		c.UpdatedAt = *rec.UpdatedAt
	case rec.CreatedAt != nil:
		c.UpdatedAt = *rec.CreatedAt
	}
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	return c
}

// MessagesFromRecords converts stored messages for the ledger. Records with an
// unknown role and widgets failing validation are dropped.
func MessagesFromRecords(records []MessageRecord, logger zerolog.Logger) []*conversation.Message {
	ret := make([]*conversation.Message, 0, len(records))
	for _, rec := range records {
		role := conversation.Role(rec.Role)
		if !role.Valid() {
			logger.Debug().Str("message_id", rec.ID).Str("role", rec.Role).Msg("skipping message with unsupported role")
			continue
		}

		options := []conversation.MessageOption{}
		if rec.ID != "" {
			options = append(options, conversation.WithID(rec.ID))
		}
		if rec.CreatedAt != nil {
			options = append(options, conversation.WithTime(*rec.CreatedAt))
		}
		if rec.Metadata != nil {
			if rec.Metadata.Usage != nil {
				u := *rec.Metadata.Usage
				options = append(options, conversation.WithUsage(&u))
			}
			var ws []widgets.Directive
			for i, raw := range rec.Metadata.Widgets {
				d, err := parse.DecodeDirective(raw)
				if err != nil {
					logger.Warn().Err(err).Str("message_id", rec.ID).Int("widget", i).Msg("dropping invalid stored widget")
					continue
				}
				ws, _ = widgets.Upsert(ws, d)
			}
			if len(ws) > 0 {
				options = append(options, conversation.WithWidgets(ws...))
			}
		}

		ret = append(ret, conversation.NewMessage(role, rec.Content, options...))
	}
	return ret
}
