package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/chatstate/pkg/widgets"
	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Usage is the token accounting reported at the end of a turn.
type Usage struct {
	InputTokens  int     `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int     `json:"output_tokens" yaml:"output_tokens"`
	TotalTokens  int     `json:"total_tokens" yaml:"total_tokens"`
	CostUSD      float64 `json:"cost_usd" yaml:"cost_usd"`
	Model        string  `json:"model" yaml:"model"`
}

type ToolExecution struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Input      json.RawMessage `json:"input,omitempty" yaml:"-"`
	Result     string          `json:"result,omitempty" yaml:"result,omitempty"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

// FileRef points at a file produced or referenced during a turn.
type FileRef struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	MediaType string `json:"media_type,omitempty" yaml:"media_type,omitempty"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Message is one turn of a conversation. Content and widgets are only mutated
// while Streaming is set; the terminal fields are attached when streaming ends.
type Message struct {
	ID        string              `json:"id" yaml:"id"`
	Role      Role                `json:"role" yaml:"role"`
	Content   string              `json:"content" yaml:"content"`
	Widgets   []widgets.Directive `json:"widgets,omitempty" yaml:"widgets,omitempty"`
	Streaming bool                `json:"streaming" yaml:"streaming"`

	ToolExecutions []ToolExecution `json:"toolExecutions,omitempty" yaml:"toolExecutions,omitempty"`
	ToolCount      int             `json:"toolCount,omitempty" yaml:"toolCount,omitempty"`
	Usage          *Usage          `json:"usage,omitempty" yaml:"usage,omitempty"`
	FileRefs       []FileRef       `json:"fileRefs,omitempty" yaml:"fileRefs,omitempty"`

	CreatedAt time.Time              `json:"createdAt" yaml:"createdAt"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(m *Message) {
		m.Metadata = metadata
	}
}

func WithWidgets(directives ...widgets.Directive) MessageOption {
	return func(m *Message) {
		m.Widgets = append(m.Widgets, directives...)
	}
}

func WithUsage(usage *Usage) MessageOption {
	return func(m *Message) {
		m.Usage = usage
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func NewUserMessage(text string, options ...MessageOption) *Message {
	return NewMessage(RoleUser, text, options...)
}

// NewStreamingAssistantMessage returns the empty assistant message a turn starts with.
func NewStreamingAssistantMessage(options ...MessageOption) *Message {
	m := NewMessage(RoleAssistant, "", options...)
	m.Streaming = true
	return m
}

func (m *Message) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
	if len(m.Widgets) > 0 {
		_, _ = fmt.Fprintf(&sb, " (%d widgets)", len(m.Widgets))
	}
	if m.Streaming {
		sb.WriteString(" …")
	}
	return sb.String()
}
