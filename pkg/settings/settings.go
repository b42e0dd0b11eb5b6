package settings

import (
	"io"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendSQLite BackendKind = "sqlite"
	BackendHTTP   BackendKind = "http"
)

type BackendSettings struct {
	Kind    BackendKind   `yaml:"kind" mapstructure:"kind"`
	DSN     string        `yaml:"dsn,omitempty" mapstructure:"dsn"`
	BaseURL string        `yaml:"base-url,omitempty" mapstructure:"base-url"`
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

type EventSettings struct {
	// Topic is the watermill topic stream events are routed over.
	Topic         string `yaml:"topic" mapstructure:"topic"`
	BlockUntilAck bool   `yaml:"block-until-ack" mapstructure:"block-until-ack"`
	// ChangesTopic, when set, receives every state change as JSON.
	ChangesTopic string `yaml:"changes-topic,omitempty" mapstructure:"changes-topic"`
}

type DirectiveSettings struct {
	// Inline enables extraction of ```widget blocks from streamed text.
	Inline bool `yaml:"inline" mapstructure:"inline"`
}

type Settings struct {
	Backend    BackendSettings   `yaml:"backend" mapstructure:"backend"`
	Events     EventSettings     `yaml:"events" mapstructure:"events"`
	Directives DirectiveSettings `yaml:"directives" mapstructure:"directives"`
}

func NewSettings() *Settings {
	return &Settings{
		Backend: BackendSettings{
			Kind:    BackendMemory,
			Timeout: 30 * time.Second,
		},
		Events: EventSettings{
			Topic:         "chat",
			BlockUntilAck: true,
		},
		Directives: DirectiveSettings{
			Inline: true,
		},
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

func (s *Settings) Validate() error {
	switch s.Backend.Kind {
	case BackendMemory:
	case BackendSQLite:
		if s.Backend.DSN == "" {
			return errors.New("sqlite backend needs a dsn")
		}
	case BackendHTTP:
		if s.Backend.BaseURL == "" {
			return errors.New("http backend needs a base-url")
		}
	default:
		return errors.Errorf("unknown backend kind %q", s.Backend.Kind)
	}
	if s.Backend.Timeout < 0 {
		return errors.Errorf("negative backend timeout %s", s.Backend.Timeout)
	}
	if s.Events.Topic == "" {
		return errors.New("events topic must not be empty")
	}
	return nil
}

// LoadFromYAML decodes r over the defaults.
func LoadFromYAML(r io.Reader) (*Settings, error) {
	s := NewSettings()
	if err := yaml.NewDecoder(r).Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// FromViper reads the settings keys (backend.kind, events.topic, ...) from v
// over the defaults.
func FromViper(v *viper.Viper) (*Settings, error) {
	s := NewSettings()
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
