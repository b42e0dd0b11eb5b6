package parse

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-go-golems/chatstate/pkg/widgets"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// DirectiveDocument is the wire shape of a widget directive. It exists to
// derive the JSON schema payloads are validated against.
type DirectiveDocument struct {
	WidgetID string                 `json:"widgetId" jsonschema:"minLength=1,description=Producer assigned widget identifier"`
	Type     string                 `json:"type" jsonschema:"minLength=1,description=Category of renderable content"`
	Props    map[string]interface{} `json:"props,omitempty" jsonschema:"description=Named attributes of the widget"`
	Display  string                 `json:"display,omitempty" jsonschema:"enum=inline,enum=panel"`
}

// ErrInvalidDirective wraps schema violations.
var ErrInvalidDirective = errors.New("invalid widget directive")

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

// DirectiveSchema returns the JSON schema of a widget directive.
func DirectiveSchema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(&DirectiveDocument{})
	schema.Version = ""
	schema.Title = "Widget directive"
	return schema
}

func directiveValidator() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(DirectiveSchema())
		if err != nil {
			schemaErr = errors.Wrap(err, "failed to marshal directive schema")
			return
		}
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
		if schemaErr != nil {
			schemaErr = errors.Wrap(schemaErr, "failed to compile directive schema")
		}
	})
	return compiledSchema, schemaErr
}

type decodeOptions struct {
	defaultWidgetID string
}

type DecodeOption func(*decodeOptions)

// WithDefaultWidgetID fills in widgetId when the payload lacks one.
func WithDefaultWidgetID(id string) DecodeOption {
	return func(o *decodeOptions) {
		o.defaultWidgetID = id
	}
}

// DecodeDirective parses and validates a JSON widget directive.
func DecodeDirective(b []byte, options ...DecodeOption) (widgets.Directive, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return widgets.Directive{}, errors.Wrap(err, "failed to unmarshal widget directive")
	}
	if raw == nil {
		return widgets.Directive{}, errors.Wrap(ErrInvalidDirective, "directive is null")
	}
	return DirectiveFromMap(raw, options...)
}

// DecodeFencedDirective parses the body of a ```widget block, either JSON or YAML.
func DecodeFencedDirective(code string, options ...DecodeOption) (widgets.Directive, error) {
	var raw map[string]interface{}
	if json.Valid([]byte(code)) {
		return DecodeDirective([]byte(code), options...)
	}
	if err := yaml.Unmarshal([]byte(code), &raw); err != nil {
		return widgets.Directive{}, errors.Wrap(err, "failed to unmarshal widget block")
	}
	if raw == nil {
		return widgets.Directive{}, errors.Wrap(ErrInvalidDirective, "empty widget block")
	}
	return DirectiveFromMap(raw, options...)
}

// DirectiveFromMap validates an already decoded directive.
func DirectiveFromMap(raw map[string]interface{}, options ...DecodeOption) (widgets.Directive, error) {
	opts := decodeOptions{}
	for _, option := range options {
		option(&opts)
	}

	if id, _ := raw["widgetId"].(string); id == "" && opts.defaultWidgetID != "" {
		cp := make(map[string]interface{}, len(raw)+1)
		for k, v := range raw {
			cp[k] = v
		}
		cp["widgetId"] = opts.defaultWidgetID
		raw = cp
	}

	schema, err := directiveValidator()
	if err != nil {
		return widgets.Directive{}, err
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return widgets.Directive{}, errors.Wrap(err, "failed to validate widget directive")
	}
	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}
		return widgets.Directive{}, errors.Wrap(ErrInvalidDirective, strings.Join(descriptions, "; "))
	}

	props := widgets.Props{}
	if p, ok := raw["props"].(map[string]interface{}); ok {
		v, err := widgets.FromAny(p)
		if err != nil {
			return widgets.Directive{}, errors.Wrap(err, "invalid props")
		}
		m, _ := v.AsMap()
		props = widgets.Props(m)
	}

	d := widgets.NewDirective(raw["widgetId"].(string), raw["type"].(string), props)
	if display, ok := raw["display"].(string); ok && display != "" {
		d.Display = widgets.Display(display)
	}
	return d, nil
}
