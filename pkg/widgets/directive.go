package widgets

// Display is the placement hint of a widget.
type Display string

const (
	DisplayInline Display = "inline"
	DisplayPanel  Display = "panel"
)

// PropTitle is the prop consulted by content-based deduplication.
const PropTitle = "title"

// Props maps named attributes to values.
type Props map[string]Value

// Title returns the title prop when it is present, non-null and not the empty string.
func (p Props) Title() (Value, bool) {
	v, ok := p[PropTitle]
	if !ok || v.IsNull() {
		return Value{}, false
	}
	if s, isString := v.AsString(); isString && s == "" {
		return Value{}, false
	}
	return v, true
}

// Merge returns the key-union of p and incoming, incoming values winning on collision.
func (p Props) Merge(incoming Props) Props {
	out := make(Props, len(p)+len(incoming))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func (p Props) Equal(o Props) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		other, ok := o[k]
		if !ok || !v.Equal(other) {
			return false
		}
	}
	return true
}

// Directive is a structured, renderable unit attached to an assistant message.
type Directive struct {
	WidgetID string  `json:"widgetId" yaml:"widgetId"`
	Type     string  `json:"type" yaml:"type"`
	Props    Props   `json:"props,omitempty" yaml:"props,omitempty"`
	Display  Display `json:"display,omitempty" yaml:"display,omitempty"`
}

func NewDirective(widgetID, type_ string, props Props) Directive {
	if props == nil {
		props = Props{}
	}
	return Directive{
		WidgetID: widgetID,
		Type:     type_,
		Props:    props,
		Display:  DisplayInline,
	}
}
