package parse

import (
	"encoding/json"
	"testing"

	"github.com/go-go-golems/chatstate/pkg/widgets"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDirective(t *testing.T) {
	d, err := DecodeDirective([]byte(`{
		"widgetId": "w1",
		"type": "chart",
		"display": "panel",
		"props": {"title": "Sales", "points": [1, 2], "extra": {"a": true}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "w1", d.WidgetID)
	assert.Equal(t, "chart", d.Type)
	assert.Equal(t, widgets.DisplayPanel, d.Display)
	title, ok := d.Props.Title()
	require.True(t, ok)
	assert.True(t, title.Equal(widgets.String("Sales")))
}

func TestDecodeDirectiveDefaults(t *testing.T) {
	d, err := DecodeDirective([]byte(`{"type": "note"}`), WithDefaultWidgetID("inline-0"))
	require.NoError(t, err)
	assert.Equal(t, "inline-0", d.WidgetID)
	assert.Equal(t, widgets.DisplayInline, d.Display)
	assert.NotNil(t, d.Props)
}

func TestDecodeDirectiveRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
	}{
		{name: "missing type", payload: `{"widgetId": "w1"}`},
		{name: "missing id", payload: `{"type": "chart"}`},
		{name: "empty type", payload: `{"widgetId": "w1", "type": ""}`},
		{name: "bad display", payload: `{"widgetId": "w1", "type": "chart", "display": "popup"}`},
		{name: "props not an object", payload: `{"widgetId": "w1", "type": "chart", "props": [1]}`},
		{name: "null", payload: `null`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeDirective([]byte(tc.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDirective))
		})
	}

	_, err := DecodeDirective([]byte(`{not json`))
	require.Error(t, err)
}

func TestDecodeFencedDirectiveYAML(t *testing.T) {
	d, err := DecodeFencedDirective("widgetId: w2\ntype: table\nprops:\n  title: Costs\n  rows: 3\n")
	require.NoError(t, err)
	assert.Equal(t, "w2", d.WidgetID)
	rows, ok := d.Props["rows"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, 3.0, rows)
}

func TestDirectiveSchema(t *testing.T) {
	b, err := json.Marshal(DirectiveSchema())
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "object", doc["type"])
	assert.ElementsMatch(t, []interface{}{"widgetId", "type"}, doc["required"])
}
