package firehose

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	ev, err := Parse(`{"id":1234567890123456789,"text":"hi","user":{"verified":true},"tags":["a",null]}`)
	require.NoError(t, err)

	assert.Equal(t, "hi", ev.Get("text"))
	assert.Equal(t, json.Number("1234567890123456789"), ev.Get("id"))

	user, ok := ev.Get("user").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, user["verified"])

	tags, ok := ev.Get("tags").([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", nil}, tags)
	assert.Nil(t, ev.Get("missing"))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"truncated", `{"text":"a"`},
		{"garbage", `not json`},
		{"trailing", `{"a":1} {"b":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.line)
			assert.Error(t, err)
		})
	}
}

func TestEvent_NonObject(t *testing.T) {
	ev, err := Parse(`[1,2]`)
	require.NoError(t, err)
	assert.Nil(t, ev.Object())
	assert.Nil(t, ev.Get("text"))
}
