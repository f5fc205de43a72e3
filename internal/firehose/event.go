package firehose

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Event pairs a raw stream line with its parsed JSON tree. Node holds
// map[string]any, []any, json.Number, string, bool or nil values.
//
// Events are shared read-only between every listener dispatched for the
// same line and must not be mutated.
type Event struct {
	Line string
	Node any
}

// Parse decodes a single stream line. Numbers are kept as json.Number so
// 64-bit identifiers survive without float rounding.
func Parse(line string) (*Event, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()

	var node any
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("failed to parse line: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to parse line: trailing data after JSON value")
	}
	return &Event{Line: line, Node: node}, nil
}

// Object returns the top-level JSON object, or nil if the line was not one.
func (e *Event) Object() map[string]any {
	m, _ := e.Node.(map[string]any)
	return m
}

// Get returns a top-level field, or nil when absent.
func (e *Event) Get(key string) any {
	return e.Object()[key]
}
