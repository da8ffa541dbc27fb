package tools

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rendis/opchain/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name  string
		value any
		err   error
		want  schema.ToolResult
	}{
		{"error", "ignored", errors.New("boom"), schema.ToolResult{Success: false, Error: "boom"}},
		{"tool result", schema.ToolResult{Success: false, Error: "x"}, nil, schema.ToolResult{Success: false, Error: "x"}},
		{"tool result pointer", &schema.ToolResult{Success: true, Data: 1}, nil, schema.ToolResult{Success: true, Data: 1}},
		{"nil pointer", (*schema.ToolResult)(nil), nil, schema.ToolResult{Success: true}},
		{"envelope ok", map[string]any{"success": true, "data": "d"}, nil, schema.ToolResult{Success: true, Data: "d"}},
		{"envelope failed", map[string]any{"success": false, "error": "denied"}, nil, schema.ToolResult{Success: false, Error: "denied"}},
		{"envelope failed no message", map[string]any{"success": false}, nil, schema.ToolResult{Success: false, Error: "tool reported failure"}},
		{"envelope non-string error", map[string]any{"success": false, "error": 42}, nil, schema.ToolResult{Success: false, Error: "42"}},
		{"plain map", map[string]any{"success": "yes"}, nil, schema.ToolResult{Success: true, Data: map[string]any{"success": "yes"}}},
		{"scalar", 3.5, nil, schema.ToolResult{Success: true, Data: 3.5}},
		{"nil", nil, nil, schema.ToolResult{Success: true}},
		{"raw envelope", json.RawMessage(`{"success":false,"error":"e"}`), nil, schema.ToolResult{Success: false, Error: "e"}},
		{"raw invalid", json.RawMessage(`nope`), nil, schema.ToolResult{Success: true, Data: "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.value, tc.err))
		})
	}
}
