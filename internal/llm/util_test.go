package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSONBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"json code block", "```json\n{\"titles\": [\"A\"]}\n```", `{"titles": ["A"]}`},
		{"generic code block", "```\n{\"score\": 7}\n```", `{"score": 7}`},
		{"plain JSON", `{"synopsis": "x"}`, `{"synopsis": "x"}`},
		{"preamble", "Here are your titles:\n{\"titles\": [\"Low Tide\"]}", `{"titles": ["Low Tide"]}`},
		{"trailing text", "{\"score\": 8}\n\nHope this helps!", `{"score": 8}`},
		{"array", "Titles:\n[\"a\", \"b\"]", `["a", "b"]`},
		{"braces in strings", `Result: {"title": "The {Hidden} Door"}`, `{"title": "The {Hidden} Door"}`},
		{"escaped quotes", `{"quote": "He said \"run\" {now}"}`, `{"quote": "He said \"run\" {now}"}`},
		{"no JSON", "just prose", "just prose"},
		{"unbalanced", `{"open": true`, `{"open": true`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanJSONBlock(tt.input))
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, `{"a": {"b": 1}}`, extractJSONObject(`{"a": {"b": 1}} tail`))
	assert.Equal(t, "", extractJSONObject("not json"))
	assert.Equal(t, "", extractJSONObject(""))
}

func TestExtractJSONArray(t *testing.T) {
	assert.Equal(t, `[[1, 2], [3]]`, extractJSONArray(`[[1, 2], [3]] extra`))
	assert.Equal(t, `[{"id": "]"}]`, extractJSONArray(`[{"id": "]"}]`))
	assert.Equal(t, "", extractJSONArray("nope"))
}
