package llm

import (
	"testing"

	"github.com/jonathan/novel-creator/internal/types"
	"github.com/stretchr/testify/assert"
)

func turns(n int) []types.Message {
	var out []types.Message
	for i := 0; i < n; i++ {
		out = append(out,
			types.Message{Role: types.RoleUser, Content: string(rune('a' + i))},
			types.Message{Role: types.RoleAssistant, Content: string(rune('A' + i))},
		)
	}
	return out
}

func TestTrimHistory(t *testing.T) {
	history := turns(4)

	assert.Equal(t, history, TrimHistory(history, 0), "zero keeps everything")
	assert.Equal(t, history, TrimHistory(history, 10))

	trimmed := TrimHistory(history, 2)
	assert.Len(t, trimmed, 4)
	assert.Equal(t, "c", trimmed[0].Content)
	assert.Equal(t, "D", trimmed[3].Content)
}

func TestTrimHistory_NeverStartsWithAssistant(t *testing.T) {
	history := append([]types.Message{{Role: types.RoleUser, Content: "x"}}, turns(2)...)
	history = append(history, types.Message{Role: types.RoleUser, Content: "dangling"})

	trimmed := TrimHistory(history, 1)
	assert.Equal(t, types.RoleUser, trimmed[0].Role)
	assert.LessOrEqual(t, len(trimmed), 2)
}
