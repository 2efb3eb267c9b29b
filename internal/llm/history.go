package llm

import "github.com/jonathan/novel-creator/internal/types"

// TrimHistory keeps the most recent limit turns of history, a turn being
// one user message and its assistant reply. limit <= 0 keeps everything.
// The result never starts with an assistant message.
func TrimHistory(history []types.Message, limit int) []types.Message {
	if limit <= 0 || len(history) <= limit*2 {
		return history
	}
	trimmed := history[len(history)-limit*2:]
	for len(trimmed) > 0 && trimmed[0].Role == types.RoleAssistant {
		trimmed = trimmed[1:]
	}
	return trimmed
}
