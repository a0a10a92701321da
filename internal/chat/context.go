package chat

import (
	"strings"

	"github.com/autoverse/gemini-backend/internal/ai"
	"github.com/autoverse/gemini-backend/internal/models"
)

// DefaultContextWindow is the maximum number of prior turns sent to the
// provider alongside the current message.
const DefaultContextWindow = 10

// SnapshotContext turns a newest-first page of chatroom messages into the
// oldest-first context carried by the job payload. The message currently
// being processed is excluded; at most window prior messages survive.
func SnapshotContext(recentDesc []models.Message, currentID string, window int) []ContextMessage {
	if window <= 0 {
		window = DefaultContextWindow
	}

	prior := make([]models.Message, 0, len(recentDesc))
	for _, m := range recentDesc {
		if m.ID == currentID {
			continue
		}
		prior = append(prior, m)
	}
	if len(prior) > window {
		prior = prior[:window]
	}

	// reverse to ASC (oldest -> newest)
	out := make([]ContextMessage, 0, len(prior))
	for i := len(prior) - 1; i >= 0; i-- {
		m := prior[i]
		typ := "ai"
		if m.Type == models.MessageUser {
			typ = "user"
		}
		out = append(out, ContextMessage{Content: m.Content, Type: typ})
	}
	return out
}

// BuildTurns maps the snapshot onto provider turns, oldest first, and always
// appends the current content as the final user turn. With empty history the
// prompt still contains at least the current turn.
func BuildTurns(ctxMsgs []ContextMessage, content string, window int) []ai.Turn {
	if window <= 0 {
		window = DefaultContextWindow
	}
	if len(ctxMsgs) > window {
		ctxMsgs = ctxMsgs[len(ctxMsgs)-window:]
	}

	turns := make([]ai.Turn, 0, len(ctxMsgs)+1)
	for _, m := range ctxMsgs {
		role := "model"
		if m.Type == "user" {
			role = "user"
		}
		turns = append(turns, ai.Turn{Role: role, Text: m.Content})
	}
	if strings.TrimSpace(content) != "" {
		turns = append(turns, ai.Turn{Role: "user", Text: content})
	}
	return turns
}
