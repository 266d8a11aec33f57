package session

import (
	"fmt"
	"strings"
	"time"
)

// Turn roles and modalities.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	ModalityText  = "text"
	ModalityAudio = "audio"
)

// ConversationTurn is one completed exchange entry in the session history.
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Modality  string    `json:"modality"`
}

// lastTurns returns a copy of the most recent n turns. The copy is what a
// successor session receives; the live history never escapes the coordinator.
func lastTurns(history []ConversationTurn, n int) []ConversationTurn {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]ConversationTurn, len(history))
	copy(out, history)
	return out
}

// formatTranscript renders prior turns for injection into a successor
// session's system content.
func formatTranscript(turns []ConversationTurn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}
