package prompt

// Role is the author of a chat message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// DefaultHistoryLimit is how many recent messages are sent as context.
const DefaultHistoryLimit = 10

// Message is one chat turn as persisted in the local area.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// PruneHistory returns the last limit messages. It reports whether older
// messages were dropped. The input is never modified.
func PruneHistory(history []Message, limit int) ([]Message, bool) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(history) <= limit {
		return history, false
	}
	out := make([]Message, limit)
	copy(out, history[len(history)-limit:])
	return out, true
}
