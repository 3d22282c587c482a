package llm

import (
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
}

// Options are model parameters applied to every request a client sends.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// splitSystem separates the leading system messages, joined into one
// prompt, from the rest of the conversation. System messages that appear
// after the conversation starts stay in place.
func splitSystem(messages []Message) (string, []Message) {
	var parts []string
	i := 0
	for ; i < len(messages) && messages[i].Role == RoleSystem; i++ {
		parts = append(parts, messages[i].Content)
	}
	return strings.Join(parts, "\n\n"), messages[i:]
}

// alternate rewrites a conversation for providers that accept only user
// and assistant turns in strict alternation. Mid-conversation system
// messages become user turns and consecutive turns of the same role are
// merged.
func alternate(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		role := m.Role
		content := m.Content
		if role == RoleSystem {
			role = RoleUser
			content = "[system] " + content
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			continue
		}
		out = append(out, Message{Role: role, Content: content})
	}
	if len(out) > 0 && out[0].Role != RoleUser {
		out = append([]Message{{Role: RoleUser, Content: "(conversation continues)"}}, out...)
	}
	return out
}
