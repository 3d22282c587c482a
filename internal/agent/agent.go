// Package agent implements the orchestration loop: it asks the model what
// to do, runs the API call the model writes, feeds the outcome back, and
// stops when the model is confident it can answer or the turn budget is
// spent.
package agent

import (
	"time"

	"github.com/nugget/apiloop/internal/callplan"
	"github.com/nugget/apiloop/internal/executor"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Outcome describes how a run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
)

// Call is the API call that produced a transcript message.
type Call struct {
	Plan      callplan.CallPlan `json:"plan"`
	Result    *executor.Result  `json:"result"`
	Timestamp time.Time         `json:"timestamp"`
}

// Message is one entry of the transcript shown to the caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Call    *Call  `json:"call,omitempty"`
}

// Request is one user request.
type Request struct {
	Message string `json:"message"`
	// History holds earlier user and assistant turns of the same
	// conversation, oldest first.
	History        []Message `json:"history,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// Response is the result of a run.
type Response struct {
	RequestID string `json:"request_id"`
	// Content is the single final user-visible message.
	Content    string    `json:"content"`
	Outcome    Outcome   `json:"outcome"`
	Transcript []Message `json:"transcript"`
	Model      string    `json:"model"`
	Turns      int       `json:"turns"`
	ModelCalls int       `json:"model_calls"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
