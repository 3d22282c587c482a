package agent

import (
	"fmt"

	"github.com/nugget/apiloop/internal/callplan"
	"github.com/nugget/apiloop/internal/classify"
	"github.com/nugget/apiloop/internal/executor"
	"github.com/nugget/apiloop/internal/llm"
)

// phase is the loop's position in its state machine.
type phase int

const (
	phaseRunning phase = iota
	phaseRetryingValidation
	phaseAnswering
	phaseExhausted
	phaseTerminal
)

func (p phase) String() string {
	switch p {
	case phaseRunning:
		return "running"
	case phaseRetryingValidation:
		return "retrying_validation"
	case phaseAnswering:
		return "answering"
	case phaseExhausted:
		return "exhausted"
	case phaseTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// pendingResult is an execution outcome waiting to be shown to the model
// at the start of the next step.
type pendingResult struct {
	result   *executor.Result
	strategy classify.Strategy
	attempt  int
	exceeded bool
	learned  string
}

// runState is everything one run mutates. Each call to Run owns its own.
type runState struct {
	requestID      string
	conversationID string
	question       string
	phase          phase
	// terminalFrom is the phase that led to phaseTerminal.
	terminalFrom phase

	turn              int
	validationRetries int
	modelCalls        int
	inputTokens       int
	outputTokens      int
	intentMismatches  int

	pending  *pendingResult
	tracker  *classify.Tracker
	warned   []callplan.CallPlan
	failures []string

	context    []llm.Message
	transcript []Message
}

func newRunState(requestID, question string) *runState {
	return &runState{
		requestID: requestID,
		question:  question,
		phase:     phaseRunning,
		tracker:   classify.NewTracker(),
	}
}

// wasWarned reports whether plan already received a validation warning
// in this run.
func (s *runState) wasWarned(plan callplan.CallPlan) bool {
	for _, p := range s.warned {
		if p.Equal(plan) {
			return true
		}
	}
	return false
}

func (s *runState) appendContext(role, content string) {
	s.context = append(s.context, llm.Message{Role: role, Content: content})
}

// advance counts a normal turn.
func (s *runState) advance() {
	s.turn++
	s.phase = phaseRunning
}
