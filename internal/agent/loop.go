package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/apiloop/internal/callplan"
	"github.com/nugget/apiloop/internal/classify"
	"github.com/nugget/apiloop/internal/config"
	"github.com/nugget/apiloop/internal/events"
	"github.com/nugget/apiloop/internal/executor"
	"github.com/nugget/apiloop/internal/llm"
	"github.com/nugget/apiloop/internal/patterns"
	"github.com/nugget/apiloop/internal/prompts"
	"github.com/nugget/apiloop/internal/usage"
)

// Defaults used when Config leaves a bound unset.
const (
	DefaultMaxTurns             = 8
	DefaultMaxValidationRetries = 3
)

// Executor runs one call plan. *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, plan callplan.CallPlan) *executor.Result
}

// UsageRecorder persists token usage. *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config holds loop settings.
type Config struct {
	Model                string
	MaxTurns             int
	MaxValidationRetries int
	// ModelTimeout bounds each model call independently of the request.
	ModelTimeout time.Duration
	// Catalog is the endpoint listing placed in the system prompt.
	Catalog string
}

// Loop is the orchestration loop. It is safe for concurrent use; each
// Run keeps its own state and only pattern memory is shared.
type Loop struct {
	cfg        Config
	llm        llm.Client
	exec       Executor
	memory     *patterns.Memory
	classifier *classify.Classifier
	extractor  *callplan.Extractor
	intent     callplan.IntentDetector

	bus         *events.Bus
	usage       UsageRecorder
	pricing     map[string]config.PricingEntry
	providerFor func(model string) string

	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Loop.
type Option func(*Loop)

// WithClassifier replaces the default error classifier.
func WithClassifier(c *classify.Classifier) Option {
	return func(l *Loop) { l.classifier = c }
}

// WithExtractor replaces the default plan extractor.
func WithExtractor(x *callplan.Extractor) Option {
	return func(l *Loop) { l.extractor = x }
}

// WithIntentDetector replaces the default intent detector. Pass
// callplan.NoIntent{} to disable format corrections.
func WithIntentDetector(d callplan.IntentDetector) Option {
	return func(l *Loop) { l.intent = d }
}

// WithEventBus publishes loop events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// WithUsage records token usage for every model call. pricing may be nil.
func WithUsage(rec UsageRecorder, pricing map[string]config.PricingEntry) Option {
	return func(l *Loop) {
		l.usage = rec
		l.pricing = pricing
	}
}

// WithProviderLookup names the provider serving a model in usage records.
func WithProviderLookup(fn func(model string) string) Option {
	return func(l *Loop) { l.providerFor = fn }
}

// WithTracer sets the tracer used for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// NewLoop creates a loop. client, exec, and mem are required.
func NewLoop(cfg Config, client llm.Client, exec Executor, mem *patterns.Memory, logger *slog.Logger, opts ...Option) *Loop {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxValidationRetries < 0 {
		cfg.MaxValidationRetries = DefaultMaxValidationRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		cfg:        cfg,
		llm:        client,
		exec:       exec,
		memory:     mem,
		classifier: classify.Default(),
		extractor:  callplan.NewExtractor(),
		intent:     callplan.NewKeywordIntent(2),
		logger:     logger.With("component", "agent"),
		tracer:     otel.Tracer("github.com/nugget/apiloop/internal/agent"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Model returns the model the loop talks to.
func (l *Loop) Model() string {
	return l.cfg.Model
}

// Run answers one request. It returns a non-nil Response even when ctx
// is cancelled, in which case the error is ctx.Err() and the response
// holds the partial transcript.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("request message is required")
	}

	start := time.Now()
	st := newRunState(generateRequestID(), req.Message)
	st.conversationID = req.ConversationID

	ctx, span := l.tracer.Start(ctx, "agent.Run", trace.WithAttributes(
		attribute.String("apiloop.request_id", st.requestID),
		attribute.String("apiloop.conversation_id", req.ConversationID),
		attribute.String("gen_ai.request.model", l.cfg.Model),
	))
	defer span.End()

	log := l.logger.With("request_id", st.requestID)
	if req.ConversationID != "" {
		log = log.With("conversation", req.ConversationID)
	}
	log.Info("request started", "model", l.cfg.Model, "history", len(req.History))
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id":      st.requestID,
		"conversation_id": req.ConversationID,
		"model":           l.cfg.Model,
	})

	l.seedContext(st, req)

	content, err := l.run(ctx, st, log)

	resp := &Response{
		RequestID:    st.requestID,
		Content:      content,
		Outcome:      outcomeOf(st, err),
		Transcript:   st.transcript,
		Model:        l.cfg.Model,
		Turns:        st.turn,
		ModelCalls:   st.modelCalls,
		InputTokens:  st.inputTokens,
		OutputTokens: st.outputTokens,
	}

	span.SetAttributes(
		attribute.String("apiloop.outcome", string(resp.Outcome)),
		attribute.Int("apiloop.turns", resp.Turns),
		attribute.Int("apiloop.model_calls", resp.ModelCalls),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	elapsed := time.Since(start)
	l.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id":       st.requestID,
		"outcome":          string(resp.Outcome),
		"turns":            resp.Turns,
		"model_calls":      resp.ModelCalls,
		"total_tokens_in":  resp.InputTokens,
		"total_tokens_out": resp.OutputTokens,
		"elapsed_ms":       elapsed.Milliseconds(),
	})
	log.Info("request completed",
		"outcome", resp.Outcome,
		"turns", resp.Turns,
		"model_calls", resp.ModelCalls,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return resp, err
}

func outcomeOf(st *runState, err error) Outcome {
	switch {
	case err != nil:
		return OutcomeCancelled
	case st.terminalFrom == phaseExhausted:
		return OutcomeExhausted
	default:
		return OutcomeAnswered
	}
}

// seedContext builds the opening context: system prompt with learned
// memory, prior turns, and the question.
func (l *Loop) seedContext(st *runState, req *Request) {
	var mem []string
	if s := l.memory.Insights(); s != "" {
		mem = append(mem, s)
	}
	if s := l.memory.GlobalLearnings(); s != "" {
		mem = append(mem, s)
	}
	st.appendContext(llm.RoleSystem, prompts.SystemPrompt(l.cfg.Catalog, strings.Join(mem, "\n")))

	for _, m := range req.History {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		st.appendContext(m.Role, m.Content)
	}

	st.appendContext(llm.RoleUser, req.Message)
	st.transcript = append(st.transcript, Message{Role: RoleUser, Content: req.Message})
}

// run drives the state machine until a terminal phase and returns the
// final user-visible message.
func (l *Loop) run(ctx context.Context, st *runState, log *slog.Logger) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			log.Info("request cancelled", "turn", st.turn, "phase", st.phase)
			return "", err
		}

		if st.turn >= l.cfg.MaxTurns {
			st.phase = phaseExhausted
			msg := prompts.Exhausted(l.cfg.MaxTurns, st.failures)
			l.finish(st, msg)
			log.Warn("turn budget exhausted", "turns", st.turn, "failures", len(st.failures))
			return msg, nil
		}

		if st.pending != nil {
			st.appendContext(llm.RoleSystem, renderPending(st.pending))
			st.pending = nil
		}

		reply := l.chat(ctx, st, usage.RoleMain, st.context, log)
		if err := ctx.Err(); err != nil {
			log.Info("request cancelled", "turn", st.turn, "phase", st.phase)
			return "", err
		}
		if strings.TrimSpace(reply) == "" {
			log.Warn("empty model reply", "turn", st.turn)
			st.advance()
			continue
		}

		ex := l.extractor.Extract(reply)
		switch {
		case ex.Found():
			if err := l.handlePlan(ctx, st, reply, ex, log); err != nil {
				return "", err
			}

		case l.intent.DetectIntent(reply, ex):
			st.appendContext(llm.RoleAssistant, reply)
			st.appendContext(llm.RoleSystem, prompts.MissingCallFormat())
			st.intentMismatches++
			l.bus.Emit(events.SourceAgent, events.KindIntentMismatch, map[string]any{
				"request_id": st.requestID,
				"turn":       st.turn,
			})
			log.Debug("reply described a call without making one",
				"turn", st.turn,
				"near_misses", ex.NearMisses,
			)
			st.advance()

		default:
			st.appendContext(llm.RoleAssistant, reply)
			if answer, ok := l.checkConfidence(ctx, st, reply, log); ok {
				st.phase = phaseAnswering
				l.finish(st, answer)
				return answer, nil
			}
			if err := ctx.Err(); err != nil {
				log.Info("request cancelled", "turn", st.turn, "phase", st.phase)
				return "", err
			}
			st.advance()
		}
	}
}

// handlePlan validates, executes, and records one extracted plan.
func (l *Loop) handlePlan(ctx context.Context, st *runState, reply string, ex callplan.Extraction, log *slog.Logger) error {
	plan := *ex.Plan
	if ex.BodyErr != nil {
		log.Warn("ignoring malformed request body",
			"plan", plan.String(),
			"error", ex.BodyErr,
		)
	}

	v := l.memory.Validate(plan)
	if !v.IsValid && len(v.Suggestions) > 0 && !st.wasWarned(plan) {
		st.warned = append(st.warned, plan)
		st.appendContext(llm.RoleAssistant, reply)
		st.appendContext(llm.RoleSystem, prompts.ValidationWarning(v.Confidence, v.Suggestions))
		l.bus.Emit(events.SourceAgent, events.KindValidationWarning, map[string]any{
			"request_id": st.requestID,
			"turn":       st.turn,
			"method":     plan.Method,
			"endpoint":   plan.Endpoint,
			"confidence": v.Confidence,
		})
		log.Info("plan held for validation warning",
			"plan", plan.String(),
			"confidence", v.Confidence,
		)
		st.advance()
		return nil
	}

	res := l.exec.Execute(ctx, plan)
	if err := ctx.Err(); err != nil {
		log.Info("request cancelled during call", "plan", plan.String())
		return err
	}

	l.bus.Emit(events.SourceAgent, events.KindCallExecuted, map[string]any{
		"request_id":    st.requestID,
		"turn":          st.turn,
		"method":        plan.Method,
		"endpoint":      plan.Endpoint,
		"status":        res.HTTPStatus,
		"ok":            res.Success,
		"network_error": res.NetworkError,
		"duration_ms":   res.ExecutionTime.Milliseconds(),
	})

	// Memory writes must not be torn by a cancellation that lands
	// mid-flush.
	memCtx := context.WithoutCancel(ctx)
	pending := &pendingResult{result: res}

	if res.Success {
		st.tracker.Success(plan.Key())
		if err := l.memory.RecordSuccess(memCtx, plan, res); err != nil {
			log.Warn("failed to record success", "plan", plan.String(), "error", err)
		}
		log.Info("call succeeded",
			"plan", plan.String(),
			"status", res.HTTPStatus,
			"elapsed", res.ExecutionTime.Round(time.Millisecond),
		)
	} else {
		strategy := l.classifier.Classify(res)
		pending.strategy = strategy
		pending.attempt = st.tracker.Failure(plan.Key(), strategy.Category)
		pending.exceeded = st.tracker.Exceeded(plan.Key(), strategy)
		pending.learned = l.memory.LearnedRemediation(plan, res.Error)

		if err := l.memory.RecordFailure(memCtx, plan, res, strategy.Hint(pending.attempt-1)); err != nil {
			log.Warn("failed to record failure", "plan", plan.String(), "error", err)
		}
		st.failures = append(st.failures, failureLine(res))

		log.Info("call failed",
			"plan", plan.String(),
			"status", res.HTTPStatus,
			"category", strategy.Category,
			"attempt", pending.attempt,
			"exceeded", pending.exceeded,
			"error", res.Error,
		)
	}

	st.pending = pending
	st.appendContext(llm.RoleAssistant, reply)
	st.transcript = append(st.transcript, Message{
		Role:    RoleAssistant,
		Content: forTranscript(reply),
		Call:    &Call{Plan: plan, Result: res, Timestamp: time.Now()},
	})

	if !res.Success && pending.strategy.Category == classify.Validation &&
		st.validationRetries < l.cfg.MaxValidationRetries {
		st.validationRetries++
		st.phase = phaseRetryingValidation
		log.Debug("validation retry does not consume a turn",
			"retry", st.validationRetries,
			"max", l.cfg.MaxValidationRetries,
		)
		return nil
	}
	st.advance()
	return nil
}

// checkConfidence asks the model whether it can answer now. When it can,
// it requests the final answer and returns it.
func (l *Loop) checkConfidence(ctx context.Context, st *runState, reply string, log *slog.Logger) (string, bool) {
	probe := append(cloneMessages(st.context), llm.Message{
		Role: llm.RoleUser,
		Content: prompts.ConfidenceCheck(st.question, st.turn+1, l.cfg.MaxTurns,
			st.failures, st.intentMismatches, l.memory.Insights() != ""),
	})
	verdict := l.chat(ctx, st, usage.RoleConfidence, probe, log)
	ok := isConfident(verdict)

	l.bus.Emit(events.SourceAgent, events.KindConfidence, map[string]any{
		"request_id": st.requestID,
		"turn":       st.turn,
		"confident":  ok,
	})
	log.Debug("confidence check", "turn", st.turn, "confident", ok)

	if !ok {
		if v := strings.TrimSpace(verdict); v != "" {
			st.appendContext(llm.RoleSystem, "Self-assessment: "+v+"\nKeep working on the request.")
		}
		return "", false
	}

	final := append(cloneMessages(st.context), llm.Message{
		Role:    llm.RoleUser,
		Content: prompts.FinalAnswer(st.question),
	})
	answer := strings.TrimSpace(l.chat(ctx, st, usage.RoleSummary, final, log))
	if answer == "" {
		answer = strings.TrimSpace(reply)
	}
	return answer, true
}

// chat performs one model call. A failed call yields an empty reply.
func (l *Loop) chat(ctx context.Context, st *runState, role string, msgs []llm.Message, log *slog.Logger) string {
	st.modelCalls++
	l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"request_id": st.requestID,
		"turn":       st.turn,
		"model":      l.cfg.Model,
		"role":       role,
	})

	callCtx := ctx
	if l.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		defer cancel()
	}

	log.Debug("calling model", "model", l.cfg.Model, "role", role, "messages", len(msgs))
	resp, err := l.llm.Chat(callCtx, l.cfg.Model, msgs)
	if err != nil {
		log.Warn("model call failed", "model", l.cfg.Model, "role", role, "error", err)
		l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"request_id": st.requestID,
			"turn":       st.turn,
			"model":      l.cfg.Model,
			"role":       role,
			"ok":         false,
		})
		return ""
	}

	st.inputTokens += resp.InputTokens
	st.outputTokens += resp.OutputTokens
	l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"request_id": st.requestID,
		"turn":       st.turn,
		"model":      l.cfg.Model,
		"role":       role,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"ok":         true,
	})
	l.recordUsage(ctx, st, role, resp, log)
	return resp.Message.Content
}

func (l *Loop) recordUsage(ctx context.Context, st *runState, role string, resp *llm.ChatResponse, log *slog.Logger) {
	if l.usage == nil {
		return
	}
	provider := ""
	if l.providerFor != nil {
		provider = l.providerFor(l.cfg.Model)
	}
	rec := usage.Record{
		Timestamp:      time.Now(),
		RequestID:      st.requestID,
		ConversationID: st.conversationID,
		Turn:           st.turn,
		Model:          l.cfg.Model,
		Provider:       provider,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		CostUSD:        usage.ComputeCost(l.cfg.Model, resp.InputTokens, resp.OutputTokens, l.pricing),
		Role:           role,
	}
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}

// finish appends the final user-visible message and ends the run.
func (l *Loop) finish(st *runState, content string) {
	st.transcript = append(st.transcript, Message{Role: RoleAssistant, Content: content})
	st.terminalFrom = st.phase
	st.phase = phaseTerminal
}

func cloneMessages(msgs []llm.Message) []llm.Message {
	return append([]llm.Message(nil), msgs...)
}

// generateRequestID returns a short id of the form "r_" plus 8 hex chars.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
