// Package api implements the HTTP API: chat, conversation history,
// pattern memory, token usage, and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/apiloop/internal/agent"
	"github.com/nugget/apiloop/internal/buildinfo"
	"github.com/nugget/apiloop/internal/connwatch"
	"github.com/nugget/apiloop/internal/events"
	"github.com/nugget/apiloop/internal/memory"
	"github.com/nugget/apiloop/internal/patterns"
	"github.com/nugget/apiloop/internal/usage"
)

// Runner answers chat requests. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
	Model() string
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	runner        Runner
	conversations *memory.Store
	patterns      *patterns.Memory
	bus           *events.Bus
	usage         *usage.Store
	services      *connwatch.Manager
	logger        *slog.Logger
	server        *http.Server
	stats         *SessionStats
	upgrader      websocket.Upgrader
}

// SessionStats tracks requests served since the process started.
type SessionStats struct {
	mu                sync.Mutex
	TotalInputTokens  int64            `json:"total_input_tokens"`
	TotalOutputTokens int64            `json:"total_output_tokens"`
	TotalRequests     int64            `json:"total_requests"`
	TotalModelCalls   int64            `json:"total_model_calls"`
	Outcomes          map[string]int64 `json:"outcomes"`
	StartedAt         time.Time        `json:"started_at"`
}

// Record adds one finished run.
func (s *SessionStats) Record(resp *agent.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalInputTokens += int64(resp.InputTokens)
	s.TotalOutputTokens += int64(resp.OutputTokens)
	s.TotalModelCalls += int64(resp.ModelCalls)
	s.TotalRequests++
	if s.Outcomes == nil {
		s.Outcomes = make(map[string]int64)
	}
	s.Outcomes[string(resp.Outcome)]++
}

// SessionStatsSnapshot is a copy-safe snapshot of session stats.
type SessionStatsSnapshot struct {
	TotalInputTokens  int64             `json:"total_input_tokens"`
	TotalOutputTokens int64             `json:"total_output_tokens"`
	TotalRequests     int64             `json:"total_requests"`
	TotalModelCalls   int64             `json:"total_model_calls"`
	Outcomes          map[string]int64  `json:"outcomes"`
	Uptime            string            `json:"uptime"`
	EventsDropped     uint64            `json:"events_dropped"`
	Conversations     map[string]any    `json:"conversations,omitempty"`
	Build             map[string]string `json:"build,omitempty"`
}

// Snapshot returns a copy of the counters.
func (s *SessionStats) Snapshot() SessionStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make(map[string]int64, len(s.Outcomes))
	for k, v := range s.Outcomes {
		outcomes[k] = v
	}
	return SessionStatsSnapshot{
		TotalInputTokens:  s.TotalInputTokens,
		TotalOutputTokens: s.TotalOutputTokens,
		TotalRequests:     s.TotalRequests,
		TotalModelCalls:   s.TotalModelCalls,
		Outcomes:          outcomes,
		Uptime:            time.Since(s.StartedAt).Round(time.Second).String(),
	}
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		logger:  logger.With("component", "api"),
		stats:   &SessionStats{StartedAt: time.Now()},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The event stream is read-only operational data.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetConversations configures the store used for conversation history.
func (s *Server) SetConversations(store *memory.Store) {
	s.conversations = store
}

// SetPatterns configures pattern memory for the memory endpoints.
func (s *Server) SetPatterns(mem *patterns.Memory) {
	s.patterns = mem
}

// SetEventBus configures the bus streamed by /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetUsageStore configures the token usage store for /v1/usage.
func (s *Server) SetUsageStore(store *usage.Store) {
	s.usage = store
}

// SetServiceWatch configures the watchers reported by /health.
func (s *Server) SetServiceWatch(m *connwatch.Manager) {
	s.services = m
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)

	mux.HandleFunc("GET /v1/memory", s.handleMemory)
	mux.HandleFunc("GET /v1/memory/insights", s.handleMemoryInsights)
	mux.HandleFunc("POST /v1/memory/learnings", s.handleAddLearning)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/session/stats", s.handleSessionStats)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// A chat request runs a whole loop; the event stream is
		// long-lived and manages its own write deadlines.
		WriteTimeout: 0,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "apiloop",
		"version": buildinfo.Version,
		"model":   s.runner.Model(),
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports "healthy" when every watched service answered
// its last probe and "degraded" otherwise. Both return 200 so the
// process is not restarted for an upstream outage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if s.services != nil {
		body["services"] = s.services.Status()
		if down := s.services.Unready(); len(down) > 0 {
			body["status"] = "degraded"
			body["unready"] = down
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	snap.EventsDropped = s.bus.Dropped()
	if s.conversations != nil {
		snap.Conversations = s.conversations.Stats()
	}
	snap.Build = buildinfo.Info()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
