package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/apiloop/internal/events"
)

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversation store not configured")
		return
	}

	infos, err := s.conversations.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if limit := parseIntParam(r, "limit", 0); limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": infos,
		"count":         len(infos),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversation store not configured")
		return
	}

	id := r.PathValue("id")
	conv, err := s.conversations.GetConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load conversation", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversation store not configured")
		return
	}

	id := r.PathValue("id")
	if err := s.conversations.Clear(r.Context(), id); err != nil {
		s.logger.Error("failed to delete conversation", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	s.logger.Info("conversation cleared via API", "conversation", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleMemory returns the full pattern memory.
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if s.patterns == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "pattern memory not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.patterns.Snapshot(), s.logger)
}

// handleMemoryInsights returns the context text the loop would inject.
func (s *Server) handleMemoryInsights(w http.ResponseWriter, r *http.Request) {
	if s.patterns == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "pattern memory not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"insights":  s.patterns.Insights(),
		"learnings": s.patterns.GlobalLearnings(),
	}, s.logger)
}

// LearningRequest is the body of POST /v1/memory/learnings.
type LearningRequest struct {
	Insight  string   `json:"insight"`
	Examples []string `json:"examples,omitempty"`
}

func (s *Server) handleAddLearning(w http.ResponseWriter, r *http.Request) {
	if s.patterns == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "pattern memory not configured")
		return
	}

	var req LearningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Insight) == "" {
		s.errorResponse(w, http.StatusBadRequest, "insight is required")
		return
	}

	if err := s.patterns.AddGlobalLearning(r.Context(), req.Insight, req.Examples...); err != nil {
		// The learning is kept in memory even when the flush fails.
		s.logger.Warn("learning recorded but not persisted", "error", err)
	}
	s.bus.Emit(events.SourceAPI, events.KindLearningAdded, map[string]any{
		"insight": req.Insight,
	})
	s.logger.Info("global learning added", "insight", req.Insight)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// handleUsage summarizes recorded token usage. Query parameters:
// hours (default 24) sets the window, request_id narrows to one run.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not enabled")
		return
	}
	ctx := r.Context()

	if id := r.URL.Query().Get("request_id"); id != "" {
		sum, err := s.usage.RequestSummary(ctx, id)
		if err != nil {
			s.logger.Error("usage query failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"request_id": id, "summary": sum}, s.logger)
		return
	}

	hours := parseIntParam(r, "hours", 24)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byRole, err := s.usage.SummaryByRole(ctx, start, end)
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":    start.UTC().Format(time.RFC3339),
		"end":      end.UTC().Format(time.RFC3339),
		"total":    total,
		"by_model": byModel,
		"by_role":  byRole,
	}, s.logger)
}
