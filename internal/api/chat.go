package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/nugget/apiloop/internal/agent"
	"github.com/nugget/apiloop/internal/memory"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	// Format "html" adds a rendered copy of the answer.
	Format string `json:"format,omitempty"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	Response       string          `json:"response"`
	HTML           string          `json:"html,omitempty"`
	Model          string          `json:"model"`
	ConversationID string          `json:"conversation_id"`
	RequestID      string          `json:"request_id"`
	Outcome        agent.Outcome   `json:"outcome"`
	Turns          int             `json:"turns"`
	ModelCalls     int             `json:"model_calls"`
	Transcript     []agent.Message `json:"transcript"`
}

// handleChat runs one request through the loop.
// POST /v1/chat {"message": "how many users signed up this week?"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	history, err := s.history(r, convID)
	if err != nil {
		s.logger.Error("failed to load conversation", "conversation", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	resp, err := s.runner.Run(r.Context(), &agent.Request{
		Message:        req.Message,
		History:        history,
		ConversationID: convID,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Info("chat request cancelled", "conversation", convID)
			s.errorResponse(w, http.StatusServiceUnavailable, "request cancelled")
			return
		}
		s.logger.Error("agent loop failed", "error", err)
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.stats.Record(resp)

	if s.conversations != nil {
		if err := s.conversations.AddMessages(r.Context(), convID, toMemory(resp.Transcript)...); err != nil {
			s.logger.Warn("failed to save conversation", "conversation", convID, "error", err)
		}
	}

	out := ChatResponse{
		Response:       resp.Content,
		Model:          resp.Model,
		ConversationID: convID,
		RequestID:      resp.RequestID,
		Outcome:        resp.Outcome,
		Turns:          resp.Turns,
		ModelCalls:     resp.ModelCalls,
		Transcript:     resp.Transcript,
	}
	if req.Format == "html" {
		html, err := renderHTML(resp.Content)
		if err != nil {
			s.logger.Warn("failed to render answer", "error", err)
		}
		out.HTML = html
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// history loads earlier turns of a conversation as loop input.
func (s *Server) history(r *http.Request, convID string) ([]agent.Message, error) {
	if s.conversations == nil {
		return nil, nil
	}
	msgs, err := s.conversations.GetMessages(r.Context(), convID)
	if err != nil {
		return nil, err
	}
	out := make([]agent.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, agent.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// toMemory converts a run transcript to stored messages.
func toMemory(transcript []agent.Message) []memory.Message {
	out := make([]memory.Message, 0, len(transcript))
	for _, m := range transcript {
		mm := memory.Message{Role: m.Role, Content: m.Content}
		if m.Call != nil {
			mm.Timestamp = m.Call.Timestamp
			rec := &memory.CallRecord{
				Method:   m.Call.Plan.Method,
				Endpoint: m.Call.Plan.Endpoint,
			}
			if res := m.Call.Result; res != nil {
				rec.Status = res.HTTPStatus
				rec.Success = res.Success
				rec.Error = res.Error
			}
			mm.Call = rec
		}
		out = append(out, mm)
	}
	return out
}

// renderHTML converts a markdown answer to an HTML fragment.
func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
