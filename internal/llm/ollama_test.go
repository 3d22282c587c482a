package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaWireResponse_BasicChat(t *testing.T) {
	raw := `{
		"model": "qwen3:4b",
		"created_at": "2026-02-11T15:00:00.123456789Z",
		"message": {
			"role": "assistant",
			"content": "There are 12 active users."
		},
		"done": true,
		"total_duration": 1234567890,
		"prompt_eval_count": 42,
		"eval_count": 15
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := wire.toChatResponse()

	if resp.Model != "qwen3:4b" {
		t.Errorf("Model = %q", resp.Model)
	}
	if resp.CreatedAt.Year() != 2026 || resp.CreatedAt.Month() != time.February {
		t.Errorf("CreatedAt = %v, expected 2026-02", resp.CreatedAt)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 42/15", resp.InputTokens, resp.OutputTokens)
	}
	if resp.TotalDuration != 1234567890*time.Nanosecond {
		t.Errorf("TotalDuration = %v", resp.TotalDuration)
	}
}

func TestOllamaWireResponse_MissingFields(t *testing.T) {
	wire := ollamaWireResponse{CreatedAt: "not a time"}
	resp := wire.toChatResponse()
	if !resp.CreatedAt.IsZero() {
		t.Errorf("CreatedAt = %v, want zero", resp.CreatedAt)
	}
	if resp.Message.Role != RoleAssistant {
		t.Errorf("Role = %q, want assistant default", resp.Message.Role)
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var req ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			json.NewDecoder(r.Body).Decode(&req)
			w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"NOT CONFIDENT"},"done":true}`))
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3"},{"name":"qwen3:4b"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", Options{Temperature: 0.2}, nil)
	resp, err := c.Chat(context.Background(), "llama3", []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if req.Stream {
		t.Error("requests should not stream")
	}
	if req.Options == nil || req.Options.Temperature != 0.2 {
		t.Errorf("Options = %+v", req.Options)
	}
	if resp.Message.Content != "NOT CONFIDENT" {
		t.Errorf("Content = %q", resp.Message.Content)
	}

	models, err := c.ListModels(context.Background())
	if err != nil || len(models) != 2 {
		t.Errorf("ListModels = %v, %v", models, err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
