package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestOpenAIClient_Chat(t *testing.T) {
	var got openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini-2024-07-18",
			"created": 1760000000,
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "` + "```\\nGET /api/v2/users\\n```" + `"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 9}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/v1/", "sk-test", Options{Temperature: 0.1}, nil)
	resp, err := c.Chat(context.Background(), "gpt-4o-mini", []Message{
		{Role: RoleSystem, Content: "You call APIs."},
		{Role: RoleUser, Content: "List users"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Model != "gpt-4o-mini" || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0.1 {
		t.Errorf("Temperature = %v, want 0.1", got.Temperature)
	}
	if !strings.Contains(resp.Message.Content, "GET /api/v2/users") {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 9 {
		t.Errorf("tokens = %d/%d, want 120/9", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Model != "gpt-4o-mini-2024-07-18" || resp.CreatedAt.IsZero() {
		t.Errorf("metadata = %q %v", resp.Model, resp.CreatedAt)
	}
}

func TestOpenAIClient_OmitsZeroTemperature(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", Options{}, nil)
	if _, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, ok := raw["temperature"]; ok {
		t.Error("temperature should be omitted when unset")
	}
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad model"}}`, "openai API error 400"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"not json", http.StatusOK, `<html>`, "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewOpenAIClient(srv.URL, "k", Options{}, nil)
			_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOpenAIClient_RetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"recovered"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", Options{}, nil)
	resp, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "recovered" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestOpenAIClient_Ping(t *testing.T) {
	tests := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusOK, false},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/models" {
				t.Errorf("path = %q", r.URL.Path)
			}
			w.WriteHeader(tt.status)
		}))
		err := NewOpenAIClient(srv.URL, "k", Options{}, nil).Ping(context.Background())
		if (err != nil) != tt.wantErr {
			t.Errorf("Ping with status %d: err = %v", tt.status, err)
		}
		srv.Close()
	}
}
