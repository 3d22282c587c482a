package mqtt

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestParseLearning(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		insight  string
		examples int
		wantErr  bool
	}{
		{"json", `{"insight": "Use ISO dates.", "examples": ["2024-01-31"]}`, "Use ISO dates.", 1, false},
		{"plain text", "  Pagination starts at 1.\n", "Pagination starts at 1.", 0, false},
		{"empty", "   ", "", 0, true},
		{"blank insight", `{"insight": " "}`, "", 0, true},
		{"bad json", `{"insight":`, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLearning([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Insight != tt.insight || len(got.Examples) != tt.examples {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}
	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	rl.reset()
	if !rl.allow() {
		t.Error("allow after reset should succeed")
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
