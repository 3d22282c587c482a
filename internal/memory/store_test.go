package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nugget/apiloop/internal/opstate"
)

func TestStore_AddAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, 0, nil)

	if conv, err := s.GetConversation(ctx, "missing"); err != nil || conv != nil {
		t.Fatalf("GetConversation(missing) = %v, %v; want nil, nil", conv, err)
	}

	err := s.AddMessages(ctx, "c1",
		Message{Role: "user", Content: "How many users are there?"},
		Message{Role: "assistant", Content: "There are 42 users.", Call: &CallRecord{
			Method: "GET", Endpoint: "/api/v2/users?with_count=true", Status: 200, Success: true,
		}},
	)
	if err != nil {
		t.Fatalf("AddMessages: %v", err)
	}

	msgs, err := s.GetMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp should be stamped")
	}
	if msgs[1].Call == nil || msgs[1].Call.Status != 200 {
		t.Errorf("call = %+v", msgs[1].Call)
	}

	// Returned slices are copies.
	msgs[0].Content = "changed"
	again, _ := s.GetMessages(ctx, "c1")
	if again[0].Content != "How many users are there?" {
		t.Error("GetMessages should return a copy")
	}
}

func TestStore_RequiresID(t *testing.T) {
	s := NewStore(nil, 0, nil)
	if err := s.AddMessages(context.Background(), "", Message{Role: "user"}); err == nil {
		t.Error("expected error for empty conversation id")
	}
}

func TestTrim(t *testing.T) {
	var msgs []Message
	msgs = append(msgs, Message{Role: "system", Content: "sys"})
	for i := range 30 {
		msgs = append(msgs, Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	tests := []struct {
		name     string
		max      int
		wantLen  int
		wantLast string
	}{
		{"under limit", 50, 31, "m29"},
		{"trims oldest", 21, 21, "m29"},
		{"keeps minimum", 5, 11, "m29"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trim(append([]Message(nil), msgs...), tt.max)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if got[0].Role != "system" {
				t.Error("system message should survive trimming")
			}
			if got[len(got)-1].Content != tt.wantLast {
				t.Errorf("last = %q, want %q", got[len(got)-1].Content, tt.wantLast)
			}
		})
	}
}

func TestStore_Persistence(t *testing.T) {
	ctx := context.Background()
	state := opstate.NewMemoryStore()

	s1 := NewStore(state, 10, nil)
	if err := s1.AddMessages(ctx, "c1", Message{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("AddMessages: %v", err)
	}

	s2 := NewStore(state, 10, nil)
	msgs, err := s2.GetMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("reloaded = %+v", msgs)
	}

	if err := s2.Clear(ctx, "c1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if raw, _ := state.Get(ctx, Namespace, "c1"); raw != "" {
		t.Errorf("state still holds %q after Clear", raw)
	}
}

func TestStore_SkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	state := opstate.NewMemoryStore()
	if err := state.Set(ctx, Namespace, "bad", "{not json"); err != nil {
		t.Fatal(err)
	}

	s := NewStore(state, 10, nil)
	conv, err := s.GetConversation(ctx, "bad")
	if err != nil || conv != nil {
		t.Errorf("GetConversation(bad) = %v, %v; want nil, nil", conv, err)
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	state := opstate.NewMemoryStore()
	s := NewStore(state, 10, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	s.now = func() time.Time { return tick }

	s.AddMessages(ctx, "older", Message{Role: "user", Content: "a"})
	tick = base.Add(time.Minute)
	s.AddMessages(ctx, "newer", Message{Role: "user", Content: "b"}, Message{Role: "assistant", Content: "c"})

	// A fresh store discovers conversations written by another.
	fresh := NewStore(state, 10, nil)
	infos, err := fresh.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len = %d, want 2", len(infos))
	}
	if infos[0].ID != "newer" || infos[0].Messages != 2 {
		t.Errorf("first = %+v, want newer with 2 messages", infos[0])
	}

	stats := fresh.Stats()
	if stats["conversations"] != 2 || stats["messages"] != 3 {
		t.Errorf("stats = %v", stats)
	}
}
