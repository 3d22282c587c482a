// Package memory keeps per-conversation transcripts so follow-up requests
// see what was asked and answered before. Conversations live in memory
// and, when a backing [opstate.Store] is supplied, are written through to
// it as JSON so they survive restarts.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/apiloop/internal/opstate"
)

// Namespace is the opstate namespace conversations persist under.
const Namespace = "conversations"

// DefaultMaxMessages bounds a conversation when no limit is configured.
const DefaultMaxMessages = 100

// minKeep is the fewest non-system messages trimming will leave behind.
const minKeep = 10

// CallRecord summarizes an API call made while answering a message.
type CallRecord struct {
	Method   string `json:"method"`
	Endpoint string `json:"endpoint"`
	Status   int    `json:"status,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	Role      string      `json:"role"` // system, user, assistant
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Call      *CallRecord `json:"call,omitempty"`
}

// Conversation holds the transcript of a single conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Info is the listing view of a conversation.
type Info struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages conversation transcripts. It is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	maxMessages   int
	state         opstate.Store // nil keeps everything in process
	logger        *slog.Logger
	now           func() time.Time
}

// NewStore creates a store bounded to maxMessages per conversation.
// state may be nil.
func NewStore(state opstate.Store, maxMessages int, logger *slog.Logger) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		conversations: make(map[string]*Conversation),
		maxMessages:   maxMessages,
		state:         state,
		logger:        logger.With("component", "conversations"),
		now:           time.Now,
	}
}

// GetConversation returns a copy of the conversation, or nil if it does
// not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.load(ctx, id)
	if err != nil || conv == nil {
		return nil, err
	}
	return conv.copy(), nil
}

// GetMessages returns the conversation's messages, oldest first. An
// unknown conversation yields an empty slice.
func (s *Store) GetMessages(ctx context.Context, id string) ([]Message, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil || conv == nil {
		return nil, err
	}
	return conv.Messages, nil
}

// AddMessages appends messages to a conversation, creating it if needed,
// and trims it to the configured bound.
func (s *Store) AddMessages(ctx context.Context, id string, msgs ...Message) error {
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if conv == nil {
		conv = &Conversation{ID: id, CreatedAt: now}
		s.conversations[id] = conv
	}
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		conv.Messages = append(conv.Messages, m)
	}
	conv.UpdatedAt = now
	conv.Messages = trim(conv.Messages, s.maxMessages)

	return s.persist(ctx, conv)
}

// Clear removes a conversation. Unknown ids are not an error.
func (s *Store) Clear(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, id)
	if s.state == nil {
		return nil
	}
	if err := s.state.Delete(ctx, Namespace, id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// List returns every known conversation, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != nil {
		stored, err := s.state.List(ctx, Namespace)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		for id, raw := range stored {
			if _, ok := s.conversations[id]; ok {
				continue
			}
			if conv := s.decode(id, raw); conv != nil {
				s.conversations[id] = conv
			}
		}
	}

	infos := make([]Info, 0, len(s.conversations))
	for _, c := range s.conversations {
		infos = append(infos, Info{
			ID:        c.ID,
			Messages:  len(c.Messages),
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos, nil
}

// Stats returns counts for the cached conversations.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalMessages := 0
	for _, conv := range s.conversations {
		totalMessages += len(conv.Messages)
	}

	return map[string]any{
		"conversations": len(s.conversations),
		"messages":      totalMessages,
		"max_per_conv":  s.maxMessages,
		"persistent":    s.state != nil,
	}
}

// load returns the cached conversation, falling back to the backing
// store. Callers hold s.mu.
func (s *Store) load(ctx context.Context, id string) (*Conversation, error) {
	if conv, ok := s.conversations[id]; ok {
		return conv, nil
	}
	if s.state == nil {
		return nil, nil
	}
	raw, err := s.state.Get(ctx, Namespace, id)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if raw == "" {
		return nil, nil
	}
	conv := s.decode(id, raw)
	if conv != nil {
		s.conversations[id] = conv
	}
	return conv, nil
}

func (s *Store) decode(id, raw string) *Conversation {
	var conv Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		s.logger.Warn("discarding unreadable conversation", "conversation", id, "error", err)
		return nil
	}
	conv.ID = id
	return &conv
}

func (s *Store) persist(ctx context.Context, conv *Conversation) error {
	if s.state == nil {
		return nil
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", conv.ID, err)
	}
	if err := s.state.Set(ctx, Namespace, conv.ID, string(data)); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// trim keeps every system message plus the most recent others so the
// total fits max. At least minKeep recent messages always survive.
func trim(msgs []Message, max int) []Message {
	if len(msgs) <= max {
		return msgs
	}

	var system, rest []Message
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	keep := max - len(system)
	if keep < minKeep {
		keep = minKeep
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}

	out := make([]Message, 0, len(system)+len(rest))
	out = append(out, system...)
	return append(out, rest...)
}

func (c *Conversation) copy() *Conversation {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return &Conversation{
		ID:        c.ID,
		Messages:  msgs,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
