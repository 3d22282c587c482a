package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient is a client for Google's Gemini models.
type GeminiClient struct {
	client *genai.Client
	opts   Options
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini client authenticated with apiKey.
func NewGeminiClient(ctx context.Context, apiKey string, opts Options, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		client: c,
		opts:   opts,
		logger: logger.With("provider", "gemini"),
	}, nil
}

// Close releases the underlying connection.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// Chat sends the conversation as chat history and returns the reply to
// its final turn.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	system, history, last, err := convertToGemini(messages)
	if err != nil {
		return nil, err
	}

	m := c.client.GenerativeModel(model)
	if system != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if c.opts.Temperature > 0 {
		m.SetTemperature(float32(c.opts.Temperature))
	}
	if c.opts.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(c.opts.MaxTokens))
	}

	cs := m.StartChat()
	cs.History = history

	c.logger.Debug("preparing request",
		"model", model,
		"history", len(history),
		"system_len", len(system),
	)

	start := time.Now()
	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	result := &ChatResponse{
		Model:         model,
		CreatedAt:     start,
		Message:       Message{Role: RoleAssistant, Content: geminiText(resp)},
		Done:          true,
		TotalDuration: time.Since(start),
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	c.logger.Debug("response received",
		"model", model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Ping lists one model to confirm the key is accepted.
func (c *GeminiClient) Ping(ctx context.Context) error {
	it := c.client.ListModels(ctx)
	if _, err := it.Next(); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// convertToGemini splits messages into a system instruction, the chat
// history, and the final user turn to send. Gemini names the assistant
// role "model".
func convertToGemini(messages []Message) (string, []*genai.Content, string, error) {
	system, rest := splitSystem(messages)
	turns := alternate(rest)
	if len(turns) == 0 {
		return "", nil, "", fmt.Errorf("no messages to send")
	}

	last := turns[len(turns)-1]
	if last.Role != RoleUser {
		turns = append(turns, Message{Role: RoleUser, Content: "Continue."})
		last = turns[len(turns)-1]
	}

	history := make([]*genai.Content, 0, len(turns)-1)
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return system, history, last.Content, nil
}

func geminiText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		break
	}
	return b.String()
}
