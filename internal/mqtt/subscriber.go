package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// LearningSink records operator insights. *patterns.Memory satisfies it.
type LearningSink interface {
	AddGlobalLearning(ctx context.Context, insight string, examples ...string) error
}

// learningPayload is the JSON accepted on the learnings topic.
type learningPayload struct {
	Insight  string   `json:"insight"`
	Examples []string `json:"examples,omitempty"`
}

var errEmptyInsight = errors.New("insight is required")

// parseLearning decodes a learnings topic payload. A payload that is
// not JSON is taken as the insight text itself.
func parseLearning(payload []byte) (learningPayload, error) {
	var lp learningPayload
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &lp); err != nil {
			return lp, err
		}
	} else {
		lp.Insight = trimmed
	}
	lp.Insight = strings.TrimSpace(lp.Insight)
	if lp.Insight == "" {
		return lp, errEmptyInsight
	}
	return lp, nil
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval and reports drops. It blocks
// until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow reports whether another message fits in the current interval.
func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
