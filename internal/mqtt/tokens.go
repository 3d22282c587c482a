package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/apiloop/internal/events"
)

// DailyTokens tracks token usage and finished requests, resetting at
// local midnight. It is safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	outcomes map[string]int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a new accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{
		outcomes: make(map[string]int64),
		loc:      loc,
		now:      time.Now,
	}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe folds a bus event into the totals. Only request_complete
// events carry the per-request token sums; everything else is ignored.
func (d *DailyTokens) Observe(e events.Event) {
	if e.Kind != events.KindRequestComplete {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += toInt64(e.Data["total_tokens_in"])
	d.output += toInt64(e.Data["total_tokens_out"])
	d.requests++
	if o, ok := e.Data["outcome"].(string); ok && o != "" {
		d.outcomes[o]++
	}
}

// DailyStats is the payload of the stats topic.
type DailyStats struct {
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	Requests     int64            `json:"requests"`
	Outcomes     map[string]int64 `json:"outcomes"`
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyTokens) Snapshot() DailyStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	outcomes := make(map[string]int64, len(d.outcomes))
	for k, v := range d.outcomes {
		outcomes[k] = v
	}
	return DailyStats{
		InputTokens:  d.input,
		OutputTokens: d.output,
		Requests:     d.requests,
		Outcomes:     outcomes,
	}
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.requests = 0
		d.outcomes = make(map[string]int64)
		d.resetDay = today
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
