package patterns

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/nugget/apiloop/internal/callplan"
)

// Confidence bounds for plan validation.
const (
	baseConfidence    = 0.5
	confidencePerHit  = 0.1
	maxConfidence     = 0.9
	validityThreshold = 0.6
)

// Validation is memory's opinion of a plan before it runs.
type Validation struct {
	IsValid     bool      `json:"is_valid"`
	Confidence  float64   `json:"confidence"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Similar     []Pattern `json:"similar,omitempty"`
}

// Validate scores plan against the most relevant pattern. Confidence
// starts at 0.5, grows by 0.1 per recorded success, and is capped at
// 0.9; a plan is valid above 0.6. Suggestions come from errors seen more
// than once and from successful shapes the plan lacks.
func (m *Memory) Validate(plan callplan.CallPlan) Validation {
	m.mu.Lock()
	relevant := m.relevantLocked(plan)
	m.mu.Unlock()

	v := Validation{Confidence: baseConfidence}
	if len(relevant) > 0 {
		best := relevant[0]
		v.Confidence = math.Min(maxConfidence, baseConfidence+confidencePerHit*float64(best.SuccessCount))

		var frequent []ErrorEntry
		for _, e := range best.CommonErrors {
			if e.Frequency > 1 {
				frequent = append(frequent, e)
			}
		}
		sort.SliceStable(frequent, func(i, j int) bool { return frequent[i].Frequency > frequent[j].Frequency })

		if len(frequent) > 0 {
			msgs := make([]string, len(frequent))
			for i, e := range frequent {
				msgs[i] = e.Message
			}
			v.Suggestions = append(v.Suggestions, "Common issues with this endpoint: "+strings.Join(msgs, ", "))
			for _, e := range frequent {
				if e.Remediation != "" {
					v.Suggestions = append(v.Suggestions, fmt.Sprintf("For %q: %s", e.Message, e.Remediation))
				}
			}
		}

		if len(best.LastSuccessfulParams) > 0 && len(plan.Params) == 0 {
			v.Suggestions = append(v.Suggestions, "Consider adding params like: "+compactJSON(best.LastSuccessfulParams))
		}
		if best.LastSuccessfulBody != nil && plan.Body == nil {
			v.Suggestions = append(v.Suggestions, "Consider body format like: "+compactJSON(best.LastSuccessfulBody))
		}

		if len(relevant) > 3 {
			relevant = relevant[:3]
		}
		v.Similar = relevant
	}
	v.IsValid = v.Confidence > validityThreshold
	return v
}

// Insights renders the most frequent errors and the most reliable
// patterns as context text for the model. It returns "" when memory is
// empty.
func (m *Memory) Insights() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.doc.Patterns) == 0 {
		return ""
	}

	var all []Pattern
	total := 0
	for _, p := range m.doc.Patterns {
		all = append(all, *p)
		total += p.SuccessCount
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key() < all[j].Key() })

	var b strings.Builder
	fmt.Fprintf(&b, "API MEMORY INSIGHTS (%d successful calls learned):\n", total)

	var errs []ErrorEntry
	for _, p := range all {
		errs = append(errs, p.CommonErrors...)
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Frequency > errs[j].Frequency })
	if len(errs) > 5 {
		errs = errs[:5]
	}
	if len(errs) > 0 {
		b.WriteString("\nMost common errors and solutions:\n")
		for i, e := range errs {
			fix := e.Remediation
			if fix == "" {
				fix = "No solution learned yet"
			}
			fmt.Fprintf(&b, "%d. %q (%dx) - %s\n", i+1, e.Message, e.Frequency, fix)
		}
	}

	var reliable []Pattern
	for _, p := range all {
		if p.SuccessCount > 0 {
			reliable = append(reliable, p)
		}
	}
	sort.SliceStable(reliable, func(i, j int) bool { return reliable[i].SuccessCount > reliable[j].SuccessCount })
	if len(reliable) > 3 {
		reliable = reliable[:3]
	}
	if len(reliable) > 0 {
		b.WriteString("\nMost reliable API patterns:\n")
		for i, p := range reliable {
			fmt.Fprintf(&b, "%d. %s %s (%d successes)\n", i+1, p.Method, p.Endpoint, p.SuccessCount)
			if len(p.LastSuccessfulParams) > 0 {
				fmt.Fprintf(&b, "   Last successful params: %s\n", compactJSON(p.LastSuccessfulParams))
			}
			if p.LastSuccessfulBody != nil {
				fmt.Fprintf(&b, "   Last successful body: %s\n", compactJSON(p.LastSuccessfulBody))
			}
		}
	}
	return b.String()
}

// GlobalLearnings renders operator-recorded insights, newest last, or ""
// when there are none.
func (m *Memory) GlobalLearnings() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.doc.GlobalLearnings) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("LEARNED INSIGHTS:\n")
	for i, l := range m.doc.GlobalLearnings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, l.Insight)
		for _, ex := range l.Examples {
			fmt.Fprintf(&b, "   e.g. %s\n", ex)
		}
	}
	return b.String()
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
