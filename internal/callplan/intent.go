package callplan

import "regexp"

// IntentDetector decides whether a reply that produced no plan was
// nevertheless trying to make a call.
type IntentDetector interface {
	DetectIntent(reply string, ex Extraction) bool
}

// NoIntent never reports intent. Use it to disable correction prompts.
type NoIntent struct{}

// DetectIntent implements IntentDetector.
func (NoIntent) DetectIntent(string, Extraction) bool { return false }

// Signal is one weighted phrase pattern.
type Signal struct {
	Name    string
	Pattern *regexp.Regexp
	Weight  int
}

// DefaultSignals are the phrases that suggest a reply meant to call the
// API. A reply that promises an action ("I'll fetch", "let me check") or
// names a request line for an /api path scores high enough on its own.
var DefaultSignals = []Signal{
	{
		Name:    "request_line",
		Pattern: regexp.MustCompile(`(?i)\b(GET|POST|PUT|PATCH|DELETE)\s+/api`),
		Weight:  2,
	},
	{
		Name:    "promised_action",
		Pattern: regexp.MustCompile(`(?i)\b(I['’]?ll|I\s+will|let\s+me|I\s+am\s+going\s+to|I['’]m\s+going\s+to)\s+(\w+\s+){0,2}?(make|call|fetch|get|post|put|patch|update|delete|retrieve|query|search|create|check|look\s+up|request|send|run|execute)\b`),
		Weight:  2,
	},
	{
		Name:    "api_mention",
		Pattern: regexp.MustCompile(`(?i)\b(api\s+(call|request)|endpoint)\b`),
		Weight:  1,
	},
}

// KeywordIntent scores a reply against weighted signals. Each fenced
// block that nearly matched the request grammar adds NearMissWeight.
// Intent is reported when the score reaches Threshold.
type KeywordIntent struct {
	Signals        []Signal
	NearMissWeight int
	Threshold      int
}

// NewKeywordIntent returns a detector using DefaultSignals. A threshold
// below one disables detection.
func NewKeywordIntent(threshold int) *KeywordIntent {
	return &KeywordIntent{
		Signals:        DefaultSignals,
		NearMissWeight: 2,
		Threshold:      threshold,
	}
}

// Score returns the weighted signal total for a reply.
func (k *KeywordIntent) Score(reply string, ex Extraction) int {
	score := ex.NearMisses * k.NearMissWeight
	for _, s := range k.Signals {
		if s.Pattern.MatchString(reply) {
			score += s.Weight
		}
	}
	return score
}

// DetectIntent implements IntentDetector.
func (k *KeywordIntent) DetectIntent(reply string, ex Extraction) bool {
	if k.Threshold < 1 || ex.Found() {
		return false
	}
	return k.Score(reply, ex) >= k.Threshold
}
