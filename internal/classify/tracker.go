package classify

// Tracker counts failed attempts per (method, endpoint) and category for
// one conversation run. It is not safe for concurrent use; each run owns
// its own.
type Tracker struct {
	attempts map[string]map[Category]int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{attempts: make(map[string]map[Category]int)}
}

// Failure records a failed attempt on key and returns the attempt number
// for that category, starting at 1.
func (t *Tracker) Failure(key string, cat Category) int {
	m, ok := t.attempts[key]
	if !ok {
		m = make(map[Category]int)
		t.attempts[key] = m
	}
	m[cat]++
	return m[cat]
}

// Success forgets every counter for key.
func (t *Tracker) Success(key string) {
	delete(t.attempts, key)
}

// Attempts returns the current count for key and category.
func (t *Tracker) Attempts(key string, cat Category) int {
	return t.attempts[key][cat]
}

// Exceeded reports whether key has failed in cat more times than the
// strategy allows.
func (t *Tracker) Exceeded(key string, s Strategy) bool {
	return t.Attempts(key, s.Category) > s.MaxRetries
}
