// Package patterns is the agent's long-lived memory of which resource API
// calls work. Every execution updates a per-(method, endpoint) pattern;
// the accumulated history validates new plans before they run and is
// rendered into the model's context as guidance.
//
// The whole memory is one versioned JSON document kept in an
// [opstate.Store]. Mutations are serialized by a mutex and flushed
// synchronously, so within one process the read-modify-write cycle is
// atomic. Processes sharing a backend overwrite each other's document
// (last write wins).
package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/apiloop/internal/callplan"
	"github.com/nugget/apiloop/internal/executor"
	"github.com/nugget/apiloop/internal/opstate"
)

// Storage location of the memory document.
const (
	Namespace   = "api_memory"
	DocumentKey = "patterns"
	Version     = 1
)

// ErrorEntry is one distinct failure seen on an endpoint.
type ErrorEntry struct {
	Message     string    `json:"message"`
	Remediation string    `json:"remediation,omitempty"`
	Frequency   int       `json:"frequency"`
	LastSeen    time.Time `json:"last_seen"`
}

// Pattern is the running history of one (method, endpoint) pair.
type Pattern struct {
	Method               string          `json:"method"`
	Endpoint             string          `json:"endpoint"`
	SuccessCount         int             `json:"success_count"`
	LastSuccessfulParams callplan.Params `json:"last_successful_params,omitempty"`
	LastSuccessfulBody   any             `json:"last_successful_body,omitempty"`
	CommonErrors         []ErrorEntry    `json:"common_errors"`
	LastUpdated          time.Time       `json:"last_updated"`
}

// Key returns the pattern's "METHOD:endpoint" key.
func (p Pattern) Key() string {
	return p.Method + ":" + p.Endpoint
}

func (p Pattern) clone() Pattern {
	c := p
	c.LastSuccessfulParams = append(callplan.Params(nil), p.LastSuccessfulParams...)
	c.CommonErrors = append([]ErrorEntry(nil), p.CommonErrors...)
	return c
}

// Learning is an insight recorded by an operator rather than derived
// from executions.
type Learning struct {
	Insight  string    `json:"insight"`
	Examples []string  `json:"examples,omitempty"`
	AddedAt  time.Time `json:"added_at"`
}

type document struct {
	Version         int                 `json:"version"`
	Patterns        map[string]*Pattern `json:"patterns"`
	GlobalLearnings []Learning          `json:"global_learnings"`
}

func emptyDocument() document {
	return document{Version: Version, Patterns: make(map[string]*Pattern)}
}

// Memory is the pattern store handle. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	store  opstate.Store
	logger *slog.Logger
	doc    document
	now    func() time.Time
}

// Open loads the memory document from store. A missing, unreadable,
// corrupt, or newer-version document yields an empty memory; the problem
// is logged and never returned.
func Open(ctx context.Context, store opstate.Store, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		store:  store,
		logger: logger.With("component", "patterns"),
		doc:    emptyDocument(),
		now:    time.Now,
	}
	m.load(ctx)
	return m
}

func (m *Memory) load(ctx context.Context) {
	raw, err := m.store.Get(ctx, Namespace, DocumentKey)
	if err != nil {
		m.logger.Warn("failed to load pattern memory, starting empty", "error", err)
		return
	}
	if raw == "" {
		return
	}

	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		m.logger.Warn("corrupt pattern memory, starting empty", "error", err)
		return
	}
	if doc.Version > Version {
		m.logger.Warn("pattern memory written by a newer version, starting empty",
			"version", doc.Version, "supported", Version)
		return
	}
	if doc.Patterns == nil {
		doc.Patterns = make(map[string]*Pattern)
	}
	doc.Version = Version
	m.doc = doc

	m.logger.Debug("pattern memory loaded",
		"patterns", len(doc.Patterns),
		"learnings", len(doc.GlobalLearnings),
	)
}

// flushLocked writes the document. The caller holds m.mu.
func (m *Memory) flushLocked(ctx context.Context) error {
	data, err := json.Marshal(m.doc)
	if err != nil {
		return fmt.Errorf("encode pattern memory: %w", err)
	}
	if err := m.store.Set(ctx, Namespace, DocumentKey, string(data)); err != nil {
		m.logger.Warn("failed to persist pattern memory", "error", err)
		return fmt.Errorf("persist pattern memory: %w", err)
	}
	return nil
}

// Flush writes the current document to the store.
func (m *Memory) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx)
}

// Reset forgets every pattern and learning and persists the empty
// document.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = emptyDocument()
	m.logger.Info("pattern memory reset")
	return m.flushLocked(ctx)
}

func (m *Memory) patternLocked(plan callplan.CallPlan) *Pattern {
	key := plan.Key()
	p, ok := m.doc.Patterns[key]
	if !ok {
		p = &Pattern{Method: plan.Method, Endpoint: plan.Endpoint, CommonErrors: []ErrorEntry{}}
		m.doc.Patterns[key] = p
	}
	return p
}

// RecordSuccess counts a successful execution and remembers the shape
// that worked.
func (m *Memory) RecordSuccess(ctx context.Context, plan callplan.CallPlan, _ *executor.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.patternLocked(plan)
	p.SuccessCount++
	p.LastSuccessfulParams = append(callplan.Params(nil), plan.Params...)
	p.LastSuccessfulBody = plan.Body
	p.LastUpdated = m.now()

	return m.flushLocked(ctx)
}

// RecordFailure counts a failed execution under its literal error
// message. A non-empty remediation replaces the one stored for that
// message.
func (m *Memory) RecordFailure(ctx context.Context, plan callplan.CallPlan, res *executor.Result, remediation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := failureMessage(res)
	now := m.now()
	p := m.patternLocked(plan)

	idx := -1
	for i := range p.CommonErrors {
		if p.CommonErrors[i].Message == msg {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.CommonErrors = append(p.CommonErrors, ErrorEntry{Message: msg})
		idx = len(p.CommonErrors) - 1
	}
	e := &p.CommonErrors[idx]
	e.Frequency++
	e.LastSeen = now
	if remediation != "" {
		e.Remediation = remediation
	}
	p.LastUpdated = now

	return m.flushLocked(ctx)
}

func failureMessage(res *executor.Result) string {
	if res == nil {
		return "unknown error"
	}
	if res.Error != "" {
		return res.Error
	}
	return fmt.Sprintf("HTTP %d", res.HTTPStatus)
}

// RelevantPatterns returns the exact match for plan, if any, followed by
// patterns on the same resource ordered by descending success count.
func (m *Memory) RelevantPatterns(plan callplan.CallPlan) []Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relevantLocked(plan)
}

func (m *Memory) relevantLocked(plan callplan.CallPlan) []Pattern {
	var out []Pattern
	key := plan.Key()
	if p, ok := m.doc.Patterns[key]; ok {
		out = append(out, p.clone())
	}

	resource := ResourceSegment(plan.Endpoint)
	if resource == "" {
		return out
	}

	var related []Pattern
	for k, p := range m.doc.Patterns {
		if k == key || ResourceSegment(p.Endpoint) != resource {
			continue
		}
		related = append(related, p.clone())
	}
	sort.Slice(related, func(i, j int) bool {
		if related[i].SuccessCount != related[j].SuccessCount {
			return related[i].SuccessCount > related[j].SuccessCount
		}
		return related[i].Key() < related[j].Key()
	})
	return append(out, related...)
}

// ResourceSegment returns the resource name of an endpoint: the segment
// after a version prefix like "v2", or else the first segment that is not
// "api".
func ResourceSegment(endpoint string) string {
	var segs []string
	for _, s := range strings.Split(endpoint, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	for i, s := range segs {
		if isVersion(s) {
			if i+1 < len(segs) {
				return segs[i+1]
			}
			return ""
		}
	}
	for _, s := range segs {
		if !strings.EqualFold(s, "api") {
			return s
		}
	}
	return ""
}

func isVersion(seg string) bool {
	if len(seg) < 2 || (seg[0] != 'v' && seg[0] != 'V') {
		return false
	}
	for _, r := range seg[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// LearnedRemediation returns the remediation recorded for a similar
// error on a relevant pattern, or "" when memory has none. Look it up
// before recording the current failure so the answer reflects earlier
// runs.
func (m *Memory) LearnedRemediation(plan callplan.CallPlan, errMsg string) string {
	if errMsg == "" {
		return ""
	}
	needle := strings.ToLower(errMsg)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.relevantLocked(plan) {
		for _, e := range p.CommonErrors {
			if e.Remediation != "" && strings.Contains(strings.ToLower(e.Message), needle) {
				return e.Remediation
			}
		}
	}
	return ""
}

// AddGlobalLearning records an operator-supplied insight.
func (m *Memory) AddGlobalLearning(ctx context.Context, insight string, examples ...string) error {
	insight = strings.TrimSpace(insight)
	if insight == "" {
		return fmt.Errorf("insight is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.GlobalLearnings = append(m.doc.GlobalLearnings, Learning{
		Insight:  insight,
		Examples: examples,
		AddedAt:  m.now(),
	})
	return m.flushLocked(ctx)
}

// Snapshot is a point-in-time copy of the memory.
type Snapshot struct {
	Version         int        `json:"version"`
	Patterns        []Pattern  `json:"patterns"`
	GlobalLearnings []Learning `json:"global_learnings"`
}

// Snapshot returns a copy of every pattern, ordered by key, and every
// learning.
func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Version:         m.doc.Version,
		Patterns:        make([]Pattern, 0, len(m.doc.Patterns)),
		GlobalLearnings: append([]Learning{}, m.doc.GlobalLearnings...),
	}
	for _, p := range m.doc.Patterns {
		s.Patterns = append(s.Patterns, p.clone())
	}
	sort.Slice(s.Patterns, func(i, j int) bool { return s.Patterns[i].Key() < s.Patterns[j].Key() })
	return s
}
