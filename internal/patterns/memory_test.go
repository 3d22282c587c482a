package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/apiloop/internal/callplan"
	"github.com/nugget/apiloop/internal/executor"
	"github.com/nugget/apiloop/internal/opstate"
)

func plan(method, endpoint string) callplan.CallPlan {
	return callplan.CallPlan{Method: method, Endpoint: endpoint}
}

func failed(status int, msg string) *executor.Result {
	return &executor.Result{HTTPStatus: status, Error: msg}
}

func TestRecord_FailuresThenSuccess(t *testing.T) {
	ctx := context.Background()
	m := Open(ctx, opstate.NewMemoryStore(), nil)

	jobs := plan("POST", "/api/v2/jobs")
	jobs.Body = map[string]any{"title": "Fix roof"}
	for i := 0; i < 3; i++ {
		if err := m.RecordFailure(ctx, jobs, failed(422, "HTTP 422: Unprocessable Entity"), "Check required fields."); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	if err := m.RecordSuccess(ctx, jobs, &executor.Result{Success: true, HTTPStatus: 201}); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := m.RecordSuccess(ctx, plan("GET", "/api/v2/jobs/search"), &executor.Result{Success: true}); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	rel := m.RelevantPatterns(jobs)
	if len(rel) != 2 {
		t.Fatalf("RelevantPatterns returned %d, want 2", len(rel))
	}
	exact := rel[0]
	if exact.Key() != "POST:/api/v2/jobs" {
		t.Errorf("first pattern = %s, want exact match", exact.Key())
	}
	if exact.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", exact.SuccessCount)
	}
	if len(exact.CommonErrors) != 1 || exact.CommonErrors[0].Frequency != 3 {
		t.Errorf("CommonErrors = %+v, want one entry with frequency 3", exact.CommonErrors)
	}
	if exact.CommonErrors[0].Remediation != "Check required fields." {
		t.Errorf("Remediation = %q", exact.CommonErrors[0].Remediation)
	}
	if exact.LastSuccessfulBody == nil {
		t.Error("LastSuccessfulBody not recorded")
	}
}

func TestRelevantPatterns_Ordering(t *testing.T) {
	ctx := context.Background()
	m := Open(ctx, opstate.NewMemoryStore(), nil)

	for i := 0; i < 5; i++ {
		m.RecordSuccess(ctx, plan("GET", "/api/v2/users"), nil)
	}
	for i := 0; i < 2; i++ {
		m.RecordSuccess(ctx, plan("POST", "/api/v2/users/search"), nil)
	}
	m.RecordFailure(ctx, plan("GET", "/api/v2/users/5"), failed(404, "HTTP 404: Not Found"), "")
	m.RecordSuccess(ctx, plan("GET", "/api/v2/crews"), nil)

	rel := m.RelevantPatterns(plan("GET", "/api/v2/users/5"))
	var keys []string
	for _, p := range rel {
		keys = append(keys, p.Key())
	}
	want := []string{"GET:/api/v2/users/5", "GET:/api/v2/users", "POST:/api/v2/users/search"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("RelevantPatterns = %v, want %v", keys, want)
	}

	if rel := m.RelevantPatterns(plan("DELETE", "/api/v2/teams/1")); len(rel) != 0 {
		t.Errorf("unrelated resource matched %d patterns", len(rel))
	}
}

func TestResourceSegment(t *testing.T) {
	tests := map[string]string{
		"/api/v2/users":        "users",
		"/api/v2/users/5":      "users",
		"/v1/crews/search":     "crews",
		"/api/jobs/7":          "jobs",
		"/jobs":                "jobs",
		"/api/v2":              "",
		"/api":                 "",
		"":                     "",
		"/api/v10/time_sheets": "time_sheets",
	}
	for in, want := range tests {
		if got := ResourceSegment(in); got != want {
			t.Errorf("ResourceSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	m := Open(ctx, opstate.NewMemoryStore(), nil)

	fresh := m.Validate(plan("GET", "/api/v2/unknown"))
	if fresh.Confidence != 0.5 || fresh.IsValid || len(fresh.Suggestions) != 0 {
		t.Errorf("fresh validation = %+v, want 0.5/invalid/no suggestions", fresh)
	}

	users := plan("GET", "/api/v2/users")
	users.Params = callplan.Params{{Key: "limit", Value: "5"}}
	m.RecordSuccess(ctx, users, nil)
	m.RecordSuccess(ctx, users, nil)

	v := m.Validate(plan("GET", "/api/v2/users"))
	if v.Confidence < 0.69 || v.Confidence > 0.71 {
		t.Errorf("Confidence = %v, want 0.7", v.Confidence)
	}
	if !v.IsValid {
		t.Error("two successes should make the plan valid")
	}
	if len(v.Suggestions) != 1 || !strings.Contains(v.Suggestions[0], `{"limit":"5"}`) {
		t.Errorf("Suggestions = %v, want params hint", v.Suggestions)
	}

	for i := 0; i < 10; i++ {
		m.RecordSuccess(ctx, users, nil)
	}
	if v := m.Validate(users); v.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want cap 0.9", v.Confidence)
	}
}

func TestValidate_FrequentErrors(t *testing.T) {
	ctx := context.Background()
	m := Open(ctx, opstate.NewMemoryStore(), nil)

	p := plan("POST", "/api/v2/jobs")
	m.RecordFailure(ctx, p, failed(422, "HTTP 422: Unprocessable Entity"), "Include crew_id.")
	m.RecordFailure(ctx, p, failed(422, "HTTP 422: Unprocessable Entity"), "")
	m.RecordFailure(ctx, p, failed(500, "HTTP 500: Internal Server Error"), "")

	v := m.Validate(p)
	if v.IsValid {
		t.Error("endpoint with no successes should not be valid")
	}
	if len(v.Suggestions) != 2 {
		t.Fatalf("Suggestions = %v, want 2", v.Suggestions)
	}
	if !strings.Contains(v.Suggestions[0], "HTTP 422") || strings.Contains(v.Suggestions[0], "HTTP 500") {
		t.Errorf("Suggestions[0] = %q, want only the repeated error", v.Suggestions[0])
	}
	if !strings.Contains(v.Suggestions[1], "Include crew_id.") {
		t.Errorf("Suggestions[1] = %q, want remediation", v.Suggestions[1])
	}
}

func TestLearnedRemediation(t *testing.T) {
	ctx := context.Background()
	m := Open(ctx, opstate.NewMemoryStore(), nil)

	m.RecordFailure(ctx, plan("POST", "/api/v2/users"), failed(422, "HTTP 422: Unprocessable Entity"), "Send email as a string.")

	got := m.LearnedRemediation(plan("POST", "/api/v2/users/search"), "http 422: unprocessable entity")
	if got != "Send email as a string." {
		t.Errorf("LearnedRemediation = %q", got)
	}
	if got := m.LearnedRemediation(plan("POST", "/api/v2/crews"), "HTTP 422: Unprocessable Entity"); got != "" {
		t.Errorf("unrelated resource returned %q", got)
	}
	if got := m.LearnedRemediation(plan("POST", "/api/v2/users"), ""); got != "" {
		t.Errorf("empty error returned %q", got)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := opstate.NewMemoryStore()

	m1 := Open(ctx, store, nil)
	m1.RecordSuccess(ctx, plan("GET", "/api/v2/users"), nil)
	if err := m1.AddGlobalLearning(ctx, "Use include=crews to fetch crew names", "GET /api/v2/users?include=crews"); err != nil {
		t.Fatalf("AddGlobalLearning: %v", err)
	}

	raw, _ := store.Get(ctx, Namespace, DocumentKey)
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("stored document is not JSON: %v", err)
	}
	if doc["version"] != float64(Version) {
		t.Errorf("stored version = %v", doc["version"])
	}

	m2 := Open(ctx, store, nil)
	snap := m2.Snapshot()
	if len(snap.Patterns) != 1 || snap.Patterns[0].SuccessCount != 1 {
		t.Errorf("reloaded patterns = %+v", snap.Patterns)
	}
	if len(snap.GlobalLearnings) != 1 {
		t.Errorf("reloaded learnings = %+v", snap.GlobalLearnings)
	}
	if !strings.Contains(m2.GlobalLearnings(), "include=crews") {
		t.Errorf("GlobalLearnings() = %q", m2.GlobalLearnings())
	}
}

func TestOpen_DegradesToEmpty(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"corrupt", "{not json"},
		{"newer version", `{"version": 99, "patterns": {"GET:/x": {"method":"GET","endpoint":"/x","success_count":4}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := opstate.NewMemoryStore()
			store.Set(ctx, Namespace, DocumentKey, tt.raw)

			m := Open(ctx, store, nil)
			if n := len(m.Snapshot().Patterns); n != 0 {
				t.Errorf("patterns = %d, want empty memory", n)
			}
			if err := m.RecordSuccess(ctx, plan("GET", "/api/v2/users"), nil); err != nil {
				t.Errorf("memory should remain usable: %v", err)
			}
		})
	}
}

// failingStore fails every operation.
type failingStore struct{ opstate.MemoryStore }

func (*failingStore) Get(context.Context, string, string) (string, error) {
	return "", errors.New("backend down")
}

func (*failingStore) Set(context.Context, string, string, string) error {
	return errors.New("backend down")
}

func TestFlushFailure_IsReportedNotFatal(t *testing.T) {
	ctx := context.Background()
	m := Open(ctx, &failingStore{}, nil)

	if err := m.RecordSuccess(ctx, plan("GET", "/api/v2/users"), nil); err == nil {
		t.Error("expected flush error to be returned")
	}
	if n := len(m.RelevantPatterns(plan("GET", "/api/v2/users"))); n != 1 {
		t.Errorf("in-memory state should keep the update, got %d patterns", n)
	}
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store := opstate.NewMemoryStore()
	m := Open(ctx, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := plan("GET", "/api/v2/users")
			if i%2 == 0 {
				m.RecordSuccess(ctx, p, nil)
			} else {
				m.RecordFailure(ctx, p, failed(500, "HTTP 500: Internal Server Error"), "")
			}
		}(i)
	}
	wg.Wait()

	reloaded := Open(ctx, store, nil).RelevantPatterns(plan("GET", "/api/v2/users"))
	if len(reloaded) != 1 {
		t.Fatalf("patterns = %d", len(reloaded))
	}
	if reloaded[0].SuccessCount != 10 || reloaded[0].CommonErrors[0].Frequency != 10 {
		t.Errorf("lost updates: success=%d errors=%+v", reloaded[0].SuccessCount, reloaded[0].CommonErrors)
	}
}

func TestInsights(t *testing.T) {
	ctx := context.Background()
	m := Open(ctx, opstate.NewMemoryStore(), nil)
	if m.Insights() != "" {
		t.Error("empty memory should render no insights")
	}

	users := plan("GET", "/api/v2/users")
	users.Params = callplan.Params{{Key: "include", Value: "crews"}}
	m.RecordSuccess(ctx, users, nil)
	m.RecordFailure(ctx, plan("POST", "/api/v2/jobs"), failed(422, "HTTP 422: Unprocessable Entity"), "")

	got := m.Insights()
	for _, want := range []string{
		"(1 successful calls learned)",
		`"HTTP 422: Unprocessable Entity" (1x) - No solution learned yet`,
		"1. GET /api/v2/users (1 successes)",
		`Last successful params: {"include":"crews"}`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Insights() missing %q:\n%s", want, got)
		}
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	store := opstate.NewMemoryStore()
	m := Open(ctx, store, nil)
	if err := m.RecordSuccess(ctx, plan("GET", "/api/v2/users"), &executor.Result{Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddGlobalLearning(ctx, "IDs are strings."); err != nil {
		t.Fatal(err)
	}

	if err := m.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if snap := m.Snapshot(); len(snap.Patterns) != 0 || len(snap.GlobalLearnings) != 0 {
		t.Errorf("snapshot after reset = %+v", snap)
	}
	if reopened := Open(ctx, store, nil); len(reopened.Snapshot().Patterns) != 0 {
		t.Error("reset was not persisted")
	}
}
