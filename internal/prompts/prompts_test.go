package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestSystemPrompt(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
		memory  string
		want    []string
		notWant []string
	}{
		{
			name:    "bare",
			want:    []string{"```\nGET /api/v2/users\n```", "Body: {", "API Conventions", "is_not_null"},
			notWant: []string{"Available Endpoints", "What Earlier Sessions Learned"},
		},
		{
			name:    "with catalog and memory",
			catalog: "Resources:\n- /api/v2/users",
			memory:  "API MEMORY INSIGHTS (3 successful calls learned):",
			want:    []string{"## Available Endpoints\n\nResources:", "API MEMORY INSIGHTS"},
		},
		{
			name:    "whitespace sections omitted",
			catalog: "  \n",
			memory:  "\n",
			notWant: []string{"Available Endpoints", "What Earlier Sessions Learned"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SystemPrompt(tt.catalog, tt.memory)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("missing %q", w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("unexpected %q", w)
				}
			}
		})
	}
}

func TestCallSucceeded(t *testing.T) {
	got := CallSucceeded("GET", "/api/v2/users", 42*time.Millisecond, `[{"id":1}]`)
	want := "API call SUCCEEDED: GET /api/v2/users (42ms)\nData: [{\"id\":1}]"
	if got != want {
		t.Errorf("CallSucceeded = %q, want %q", got, want)
	}
}

func TestCallFailed(t *testing.T) {
	base := Failure{
		Method:   "POST",
		Endpoint: "/api/v2/jobs",
		Error:    "HTTP 422: Unprocessable Entity",
		Status:   422,
		Data:     `{"errors":{"crew_id":["required"]}}`,
	}

	guided := base
	guided.Guidance = "Error category: validation (attempt 1 of 4). Suggested fix: Check required fields in request body"
	guided.Learned = "Include crew_id."
	got := CallFailed(guided)
	for _, w := range []string{"API call FAILED: POST /api/v2/jobs", "HTTP: 422", "Response: {\"errors\"", "SUGGESTED FIX: Error category: validation", "LEARNED SOLUTION: Include crew_id."} {
		if !strings.Contains(got, w) {
			t.Errorf("CallFailed missing %q:\n%s", w, got)
		}
	}

	exceeded := base
	exceeded.Exceeded = true
	exceeded.Guidance = "ignored"
	got = CallFailed(exceeded)
	if !strings.Contains(got, "Max retries exceeded") || strings.Contains(got, "SUGGESTED FIX") {
		t.Errorf("exceeded failure = %q", got)
	}

	network := Failure{Method: "GET", Endpoint: "/api/v2/users", Error: "dial tcp: connection refused"}
	if got := CallFailed(network); !strings.Contains(got, "HTTP: 0") || strings.Contains(got, "Response:") {
		t.Errorf("network failure = %q", got)
	}
}

func TestValidationWarning(t *testing.T) {
	got := ValidationWarning(0.5, []string{"Common issues with this endpoint: HTTP 422", "Consider adding params like: {\"limit\":\"5\"}"})
	if !strings.HasPrefix(got, "API CALL VALIDATION WARNINGS (confidence: 50%):\nCommon issues") {
		t.Errorf("ValidationWarning = %q", got)
	}
}

func TestConfidenceCheck(t *testing.T) {
	got := ConfidenceCheck("How many users?", 3, 8, []string{"GET /api/v2/userz: HTTP 404: Not Found"}, 1, true)
	for _, w := range []string{`"How many users?"`, "Current turn: 3/8", "Memory insights: available", "- GET /api/v2/userz", "without making it: 1", "CONFIDENT"} {
		if !strings.Contains(got, w) {
			t.Errorf("ConfidenceCheck missing %q", w)
		}
	}

	quiet := ConfidenceCheck("q", 1, 8, nil, 0, false)
	if strings.Contains(quiet, "Failed calls") || strings.Contains(quiet, "without making it") {
		t.Errorf("empty sections rendered: %q", quiet)
	}
}

func TestExhausted(t *testing.T) {
	got := Exhausted(8, []string{"POST /api/v2/jobs: HTTP 422: Unprocessable Entity"})
	if !strings.Contains(got, "(8)") || !strings.Contains(got, "- POST /api/v2/jobs") {
		t.Errorf("Exhausted = %q", got)
	}
	if got := Exhausted(2, nil); strings.Contains(got, "did not succeed") {
		t.Errorf("Exhausted without failures = %q", got)
	}
}

func TestMissingCallFormat(t *testing.T) {
	got := MissingCallFormat()
	if !strings.Contains(got, "```\nGET /api/v2/users\n```") {
		t.Errorf("MissingCallFormat lacks the example block: %q", got)
	}
}
