package callplan

import (
	"encoding/json"
	"net/url"
	"reflect"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantMethod string
		wantPath   string
		wantParams map[string]string
		wantBody   any
		wantFenced bool
	}{
		{
			name:       "query params",
			text:       "I'll check:\n```\nGET /api/v2/users?limit=5\n```",
			wantMethod: "GET",
			wantPath:   "/api/v2/users",
			wantParams: map[string]string{"limit": "5"},
			wantFenced: true,
		},
		{
			name:       "body line",
			text:       "```\nPOST /api/v2/users\nBody: {\"name\": \"Jo\"}\n```",
			wantMethod: "POST",
			wantPath:   "/api/v2/users",
			wantBody:   map[string]any{"name": "Jo"},
			wantFenced: true,
		},
		{
			name:       "multi-line body",
			text:       "```\nPOST /api/v2/users/search\nbody: {\n  \"filters\": [{\"field\": \"age\", \"operator\": \">\", \"value\": 30}]\n}\n```",
			wantMethod: "POST",
			wantPath:   "/api/v2/users/search",
			wantBody: map[string]any{
				"filters": []any{map[string]any{"field": "age", "operator": ">", "value": json.Number("30")}},
			},
			wantFenced: true,
		},
		{
			name:       "lowercase verb and info string",
			text:       "Here goes.\n```http\nget /api/v2/crews?include=members\n```\nDone.",
			wantMethod: "GET",
			wantPath:   "/api/v2/crews",
			wantParams: map[string]string{"include": "members"},
			wantFenced: true,
		},
		{
			name:       "inline fence",
			text:       "Run ```DELETE /api/v2/jobs/7``` now",
			wantMethod: "DELETE",
			wantPath:   "/api/v2/jobs/7",
			wantFenced: true,
		},
		{
			name:       "first matching block wins",
			text:       "```json\n{\"a\": 1}\n```\n```\nPATCH /api/v2/jobs/1\nBody: {\"status\": \"done\"}\n```\n```\nGET /api/v2/other\n```",
			wantMethod: "PATCH",
			wantPath:   "/api/v2/jobs/1",
			wantBody:   map[string]any{"status": "done"},
			wantFenced: true,
		},
		{
			name:       "trailing backticks stripped",
			text:       "```\n`GET /api/v2/users`\n```",
			wantMethod: "GET",
			wantPath:   "/api/v2/users",
			wantFenced: true,
		},
		{
			name:       "raw fallback",
			text:       "Calling GET /api/v2/users?page=2 for you",
			wantMethod: "GET",
			wantPath:   "/api/v2/users",
			wantParams: map[string]string{"page": "2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := Extract(tt.text)
			if ex.Plan == nil {
				t.Fatalf("Extract(%q) found no plan", tt.text)
			}
			if ex.Plan.Method != tt.wantMethod {
				t.Errorf("method = %q, want %q", ex.Plan.Method, tt.wantMethod)
			}
			if ex.Plan.Endpoint != tt.wantPath {
				t.Errorf("endpoint = %q, want %q", ex.Plan.Endpoint, tt.wantPath)
			}
			if tt.wantParams == nil {
				if len(ex.Plan.Params) != 0 {
					t.Errorf("params = %v, want none", ex.Plan.Params)
				}
			} else if got := ex.Plan.Params.Map(); !reflect.DeepEqual(got, tt.wantParams) {
				t.Errorf("params = %v, want %v", got, tt.wantParams)
			}
			if !reflect.DeepEqual(ex.Plan.Body, tt.wantBody) {
				t.Errorf("body = %#v, want %#v", ex.Plan.Body, tt.wantBody)
			}
			if ex.Fenced != tt.wantFenced {
				t.Errorf("fenced = %v, want %v", ex.Fenced, tt.wantFenced)
			}
		})
	}
}

func TestExtract_NoPlan(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"prose", "The users endpoint returned three records."},
		{"verb mid-line in block", "```\nPlease GET /api/v2/users\n```"},
		{"unclosed fence", "```\nGET"},
		{"no path", "```\nGET users\n```"},
		{"bare word before request", "```\nnote\nDELETE /api/v2/users/5\nBody: {\"force\": true}\n```"},
		{"info string on its own line", "```\n\nhttp\nGET /api/v2/users\n```"},
	}

	x := &Extractor{RawFallback: false}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ex := x.Extract(tt.text); ex.Plan != nil {
				t.Errorf("Extract(%q) = %+v, want no plan", tt.text, ex.Plan)
			}
		})
	}
}

func TestExtract_RawFallbackDisabled(t *testing.T) {
	x := &Extractor{RawFallback: false}
	if ex := x.Extract("Calling GET /api/v2/users"); ex.Plan != nil {
		t.Errorf("expected no plan with fallback disabled, got %+v", ex.Plan)
	}
}

func TestExtract_MalformedBody(t *testing.T) {
	ex := Extract("```\nPOST /api/v2/users\nBody: {name: Jo}\n```")
	if ex.Plan == nil {
		t.Fatal("expected plan despite malformed body")
	}
	if ex.Plan.Body != nil {
		t.Errorf("body = %v, want unset", ex.Plan.Body)
	}
	if ex.BodyErr == nil {
		t.Error("expected BodyErr to be recorded")
	}
	if ex.MalformedBody != "{name: Jo}" {
		t.Errorf("MalformedBody = %q", ex.MalformedBody)
	}
}

func TestExtract_NearMisses(t *testing.T) {
	text := "```\nGET users please\n```\n```\nendpoint: /api/v2/users\nBody: {}\n```\n```\nplain code\n```"
	ex := Extract(text)
	if ex.Plan != nil {
		t.Fatalf("unexpected plan %+v", ex.Plan)
	}
	if ex.Blocks != 3 {
		t.Errorf("Blocks = %d, want 3", ex.Blocks)
	}
	if ex.NearMisses != 2 {
		t.Errorf("NearMisses = %d, want 2", ex.NearMisses)
	}
}

func TestExtract_RepeatedQueryKey(t *testing.T) {
	ex := Extract("```\nGET /api/v2/users?sort=name&limit=5&sort=age\n```")
	if ex.Plan == nil {
		t.Fatal("no plan")
	}
	want := Params{{"sort", "age"}, {"limit", "5"}}
	if !reflect.DeepEqual(ex.Plan.Params, want) {
		t.Errorf("params = %v, want %v", ex.Plan.Params, want)
	}
}

func TestParseQuery_MatchesStandardDecoding(t *testing.T) {
	queries := []string{
		"limit=5",
		"q=hello+world&tag=a%2Fb",
		"include=crews,members&with_count=jobs",
		"name=Jo%C3%A3o&empty=",
		"a=1&b=2&a=3",
	}

	for _, q := range queries {
		std, err := url.ParseQuery(q)
		if err != nil {
			t.Fatalf("url.ParseQuery(%q): %v", q, err)
		}
		got := ParseQuery(q).Map()
		if len(got) != len(std) {
			t.Errorf("ParseQuery(%q) = %v, want keys of %v", q, got, std)
			continue
		}
		for k, vs := range std {
			if got[k] != vs[len(vs)-1] {
				t.Errorf("ParseQuery(%q)[%q] = %q, want %q", q, k, got[k], vs[len(vs)-1])
			}
		}
	}
}

func TestParams_EncodeRoundTrip(t *testing.T) {
	params := Params{
		{"filter", "name like 'J%'"},
		{"include", "crews,members"},
		{"page", "2"},
		{"q", "a&b=c"},
	}
	got := ParseQuery(params.Encode())
	if !reflect.DeepEqual(got.Map(), params.Map()) {
		t.Errorf("round trip = %v, want %v", got, params)
	}
}

func TestParams_JSONPreservesOrder(t *testing.T) {
	var ps Params
	if err := json.Unmarshal([]byte(`{"zeta":"1","alpha":2,"flag":true,"skip":null}`), &ps); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := Params{{"zeta", "1"}, {"alpha", "2"}, {"flag", "true"}}
	if !reflect.DeepEqual(ps, want) {
		t.Fatalf("params = %v, want %v", ps, want)
	}

	out, err := json.Marshal(ps)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"zeta":"1","alpha":"2","flag":"true"}` {
		t.Errorf("Marshal = %s", out)
	}
}

func TestCallPlan_Payload(t *testing.T) {
	params := Params{{"name", "Jo"}}
	body := map[string]any{"name": "Ann"}

	tests := []struct {
		name string
		plan CallPlan
		want any
	}{
		{"get never sends payload", CallPlan{Method: "GET", Params: params}, nil},
		{"body wins", CallPlan{Method: "POST", Params: params, Body: body}, body},
		{"params as object", CallPlan{Method: "PUT", Params: params}, params},
		{"nothing to send", CallPlan{Method: "DELETE"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.plan.Payload(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Payload() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestCallPlan_KeyAndString(t *testing.T) {
	p := CallPlan{Method: "GET", Endpoint: "/api/v2/users", Params: Params{{"limit", "5"}}}
	if p.Key() != "GET:/api/v2/users" {
		t.Errorf("Key() = %q", p.Key())
	}
	if p.String() != "GET /api/v2/users?limit=5" {
		t.Errorf("String() = %q", p.String())
	}
	q := p
	q.Params = Params{{"limit", "5"}}
	if !p.Equal(q) {
		t.Error("identical plans should be Equal")
	}
	q.Body = map[string]any{"x": 1}
	if p.Equal(q) {
		t.Error("plans with different bodies should not be Equal")
	}
}
