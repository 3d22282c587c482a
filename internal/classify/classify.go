// Package classify maps failed executions to an error category and the
// retry policy for that category. Policies and matching rules are plain
// data so categories can be added without touching the loop.
package classify

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/nugget/apiloop/internal/executor"
)

// Category names a class of failure.
type Category string

// Known categories.
const (
	Validation     Category = "validation"
	NotFound       Category = "not_found"
	Authentication Category = "authentication"
	Network        Category = "network"
	Server         Category = "server"
)

// Policy is the remediation plan for one category.
type Policy struct {
	// Adaptations are hints shown to the model, indexed by attempt.
	Adaptations []string
	MaxRetries  int
	// ProgressiveSimplification asks later attempts to shed optional
	// fields.
	ProgressiveSimplification bool
}

// Rule matches a result to a category. A rule matches when any of its
// conditions holds.
type Rule struct {
	Category     Category
	Statuses     []int
	NetworkError bool
	// Keywords are matched case-insensitively against the error text of
	// results that carry no HTTP status.
	Keywords []string
}

func (r Rule) matches(res *executor.Result) bool {
	for _, s := range r.Statuses {
		if res.HTTPStatus == s {
			return true
		}
	}
	if r.NetworkError && res.NetworkError {
		return true
	}
	if len(r.Keywords) > 0 && res.HTTPStatus == 0 {
		msg := strings.ToLower(res.Error)
		for _, k := range r.Keywords {
			if strings.Contains(msg, k) {
				return true
			}
		}
	}
	return false
}

// DefaultPolicies is the built-in policy table.
var DefaultPolicies = map[Category]Policy{
	Validation: {
		Adaptations: []string{
			"Check that every required field is present in the request body.",
			"Verify field types match the API schema (numbers vs strings, ISO dates, arrays).",
			"Simplify the request by dropping optional fields and retry with the minimum required set.",
			"Check field naming conventions (snake_case) against the endpoint documentation.",
		},
		MaxRetries:                4,
		ProgressiveSimplification: true,
	},
	NotFound: {
		Adaptations: []string{
			"Verify the endpoint path is correct, including the version prefix and pluralized resource name.",
			"Verify the resource id exists, for example by listing or searching the collection first.",
			"Try an alternative endpoint such as POST {resource}/search or the parent collection.",
		},
		MaxRetries: 3,
	},
	Authentication: {
		Adaptations: []string{
			"Check that the request carries valid authentication headers.",
			"Check that the token has permission for this resource; try a read-only call to confirm access.",
		},
		MaxRetries: 2,
	},
	Network: {
		Adaptations: []string{
			"Retry the same request; the failure may be transient.",
			"Check connectivity to the API; if it persists, tell the user the API is unreachable.",
		},
		MaxRetries: 3,
	},
	Server: {
		Adaptations: []string{
			"Retry the request after a short delay.",
			"Simplify the request: fewer includes, filters, and aggregates.",
		},
		MaxRetries:                2,
		ProgressiveSimplification: true,
	},
}

// DefaultRules are checked in order; the first match wins. Results that
// match no rule fall into Server.
var DefaultRules = []Rule{
	{Category: Validation, Statuses: []int{http.StatusUnprocessableEntity, http.StatusBadRequest}},
	{Category: NotFound, Statuses: []int{http.StatusNotFound}},
	{Category: Authentication, Statuses: []int{http.StatusUnauthorized, http.StatusForbidden}},
	{Category: Network, NetworkError: true, Keywords: []string{"network", "connection", "connectivity", "timeout"}},
}

// Strategy is the classification of one failure.
type Strategy struct {
	Category                  Category `json:"category"`
	Adaptations               []string `json:"adaptations"`
	MaxRetries                int      `json:"max_retries"`
	ProgressiveSimplification bool     `json:"progressive_simplification"`
}

// Hint returns the adaptation for a zero-based attempt. Attempts past
// the end reuse the last hint.
func (s Strategy) Hint(attempt int) string {
	if len(s.Adaptations) == 0 {
		return ""
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.Adaptations) {
		attempt = len(s.Adaptations) - 1
	}
	return s.Adaptations[attempt]
}

// Classifier applies rules and policies.
type Classifier struct {
	rules    []Rule
	policies map[Category]Policy
	fallback Category
}

// New returns a classifier over the given table. Nil arguments select
// the defaults.
func New(rules []Rule, policies map[Category]Policy) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	if policies == nil {
		policies = DefaultPolicies
	}
	return &Classifier{rules: rules, policies: policies, fallback: Server}
}

// Default returns a classifier with the built-in table.
func Default() *Classifier {
	return New(nil, nil)
}

// Classify maps a result to its strategy. It is pure: the same result
// always yields the same strategy.
func (c *Classifier) Classify(res *executor.Result) Strategy {
	cat := c.fallback
	for _, r := range c.rules {
		if r.matches(res) {
			cat = r.Category
			break
		}
	}
	return c.strategy(cat)
}

func (c *Classifier) strategy(cat Category) Strategy {
	p := c.policies[cat]
	return Strategy{
		Category:                  cat,
		Adaptations:               append([]string(nil), p.Adaptations...),
		MaxRetries:                p.MaxRetries,
		ProgressiveSimplification: p.ProgressiveSimplification,
	}
}

// Describe renders the guidance for one attempt, 1-based, as shown to
// the model.
func (s Strategy) Describe(attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error category: %s (attempt %d of %d).", s.Category, attempt, s.MaxRetries)
	if hint := s.Hint(attempt - 1); hint != "" {
		fmt.Fprintf(&b, " Suggested fix: %s", hint)
	}
	if s.ProgressiveSimplification && attempt > 1 {
		b.WriteString(" Shed optional fields before retrying.")
	}
	return b.String()
}
