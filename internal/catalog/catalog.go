// Package catalog prepares the endpoint listing shown to the model in its
// system prompt. A full listing has one "- VERB /api/vN/path" line per
// operation; Condense reduces it to the operations most resources share
// plus the exceptions, which keeps the prompt small.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/apiloop/internal/callplan"
)

// commonShare is the fraction of resources an operation must appear on
// to count as common.
const commonShare = 0.8

// condensedHeader starts every condensed listing. Load uses it to avoid
// condensing twice.
const condensedHeader = "# Condensed API Endpoint Summary"

var endpointLine = regexp.MustCompile(`^- (GET|POST|PUT|PATCH|DELETE) (/api/v\d+/[^\s/{:]+)`)

// resource is one base path and the verbs seen on it.
type resource struct {
	base string
	ops  map[string]bool
}

func parse(summary string) []*resource {
	var order []*resource
	byBase := make(map[string]*resource)
	for _, line := range strings.Split(summary, "\n") {
		m := endpointLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		r, ok := byBase[m[2]]
		if !ok {
			r = &resource{base: m[2], ops: make(map[string]bool)}
			byBase[m[2]] = r
			order = append(order, r)
		}
		r.ops[m[1]] = true
	}
	return order
}

// CommonOps returns the verbs present on at least 80% of the resources in
// summary, in canonical verb order.
func CommonOps(summary string) []string {
	return commonOps(parse(summary))
}

func commonOps(resources []*resource) []string {
	if len(resources) == 0 {
		return nil
	}
	var common []string
	for _, verb := range callplan.Methods {
		n := 0
		for _, r := range resources {
			if r.ops[verb] {
				n++
			}
		}
		if n > 0 && float64(n) >= float64(len(resources))*commonShare {
			common = append(common, verb)
		}
	}
	return common
}

// Condense rewrites a full endpoint summary as the common operation set,
// the resource list, and per-resource exceptions. Lines that are not
// endpoint entries are ignored. It returns "" when summary lists no
// endpoints.
func Condense(summary string, generated time.Time) string {
	resources := parse(summary)
	if len(resources) == 0 {
		return ""
	}
	common := commonOps(resources)
	isCommon := make(map[string]bool, len(common))
	for _, op := range common {
		isCommon[op] = true
	}

	var out []string
	out = append(out, fmt.Sprintf("%s (generated %s)\n", condensedHeader, generated.UTC().Format(time.RFC3339)))
	out = append(out, fmt.Sprintf("Unless otherwise specified, every resource listed below supports: %s.\n", strings.Join(common, ", ")))
	out = append(out, "Resources:")
	for _, r := range resources {
		out = append(out, "- "+r.base)
	}

	out = append(out, "\nExceptions and special endpoints:")
	for _, r := range resources {
		var missing, extra []string
		for _, op := range common {
			if !r.ops[op] {
				missing = append(missing, op)
			}
		}
		for _, verb := range callplan.Methods {
			if r.ops[verb] && !isCommon[verb] {
				extra = append(extra, verb)
			}
		}
		if len(missing) > 0 {
			out = append(out, fmt.Sprintf("- %s is missing: %s", r.base, strings.Join(missing, ", ")))
		}
		if len(extra) > 0 {
			out = append(out, fmt.Sprintf("- %s has extra: %s", r.base, strings.Join(extra, ", ")))
		}
	}
	return strings.Join(out, "\n")
}

// IsCondensed reports whether text is already a condensed listing.
func IsCondensed(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), condensedHeader)
}

// Load reads the endpoint listing at path for use in the system prompt.
// OpenAPI documents (.json, .yaml, .yml) are summarized first. Full
// listings are condensed; anything else is returned unchanged. An empty
// path yields "".
func Load(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read endpoint summary: %w", err)
	}

	text := string(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		text, err = FromOpenAPI(data)
		if err != nil {
			return "", fmt.Errorf("summarize %s: %w", path, err)
		}
	}

	if IsCondensed(text) {
		return text, nil
	}
	if condensed := Condense(text, time.Now()); condensed != "" {
		return condensed, nil
	}
	return text, nil
}
