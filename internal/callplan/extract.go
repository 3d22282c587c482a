package callplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const fence = "```"

// requestLine is the whole grammar: a verb, whitespace, and a path.
var requestLine = regexp.MustCompile(`^(?i)(GET|POST|PUT|PATCH|DELETE)\s+(/\S*)`)

// rawRequest is the unfenced fallback. The verb must start a word.
var rawRequest = regexp.MustCompile(`(?i)\b(GET|POST|PUT|PATCH|DELETE)\s+(/[^\s` + "`" + `"'<>]*)`)

// verbPrefix matches lines that start like a request but may not finish
// like one.
var verbPrefix = regexp.MustCompile(`^(?i)(GET|POST|PUT|PATCH|DELETE)\b`)

// infoString matches a bare language tag after an opening fence.
var infoString = regexp.MustCompile(`^[A-Za-z0-9_+.-]+$`)

// Extraction is the outcome of scanning one model reply.
type Extraction struct {
	// Plan is nil when the reply holds no call.
	Plan *CallPlan

	// Fenced reports whether Plan came from a fenced block rather than
	// the raw-text fallback.
	Fenced bool

	// BodyErr is set when a block had a body line that did not parse as
	// JSON. The plan, if any, was returned without a body.
	BodyErr error

	// MalformedBody is the text that failed to parse.
	MalformedBody string

	// Blocks counts the fenced blocks in the reply.
	Blocks int

	// NearMisses counts fenced blocks that look like an attempted call
	// but do not satisfy the grammar.
	NearMisses int
}

// Found reports whether a plan was extracted.
func (e Extraction) Found() bool {
	return e.Plan != nil
}

// Extractor extracts call plans from model replies.
type Extractor struct {
	// RawFallback enables the unfenced scan when no block matches.
	RawFallback bool
}

// NewExtractor returns an extractor with the raw-text fallback enabled.
func NewExtractor() *Extractor {
	return &Extractor{RawFallback: true}
}

// Extract scans text for a call plan using the default extractor.
func Extract(text string) Extraction {
	return NewExtractor().Extract(text)
}

// Extract scans text for a call plan. Fenced blocks are tried in source
// order and the first one whose opening line is a request line wins.
// It never panics on malformed input.
func (x *Extractor) Extract(text string) Extraction {
	var ex Extraction

	for _, block := range fencedBlocks(text) {
		ex.Blocks++

		lines := blockLines(block)
		if len(lines) == 0 {
			continue
		}

		m := requestLine.FindStringSubmatch(lines[0])
		if m == nil {
			if verbPrefix.MatchString(lines[0]) || hasBodyLine(lines) {
				ex.NearMisses++
			}
			continue
		}

		if ex.Plan != nil {
			continue
		}

		plan := newPlan(m[1], m[2])
		if idx := bodyLineIndex(lines); idx > 0 {
			raw := bodyText(lines[idx:])
			body, err := parseBody(raw)
			if err != nil {
				ex.BodyErr = err
				ex.MalformedBody = raw
			} else {
				plan.Body = body
			}
		}
		ex.Plan = plan
		ex.Fenced = true
	}

	if ex.Plan != nil || !x.RawFallback {
		return ex
	}

	if m := rawRequest.FindStringSubmatch(text); m != nil {
		ex.Plan = newPlan(m[1], m[2])
	}
	return ex
}

// newPlan builds a plan from a matched verb and path, splitting any
// query string into params.
func newPlan(method, path string) *CallPlan {
	path = strings.TrimRight(path, "` \t\r\n")

	plan := &CallPlan{Method: strings.ToUpper(method)}
	endpoint, query, hasQuery := strings.Cut(path, "?")
	plan.Endpoint = strings.TrimRight(endpoint, "` \t")
	if hasQuery {
		if params := ParseQuery(query); len(params) > 0 {
			plan.Params = params
		}
	}
	return plan
}

// fencedBlocks returns the contents of every closed fenced block in
// order. An unclosed trailing fence is ignored.
func fencedBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		open := strings.Index(rest, fence)
		if open < 0 {
			return blocks
		}
		rest = rest[open+len(fence):]

		end := strings.Index(rest, fence)
		if end < 0 {
			return blocks
		}
		blocks = append(blocks, rest[:end])
		rest = rest[end+len(fence):]
	}
}

// blockLines returns the trimmed, non-blank lines of a block. Only the
// text on the opening fence line can be an info string ("http", "json");
// it is dropped there and kept as content anywhere else.
func blockLines(block string) []string {
	var lines []string
	first, rest, multi := strings.Cut(block, "\n")
	if first = strings.TrimSpace(first); multi && infoString.MatchString(first) && !verbPrefix.MatchString(first) {
		block = rest
	}
	for _, l := range strings.Split(block, "\n") {
		l = strings.TrimSpace(l)
		l = strings.TrimLeft(l, "`")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func isBodyLine(line string) bool {
	return strings.HasPrefix(strings.ToLower(line), "body:")
}

func hasBodyLine(lines []string) bool {
	return bodyLineIndex(lines) >= 0
}

func bodyLineIndex(lines []string) int {
	for i, l := range lines {
		if isBodyLine(l) {
			return i
		}
	}
	return -1
}

// bodyText joins the body line, minus its prefix, with every line after
// it.
func bodyText(lines []string) string {
	first := strings.TrimSpace(lines[0][len("body:"):])
	rest := append([]string{first}, lines[1:]...)
	return strings.TrimSpace(strings.Join(rest, "\n"))
}

func parseBody(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON body at offset %d", dec.InputOffset())
	}
	return body, nil
}
