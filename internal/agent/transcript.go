package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nugget/apiloop/internal/executor"
	"github.com/nugget/apiloop/internal/prompts"
)

var (
	fencedBlock = regexp.MustCompile("(?s)```.*?```")
	blankRuns   = regexp.MustCompile(`\n{2,}`)

	notConfident = regexp.MustCompile(`(?i)\bNOT\s+CONFIDENT\b`)
	confident    = regexp.MustCompile(`(?i)\bCONFIDENT\b`)
)

// maxDataChars bounds the response data echoed back to the model.
const maxDataChars = 8000

// forTranscript removes fenced blocks from a reply and collapses blank
// runs. The call itself travels on the message's Call field.
func forTranscript(reply string) string {
	s := fencedBlock.ReplaceAllString(reply, "")
	s = blankRuns.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// isConfident reads a confidence probe reply.
func isConfident(reply string) bool {
	return confident.MatchString(reply) && !notConfident.MatchString(reply)
}

// renderPending turns a pending result into the context message the model
// sees next.
func renderPending(p *pendingResult) string {
	res := p.result
	if res.Success {
		return prompts.CallSucceeded(res.Plan.Method, res.Plan.Endpoint, res.ExecutionTime, renderData(res.Data))
	}

	f := prompts.Failure{
		Method:   res.Plan.Method,
		Endpoint: res.Plan.Endpoint,
		Error:    res.Error,
		Status:   res.HTTPStatus,
		Exceeded: p.exceeded,
		Learned:  p.learned,
	}
	if res.Data != nil {
		f.Data = renderData(res.Data)
	}
	if !p.exceeded {
		f.Guidance = p.strategy.Describe(p.attempt)
	}
	return prompts.CallFailed(f)
}

func renderData(v any) string {
	var s string
	if str, ok := v.(string); ok {
		s = str
	} else {
		data, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprint(v)
		} else {
			s = string(data)
		}
	}
	if len(s) > maxDataChars {
		cut := maxDataChars
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "... (truncated)"
	}
	return s
}

// failureLine summarizes a failed call for the confidence probe and the
// exhaustion message.
func failureLine(res *executor.Result) string {
	if res.NetworkError {
		return fmt.Sprintf("%s: network error: %s", res.Plan, res.Error)
	}
	return fmt.Sprintf("%s: %s", res.Plan, res.Error)
}
