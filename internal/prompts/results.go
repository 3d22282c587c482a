package prompts

import (
	"fmt"
	"strings"
	"time"
)

// CallSucceeded reports a successful call back to the model. data is
// the response body rendered as JSON.
func CallSucceeded(method, endpoint string, elapsed time.Duration, data string) string {
	return fmt.Sprintf("API call SUCCEEDED: %s %s (%dms)\nData: %s",
		method, endpoint, elapsed.Milliseconds(), data)
}

// Failure carries what the model needs to know about a failed call.
type Failure struct {
	Method   string
	Endpoint string
	Error    string
	Status   int
	// Data is the decoded error body rendered as JSON, if any.
	Data string
	// Guidance is the classifier's advice for this attempt. Empty when
	// retries for this kind of failure are exhausted.
	Guidance string
	Exceeded bool
	// Learned is a remediation remembered from earlier sessions.
	Learned string
}

// CallFailed reports a failed call back to the model with retry guidance.
func CallFailed(f Failure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "API call FAILED: %s %s\nError: %s\nHTTP: %d", f.Method, f.Endpoint, f.Error, f.Status)
	if f.Data != "" {
		fmt.Fprintf(&b, "\nResponse: %s", f.Data)
	}
	if f.Exceeded {
		b.WriteString("\n\nMax retries exceeded for this error type. Consider a different approach.")
		return b.String()
	}
	if f.Guidance != "" {
		fmt.Fprintf(&b, "\n\nSUGGESTED FIX: %s", f.Guidance)
	}
	if f.Learned != "" {
		fmt.Fprintf(&b, "\nLEARNED SOLUTION: %s", f.Learned)
	}
	return b.String()
}
