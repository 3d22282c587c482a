package prompts

import (
	"fmt"
	"strings"
)

// MissingCallFormat is injected when a reply talks about calling the
// API but contains no call the extractor can run.
func MissingCallFormat() string {
	return "CRITICAL ERROR: You mentioned making an API call but did NOT provide the required code block format.\n\n" +
		"You MUST output the API call in this EXACT format:\n\n" +
		"```\nGET /api/v2/users\n```\n\n" +
		"or with body:\n\n" +
		"```\nPOST /api/v2/users\nBody: {\"name\": \"John\"}\n```\n\n" +
		"Do not describe the call. Output the block now."
}

// ValidationWarning is shown once before running a plan that memory
// considers risky. confidence is in [0, 1].
func ValidationWarning(confidence float64, suggestions []string) string {
	return fmt.Sprintf("API CALL VALIDATION WARNINGS (confidence: %d%%):\n%s\n\nProceed with caution or revise the API call.",
		int(confidence*100+0.5), strings.Join(suggestions, "\n"))
}

// ConfidenceCheck asks the model whether it can answer now. failures
// lists the calls that failed during this request.
func ConfidenceCheck(question string, turn, maxTurns int, failures []string, intentMismatches int, haveInsights bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate your progress on answering: %q\n\n", question)
	b.WriteString("Consider:\n")
	b.WriteString("1. Do you have sufficient information to answer completely?\n")
	b.WriteString("2. Are there failed API calls that should be retried with learned patterns?\n")
	b.WriteString("3. Have you used the available memory insights?\n\n")
	fmt.Fprintf(&b, "Current turn: %d/%d\n", turn, maxTurns)
	if haveInsights {
		b.WriteString("Memory insights: available\n")
	} else {
		b.WriteString("Memory insights: none\n")
	}
	if len(failures) > 0 {
		b.WriteString("Failed calls so far:\n")
		for _, f := range failures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if intentMismatches > 0 {
		fmt.Fprintf(&b, "Replies that described a call without making it: %d\n", intentMismatches)
	}
	b.WriteString("\nRespond CONFIDENT if ready to answer, or NOT CONFIDENT with a short reason if you should keep trying.")
	return b.String()
}

// FinalAnswer requests the user-facing answer once the model is
// confident.
func FinalAnswer(question string) string {
	return fmt.Sprintf("Provide a clear, complete answer to: %q using all information gathered. Do not include API call blocks. Mention anything learned during this session that the user should know.", question)
}

// Exhausted is the single user-visible message emitted when the turn
// budget runs out. failures lists the calls that failed along the way.
func Exhausted(maxTurns int, failures []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I reached the maximum number of attempts (%d) without a complete answer.", maxTurns)
	if len(failures) > 0 {
		b.WriteString(" These calls did not succeed:\n")
		for _, f := range failures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("What I learned has been saved, so a retry may go better.")
	} else {
		b.WriteString(" What I learned has been saved, so a retry may go better.")
	}
	return b.String()
}
