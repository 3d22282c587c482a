// Package prompts contains every instruction the orchestration loop sends
// to a model.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. User-facing configuration lives in config.yaml;
// this package holds the system prompt, the rendered call results, and the
// corrective and evaluation prompts injected between turns.
//
// Convention: each prompt category gets its own file (system.go, results.go,
// loop.go) with an exported function that accepts the dynamic parts and
// returns the fully interpolated prompt string.
package prompts
