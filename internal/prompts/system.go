package prompts

import (
	"fmt"
	"strings"
)

// APIConventions describes the resource API's query and endpoint
// conventions so the model can compose calls without trial and error.
const APIConventions = `## API Conventions

Relations and aggregates (query parameters on GET, keys in search bodies):
- include=relation1,relation2 loads related resources.
- with_count, with_sum, with_avg, with_min, with_max take relation names
  (with_sum and friends use relation.field) and add aggregate columns.
- with_trashed=true includes soft-deleted records; only_trashed=true returns
  only soft-deleted records; force=true on DELETE removes permanently.

Endpoints every resource offers:
- GET /api/v2/{resource} and GET /api/v2/{resource}/{id}
- POST /api/v2/{resource}, PATCH or PUT /api/v2/{resource}/{id}, DELETE /api/v2/{resource}/{id}
- POST /api/v2/{resource}/search with a body of filters, sorts and includes
- POST, PATCH or DELETE /api/v2/{resource}/batch for bulk changes
- POST /api/v2/{resource}/{id}/restore to undelete

Search filter operators: =, !=, >, <, >=, <=, like, in, not_in, between,
is_null, is_not_null.`

// callFormat is the grammar the extractor understands, with examples.
const callFormat = "When you need to make an API call, output it in this EXACT format:\n\n" +
	"```\nGET /api/v2/users\n```\n\n" +
	"or with a body:\n\n" +
	"```\nPOST /api/v2/users\nBody: {\"name\": \"John\", \"email\": \"john@example.com\"}\n```\n\n" +
	"Search with filters:\n\n" +
	"```\nPOST /api/v2/users/search\nBody: {\"filters\": [{\"field\": \"name\", \"operator\": \"like\", \"value\": \"John\"}], \"includes\": [{\"relation\": \"crews\"}]}\n```"

const systemRules = `## API Call Rules
1. One call per reply. Put it in a fenced block exactly as shown above.
2. For POST, PUT and PATCH with data, add a line: Body: {json}
3. For GET with query parameters, use GET /api/v2/endpoint?param=value
4. Never say you will make a call without outputting the block in the same
   reply. If you mention a call, the block must follow immediately.
5. After each call you will see its result. Use it to decide the next call
   or answer the user.`

// SystemPrompt assembles the system prompt from the call format, the API
// conventions, an endpoint catalog, and learned memory context. Empty
// sections are omitted.
func SystemPrompt(catalog, memory string) string {
	var b strings.Builder
	b.WriteString("You are an agent that answers questions and performs tasks by calling a REST API on the user's behalf.\n\n")
	b.WriteString(callFormat)
	b.WriteString("\n\n")
	b.WriteString(systemRules)
	b.WriteString("\n\n")
	b.WriteString(APIConventions)

	if c := strings.TrimSpace(catalog); c != "" {
		fmt.Fprintf(&b, "\n\n## Available Endpoints\n\n%s", c)
	}
	if m := strings.TrimSpace(memory); m != "" {
		fmt.Fprintf(&b, "\n\n## What Earlier Sessions Learned\n\n%s", m)
	}
	return b.String()
}
