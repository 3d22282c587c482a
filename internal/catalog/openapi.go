package catalog

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/apiloop/internal/callplan"
)

type openAPIDoc struct {
	// Path items may carry non-operation keys such as "parameters", so
	// operations are decoded one verb at a time.
	Paths map[string]map[string]yaml.Node `yaml:"paths"`
}

type openAPIOperation struct {
	Summary     string             `yaml:"summary"`
	Description string             `yaml:"description"`
	Tags        []string           `yaml:"tags"`
	Parameters  []openAPIParameter `yaml:"parameters"`
	RequestBody *struct {
		Content map[string]struct {
			Schema openAPISchema `yaml:"schema"`
		} `yaml:"content"`
	} `yaml:"requestBody"`
}

type openAPIParameter struct {
	Name        string        `yaml:"name"`
	In          string        `yaml:"in"`
	Required    bool          `yaml:"required"`
	Description string        `yaml:"description"`
	Schema      openAPISchema `yaml:"schema"`
}

type openAPISchema struct {
	Type       string                   `yaml:"type"`
	Properties map[string]openAPISchema `yaml:"properties"`
}

// FromOpenAPI renders an OpenAPI document (JSON or YAML) as a full
// endpoint listing, one "- VERB /path: summary" entry per operation with
// its parameters and body fields. Paths are sorted; verbs follow
// canonical order.
func FromOpenAPI(data []byte) (string, error) {
	var doc openAPIDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse OpenAPI document: %w", err)
	}
	if len(doc.Paths) == 0 {
		return "", fmt.Errorf("OpenAPI document has no paths")
	}

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var entries []string
	for _, p := range paths {
		nodes := make(map[string]yaml.Node, len(doc.Paths[p]))
		for verb, node := range doc.Paths[p] {
			nodes[strings.ToUpper(verb)] = node
		}
		for _, verb := range callplan.Methods {
			node, ok := nodes[verb]
			if !ok {
				continue
			}
			var op openAPIOperation
			if err := node.Decode(&op); err != nil {
				return "", fmt.Errorf("decode %s %s: %w", verb, p, err)
			}
			entries = append(entries, summarizeOperation(verb, p, op))
		}
	}
	return "# API Endpoint Summary\n\n" + strings.Join(entries, "\n\n"), nil
}

func summarizeOperation(verb, path string, op openAPIOperation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s %s", verb, path)
	if op.Summary != "" {
		fmt.Fprintf(&b, ": %s", op.Summary)
	}
	if op.Description != "" && op.Description != op.Summary {
		fmt.Fprintf(&b, "\n    %s", op.Description)
	}
	if len(op.Parameters) > 0 {
		params := make([]string, len(op.Parameters))
		for i, p := range op.Parameters {
			desc := fmt.Sprintf("%s (%s", p.Name, p.In)
			if p.Required {
				desc += ", required"
			}
			desc += ")"
			if p.Schema.Type != "" {
				desc += ": " + p.Schema.Type
			}
			if p.Description != "" {
				desc += " - " + p.Description
			}
			params[i] = desc
		}
		fmt.Fprintf(&b, "\n    Params: %s", strings.Join(params, "; "))
	}
	if op.RequestBody != nil {
		if media, ok := op.RequestBody.Content["application/json"]; ok && len(media.Schema.Properties) > 0 {
			names := make([]string, 0, len(media.Schema.Properties))
			for name := range media.Schema.Properties {
				names = append(names, name)
			}
			sort.Strings(names)
			fields := make([]string, len(names))
			for i, name := range names {
				fields[i] = name
				if t := media.Schema.Properties[name].Type; t != "" {
					fields[i] += " (" + t + ")"
				}
			}
			fmt.Fprintf(&b, "\n    Body fields: %s", strings.Join(fields, ", "))
		}
	}
	if len(op.Tags) > 0 {
		fmt.Fprintf(&b, "\n    Tags: %s", strings.Join(op.Tags, ", "))
	}
	return b.String()
}
