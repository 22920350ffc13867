package agent

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"cidadao-ai/internal/domain"
)

// NewTemplateProvider renders Options["template"] (text/template) against the
// input. The template is parsed once, when the factory is loaded, so a
// broken template fails the load instead of every step. The rendered text
// is returned under Options["output_key"] (default "text").
func NewTemplateProvider(entry domain.AgentCatalogEntry) (domain.AgentFactory, error) {
	src := entry.Options["template"]
	if src == "" {
		return nil, fmt.Errorf("agent %q: template option is required", entry.Name)
	}
	tmpl, err := template.New(entry.Name).
		Option("missingkey=zero").
		Funcs(template.FuncMap{"upper": strings.ToUpper, "lower": strings.ToLower}).
		Parse(src)
	if err != nil {
		return nil, fmt.Errorf("agent %q: parse template: %w", entry.Name, err)
	}
	outKey := entry.Options["output_key"]
	if outKey == "" {
		outKey = "text"
	}

	return stateless(func(_ context.Context, _ string, input map[string]any, _ domain.ExecutionContext) (map[string]any, error) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, input); err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return map[string]any{outKey: buf.String()}, nil
	}), nil
}
