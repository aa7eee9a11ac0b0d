// Package prompts holds the prompt templates used by the orchestrators.
package prompts

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template names.
const (
	Analysis          = "analysis"
	Reflection        = "reflection"
	Refinement        = "refinement"
	RouterSystem      = "router_system"
	Grader            = "grader"
	Rewriter          = "rewriter"
	RAGAnswer         = "rag_answer"
	ToolSystem        = "tool_system"
	DirectSystem      = "direct_system"
	NotificationEmail = "notification_email"
)

var required = []string{
	Analysis, Reflection, Refinement, RouterSystem, Grader,
	Rewriter, RAGAnswer, ToolSystem, DirectSystem, NotificationEmail,
}

//go:embed templates.yaml
var defaultTemplates []byte

// Set is a parsed collection of named templates.
type Set struct {
	templates map[string]*template.Template
}

// Default parses the embedded templates.
func Default() (*Set, error) {
	return Parse(defaultTemplates)
}

// Parse reads a YAML mapping of name to template text. Every known template
// name must be present.
func Parse(data []byte) (*Set, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("prompts: decode yaml: %w", err)
	}
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(raw[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("prompts: missing templates: %s", strings.Join(missing, ", "))
	}

	s := &Set{templates: make(map[string]*template.Template, len(raw))}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t, err := template.New(name).Option("missingkey=error").Parse(raw[name])
		if err != nil {
			return nil, fmt.Errorf("prompts: parse %s: %w", name, err)
		}
		s.templates[name] = t
	}
	return s, nil
}

// Render executes the named template with data.
func (s *Set) Render(name string, data any) (string, error) {
	t, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("prompts: unknown template %q", name)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("prompts: render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}
