// Package tools is the registry of backend operations the assistant model
// may invoke, with declared input schemas and caller-scope enforcement.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pm-agent/internal/llm"
)

// Scope is the authenticated caller a tool call runs on behalf of.
type Scope struct {
	UserID    string
	ProjectID string
}

// Tool is a single invocable backend operation.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters json.RawMessage
	Required   []string
	// IdentityArgs are overwritten with the caller's user id before dispatch.
	IdentityArgs []string
	// ProjectArg, when set, is filled from the scope project if the model omitted it.
	ProjectArg string
	Invoke     func(ctx context.Context, args map[string]any) (any, error)
}

// ScopeViolationError is returned when a tool that acts on a user identity
// is called without an authenticated caller.
type ScopeViolationError struct {
	Tool string
	Arg  string
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("tools: %s requires caller identity for %q", e.Tool, e.Arg)
}

// MissingArgumentError reports a required argument the model did not supply.
type MissingArgumentError struct {
	Tool string
	Arg  string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("tools: %s: missing required argument %q", e.Tool, e.Arg)
}

// Registry maps tool names to tools.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry validates and indexes tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, errors.New("tools: tool name must not be empty")
		}
		if t.Invoke == nil {
			return nil, fmt.Errorf("tools: %s has no invoke function", name)
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %s", name)
		}
		if len(t.Parameters) > 0 && !json.Valid(t.Parameters) {
			return nil, fmt.Errorf("tools: %s has an invalid parameter schema", name)
		}
		t.Name = name
		r.tools[name] = t
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Specs describes every tool for a tool-aware model call.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.names))
	for _, name := range r.names {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return specs
}

// EnforceScope returns a copy of args with every identity argument replaced
// by the caller's user id, whatever the model asked for.
func EnforceScope(t Tool, args map[string]any, scope Scope) (map[string]any, error) {
	out := make(map[string]any, len(args)+len(t.IdentityArgs)+1)
	for k, v := range args {
		out[k] = v
	}
	for _, arg := range t.IdentityArgs {
		if strings.TrimSpace(scope.UserID) == "" {
			return nil, &ScopeViolationError{Tool: t.Name, Arg: arg}
		}
		out[arg] = scope.UserID
	}
	if t.ProjectArg != "" && scope.ProjectID != "" {
		if s, _ := out[t.ProjectArg].(string); strings.TrimSpace(s) == "" {
			out[t.ProjectArg] = scope.ProjectID
		}
	}
	return out, nil
}

// Call enforces scope, checks required arguments and invokes the tool.
// The result is returned JSON-encoded for the model transcript.
func (t Tool) Call(ctx context.Context, args map[string]any, scope Scope) (string, error) {
	scoped, err := EnforceScope(t, args, scope)
	if err != nil {
		return "", err
	}
	for _, arg := range t.Required {
		v, ok := scoped[arg]
		if !ok || v == nil {
			return "", &MissingArgumentError{Tool: t.Name, Arg: arg}
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return "", &MissingArgumentError{Tool: t.Name, Arg: arg}
		}
	}
	res, err := t.Invoke(ctx, scoped)
	if err != nil {
		return "", fmt.Errorf("tools: %s: %w", t.Name, err)
	}
	buf, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("tools: encode %s result: %w", t.Name, err)
	}
	return string(buf), nil
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
