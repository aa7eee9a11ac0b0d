// Package llm provides the provider-agnostic model client used by the
// orchestrators: plain chat, tool-aware chat and schema-constrained output.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"pm-agent/internal/domain"
)

// Schema names a JSON schema the model output must conform to.
type Schema struct {
	Name       string
	Definition json.RawMessage
}

// ToolSpec declares a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object describing the arguments.
	Parameters json.RawMessage
}

// Request is a single completion request handed to a Provider.
type Request struct {
	Config   Config
	Messages []domain.ChatMessage
	// Schema, when set, asks the provider to constrain output to it.
	Schema *Schema
	Tools  []ToolSpec
}

// Response carries the assistant message produced by the model.
type Response struct {
	Message domain.ChatMessage
}

// Provider performs completions against one model vendor.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Providers maps provider names to implementations.
type Providers map[string]Provider

// Validator is implemented by structured outputs with semantic checks beyond
// the JSON shape.
type Validator interface {
	Validate() error
}

// SchemaValidationError is returned when model output cannot be coerced to
// the requested shape.
type SchemaValidationError struct {
	Schema string
	Raw    string
	Err    error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("llm: output does not match schema %q: %v", e.Schema, e.Err)
}

func (e *SchemaValidationError) Unwrap() error {
	return e.Err
}

// Client binds a Provider to one validated Config.
type Client struct {
	provider Provider
	cfg      Config
}

// New normalizes and validates cfg and selects its provider.
func New(providers Providers, cfg Config) (*Client, error) {
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, ok := providers[cfg.Provider]
	if !ok || p == nil {
		return nil, fmt.Errorf("llm: provider %q is not registered", cfg.Provider)
	}
	return &Client{provider: p, cfg: cfg}, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Chat returns the text of a plain completion.
func (c *Client) Chat(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	resp, err := c.provider.Complete(ctx, Request{Config: c.cfg, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("llm: chat: %w", err)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// ChatWithTools returns the assistant message, which may request tool calls.
func (c *Client) ChatWithTools(ctx context.Context, messages []domain.ChatMessage, tools []ToolSpec) (domain.ChatMessage, error) {
	resp, err := c.provider.Complete(ctx, Request{Config: c.cfg, Messages: messages, Tools: tools})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("llm: chat with tools: %w", err)
	}
	msg := resp.Message
	msg.Role = domain.RoleAssistant
	return msg, nil
}

// Structured requests output constrained to schema and decodes it strictly
// into out. Unknown fields, trailing data and failed Validate calls are
// reported as *SchemaValidationError.
func (c *Client) Structured(ctx context.Context, messages []domain.ChatMessage, schema Schema, out any) error {
	resp, err := c.provider.Complete(ctx, Request{Config: c.cfg, Messages: messages, Schema: &schema})
	if err != nil {
		return fmt.Errorf("llm: structured %s: %w", schema.Name, err)
	}
	raw := resp.Message.Content
	if err := DecodeStrict(raw, out); err != nil {
		return &SchemaValidationError{Schema: schema.Name, Raw: raw, Err: err}
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return &SchemaValidationError{Schema: schema.Name, Raw: raw, Err: err}
		}
	}
	return nil
}

// DecodeStrict decodes exactly one JSON value into out, rejecting unknown
// fields. A surrounding markdown code fence is tolerated.
func DecodeStrict(raw string, out any) error {
	dec := json.NewDecoder(bytes.NewBufferString(stripFence(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("decode: multiple JSON values")
		}
		return fmt.Errorf("decode trailing data: %w", err)
	}
	return nil
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
