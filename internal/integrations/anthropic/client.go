// Package anthropic adapts the Anthropic Messages API to llm.Provider.
// Structured output is obtained by forcing a single tool whose input schema
// is the requested schema.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"pm-agent/internal/domain"
	"pm-agent/internal/integrations/paramstore"
	"pm-agent/internal/llm"
)

const (
	defaultTokenName = "anthropic-token"
	defaultMaxTokens = 1024
)

// StatusError reports a non-2xx response from the Messages API.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("anthropic: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client implements llm.Provider on top of anthropic-sdk-go.
type Client struct {
	secrets    paramstore.SecretGetter
	tokenName  string
	baseURL    string
	httpClient *http.Client
	maxRetries int

	mu    sync.Mutex
	inner *sdk.Client
}

var _ llm.Provider = (*Client)(nil)

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTokenName overrides the secret name holding the API key.
func WithTokenName(name string) Option {
	return func(c *Client) {
		c.tokenName = strings.TrimSpace(name)
	}
}

// WithMaxRetries sets the SDK retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// NewClient creates a Client. The API key is read from secrets on first use.
func NewClient(secrets paramstore.SecretGetter, opts ...Option) (*Client, error) {
	if secrets == nil {
		return nil, errors.New("anthropic: secret getter must not be nil")
	}
	c := &Client{
		secrets:    secrets,
		tokenName:  defaultTokenName,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxRetries: 2,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokenName == "" {
		return nil, errors.New("anthropic: token name must not be empty")
	}
	return c, nil
}

func (c *Client) sdkClient(ctx context.Context) (*sdk.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inner != nil {
		return c.inner, nil
	}
	key, err := c.secrets.GetSecret(ctx, c.tokenName)
	if err != nil {
		return nil, fmt.Errorf("anthropic: resolve api key: %w", err)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(c.maxRetries),
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	inner := sdk.NewClient(opts...)
	c.inner = &inner
	return c.inner, nil
}

// Complete sends one Messages API call.
func (c *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	if strings.TrimSpace(in.Config.Model) == "" {
		return llm.Response{}, errors.New("anthropic: model must not be empty")
	}
	client, err := c.sdkClient(ctx)
	if err != nil {
		return llm.Response{}, err
	}

	params, err := buildParams(in)
	if err != nil {
		return llm.Response{}, err
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return llm.Response{}, &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return llm.Response{}, fmt.Errorf("anthropic: request failed: %w", err)
	}

	msg := domain.ChatMessage{Role: domain.RoleAssistant}
	var text strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case sdk.TextBlock:
			text.WriteString(variant.Text)
		case sdk.ToolUseBlock:
			if in.Schema != nil && variant.Name == in.Schema.Name {
				// The forced tool input is the structured answer.
				msg.Content = string(variant.Input)
				return llm.Response{Message: msg}, nil
			}
			args := map[string]any{}
			if len(variant.Input) > 0 {
				if err := json.Unmarshal(variant.Input, &args); err != nil {
					return llm.Response{}, fmt.Errorf("anthropic: decode tool input for %s: %w", variant.Name, err)
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: variant.ID, Name: variant.Name, Arguments: args})
		}
	}
	if in.Schema != nil {
		return llm.Response{}, fmt.Errorf("anthropic: response did not call %s", in.Schema.Name)
	}
	msg.Content = text.String()
	return llm.Response{Message: msg}, nil
}

func buildParams(in llm.Request) (sdk.MessageNewParams, error) {
	maxTokens := int64(in.Config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:       sdk.Model(in.Config.Model),
		MaxTokens:   maxTokens,
		Temperature: sdk.Float(in.Config.Temperature),
	}
	if in.Config.TopP > 0 {
		params.TopP = sdk.Float(in.Config.TopP)
	}

	system, messages, err := convertMessages(in.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params.System = system
	params.Messages = messages

	for _, t := range in.Tools {
		tool, err := toolParam(t.Name, t.Description, t.Parameters)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = append(params.Tools, tool)
	}
	if in.Schema != nil {
		tool, err := toolParam(in.Schema.Name, "Return the answer in this exact structure.", in.Schema.Definition)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = append(params.Tools, tool)
		params.ToolChoice = sdk.ToolChoiceUnionParam{
			OfTool: &sdk.ToolChoiceToolParam{Name: in.Schema.Name},
		}
	}
	return params, nil
}

// convertMessages splits out system prompts and groups consecutive tool
// results into one user turn, as the Messages API requires.
func convertMessages(in []domain.ChatMessage) ([]sdk.TextBlockParam, []sdk.MessageParam, error) {
	var system []sdk.TextBlockParam
	var out []sdk.MessageParam
	var pending []sdk.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, sdk.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range in {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case domain.RoleTool:
			pending = append(pending, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case domain.RoleAssistant:
			flush()
			var blocks []sdk.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		case domain.RoleUser:
			flush()
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	flush()
	return system, out, nil
}

type jsonSchema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

func toolParam(name, description string, schema json.RawMessage) (sdk.ToolUnionParam, error) {
	var s jsonSchema
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &s); err != nil {
			return sdk.ToolUnionParam{}, fmt.Errorf("anthropic: decode schema for %s: %w", name, err)
		}
	}
	if s.Properties == nil {
		s.Properties = map[string]any{}
	}
	tool := &sdk.ToolParam{
		Name: name,
		InputSchema: sdk.ToolInputSchemaParam{
			Properties: s.Properties,
			Required:   s.Required,
		},
	}
	if description != "" {
		tool.Description = sdk.String(description)
	}
	return sdk.ToolUnionParam{OfTool: tool}, nil
}
