package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pm-agent/internal/domain"
	"pm-agent/internal/integrations/paramstore"
	"pm-agent/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultTokenName = "open-ai-token"
)

// chatRequest is the request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Tools          []wireTool      `json:"tools,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name string `json:"name"`
	// Arguments is a JSON-encoded object, as the API transmits it.
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Index   int         `json:"index"`
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

// moderationRequest is the request shape for the Moderations endpoint.
type moderationRequest struct {
	Input string `json:"input"`
}

// moderationResponse is the minimal response shape for the Moderations endpoint.
type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for chat completions,
// moderation and audio transcription. It implements llm.Provider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	secrets    paramstore.SecretGetter
	tokenName  string

	transcribeModel string
	fetchTimeout    time.Duration
	audioSources    []string
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

// WithTranscriptionModel overrides the model used by Transcribe.
func WithTranscriptionModel(model string) Option {
	return func(c *Client) {
		c.transcribeModel = strings.TrimSpace(model)
	}
}

// WithAudioSources replaces the prefixes an audio reference must start with.
// URL prefixes match the reference as given and local prefixes match its
// absolute cleaned path, so a prefix should end in "/". The default admits
// https URLs only.
func WithAudioSources(prefixes ...string) Option {
	return func(c *Client) {
		c.audioSources = c.audioSources[:0]
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				c.audioSources = append(c.audioSources, p)
			}
		}
	}
}

// NewClient creates a new Client backed by the given secret source for API
// key retrieval. The source is expected to cache the key for the process.
func NewClient(secrets paramstore.SecretGetter, opts ...Option) (*Client, error) {
	if secrets == nil {
		return nil, errors.New("openai: secret getter must not be nil")
	}
	c := &Client{
		baseURL:         defaultBaseURL,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		secrets:         secrets,
		tokenName:       defaultTokenName,
		transcribeModel: "whisper-1",
		fetchTimeout:    60 * time.Second,
		audioSources:    []string{"https://"},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokenName == "" {
		return nil, errors.New("openai: token name must not be empty")
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	key, err := c.secrets.GetSecret(ctx, c.tokenName)
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}
	return key, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func chatURL(baseURL string) string {
	return endpointURL(baseURL, "/chat/completions")
}

func moderationURL(baseURL string) string {
	return endpointURL(baseURL, "/moderations")
}

func transcriptionURL(baseURL string) string {
	return endpointURL(baseURL, "/audio/transcriptions")
}

// Complete sends one chat completion. A request schema becomes a strict
// json_schema response_format; tools are sent as function tools.
func (c *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	if strings.TrimSpace(in.Config.Model) == "" {
		return llm.Response{}, errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return llm.Response{}, err
	}

	payload, err := buildChatRequest(in)
	if err != nil {
		return llm.Response{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return llm.Response{}, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var resp chatResponse
	if decErr := json.Unmarshal(raw, &resp); decErr != nil {
		return llm.Response{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices in response")
	}
	msg, err := fromWire(resp.Choices[0].Message)
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Message: msg}, nil
}

func buildChatRequest(in llm.Request) (chatRequest, error) {
	temperature := in.Config.Temperature
	out := chatRequest{
		Model:       in.Config.Model,
		Temperature: &temperature,
		MaxTokens:   in.Config.MaxTokens,
	}
	if in.Config.TopP > 0 {
		topP := in.Config.TopP
		out.TopP = &topP
	}
	for _, m := range in.Messages {
		wm, err := toWire(m)
		if err != nil {
			return chatRequest{}, err
		}
		out.Messages = append(out.Messages, wm)
	}
	if in.Schema != nil {
		out.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaConfig{
				Name:   in.Schema.Name,
				Strict: true,
				Schema: in.Schema.Definition,
			},
		}
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out, nil
}

func toWire(m domain.ChatMessage) (wireMessage, error) {
	wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
	for _, tc := range m.ToolCalls {
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		buf, err := json.Marshal(args)
		if err != nil {
			return wireMessage{}, fmt.Errorf("openai: marshal tool arguments for %s: %w", tc.Name, err)
		}
		wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: wireFunction{Name: tc.Name, Arguments: string(buf)},
		})
	}
	return wm, nil
}

func fromWire(wm wireMessage) (domain.ChatMessage, error) {
	msg := domain.ChatMessage{Role: wm.Role, Content: wm.Content, ToolCallID: wm.ToolCallID, Name: wm.Name}
	for _, tc := range wm.ToolCalls {
		args := map[string]any{}
		if s := strings.TrimSpace(tc.Function.Arguments); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil {
				return domain.ChatMessage{}, fmt.Errorf("openai: decode tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return msg, nil
}

// Moderate calls the OpenAI Moderations API and returns true if the input is flagged.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(moderationRequest{Input: input})
	if err != nil {
		return false, fmt.Errorf("openai: marshal moderation request: %w", err)
	}

	url := moderationURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return false, fmt.Errorf("openai: create moderation request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return false, fmt.Errorf("openai: moderation request failed: %w", err)
	}

	var payload moderationResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return false, fmt.Errorf("openai: decode moderation response: %w", decErr)
	}
	if len(payload.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return payload.Results[0].Flagged, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
