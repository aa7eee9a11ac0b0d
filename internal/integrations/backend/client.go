// Package backend is the HTTP client for the project-management backend.
// It creates tasks for the meeting pipeline and serves the assistant tools.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pm-agent/internal/domain"
	"pm-agent/internal/integrations/paramstore"
)

const defaultTokenName = "backend-token"

// HTTPStatusError captures non-2xx backend responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// CreateTaskInput is a single task creation request.
type CreateTaskInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	ProjectID   string          `json:"project_id"`
	AssigneeID  string          `json:"assignee_id,omitempty"`
	AuthorID    string          `json:"author_id"`
	Priority    domain.Priority `json:"priority,omitempty"`
	DueDate     string          `json:"due_date,omitempty"`
}

// Client talks to the backend REST API with a service token and forwards
// the acting user in X-User-Id.
type Client struct {
	baseURL    string
	httpClient *http.Client
	secrets    paramstore.SecretGetter
	tokenName  string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTokenName overrides the secret name holding the service token.
func WithTokenName(name string) Option {
	return func(c *Client) {
		c.tokenName = strings.TrimSpace(name)
	}
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, secrets paramstore.SecretGetter, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base url must not be empty")
	}
	if secrets == nil {
		return nil, errors.New("backend: secret getter must not be nil")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		secrets:    secrets,
		tokenName:  defaultTokenName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateTasks persists one task per action item. Assignees missing from
// userMapping (keyed by lowercased username) are created unassigned.
// idempotencyKey is suffixed with the item index so a retried batch does not
// duplicate tasks the backend already accepted.
func (c *Client) CreateTasks(ctx context.Context, items []domain.ActionItem, projectID, authorID string, userMapping map[string]string, idempotencyKey string) ([]domain.Task, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("backend: project id is required")
	}
	tasks := make([]domain.Task, 0, len(items))
	for i, item := range items {
		in := CreateTaskInput{
			Title:      item.Title,
			ProjectID:  projectID,
			AssigneeID: userMapping[strings.ToLower(strings.TrimSpace(item.Assignee))],
			AuthorID:   authorID,
			Priority:   item.Priority,
			DueDate:    item.DueDate,
		}
		key := ""
		if idempotencyKey != "" {
			key = idempotencyKey + "-" + strconv.Itoa(i)
		}
		task, err := c.createTask(ctx, in, key)
		if err != nil {
			return tasks, fmt.Errorf("backend: create task %d of %d: %w", i+1, len(items), err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CreateTask creates a single task authored by in.AuthorID.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (domain.Task, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.ProjectID) == "" {
		return domain.Task{}, errors.New("backend: title and project id are required")
	}
	return c.createTask(ctx, in, "")
}

func (c *Client) createTask(ctx context.Context, in CreateTaskInput, idempotencyKey string) (domain.Task, error) {
	var out domain.Task
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/", nil, in, in.AuthorID, headers, &out); err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// ListUserTasks returns the tasks assigned to userID.
func (c *Client) ListUserTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("backend: user id is required")
	}
	var out []domain.Task
	path := "/api/v1/users/" + url.PathEscape(userID) + "/tasks"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, userID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListProjectTasks returns the tasks of a project visible to userID,
// optionally filtered by status.
func (c *Client) ListProjectTasks(ctx context.Context, projectID, userID, status string) ([]domain.Task, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("backend: project id is required")
	}
	q := url.Values{}
	if status = strings.TrimSpace(status); status != "" {
		q.Set("status_filter", status)
	}
	var out []domain.Task
	path := "/api/v1/tasks/" + url.PathEscape(projectID)
	if err := c.do(ctx, http.MethodGet, path, q, nil, userID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTaskStatus moves a task to status on behalf of userID.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, userID string) (domain.Task, error) {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(status) == "" {
		return domain.Task{}, errors.New("backend: task id and status are required")
	}
	q := url.Values{}
	q.Set("new_status", status)
	var out domain.Task
	path := "/api/v1/tasks/" + url.PathEscape(taskID) + "/status"
	if err := c.do(ctx, http.MethodPatch, path, q, nil, userID, nil, &out); err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in any, userID string, headers map[string]string, out any) error {
	token, err := c.secrets.GetSecret(ctx, c.tokenName)
	if err != nil {
		return fmt.Errorf("backend: resolve token: %w", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}
