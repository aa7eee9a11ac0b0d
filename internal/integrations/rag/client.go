// Package rag is the HTTP client for the document retrieval service.
package rag

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
)

type retrieveRequest struct {
	Query       string `json:"query"`
	Collection  string `json:"collection"`
	TopK        int    `json:"top_k"`
	UseReranker bool   `json:"use_reranker"`
}

type retrieveResponse struct {
	Documents []domain.Document `json:"documents"`
}

// HTTPStatusError captures non-2xx retriever responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("rag: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client queries the retriever. Results are reranked server-side.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("rag: base url must not be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

// Retrieve returns up to topK documents from collection, best first.
func (c *Client) Retrieve(ctx context.Context, query, collection string, topK int) ([]domain.Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("rag: query must not be empty")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("rag: top_k must be positive, got %d", topK)
	}

	body, err := json.Marshal(retrieveRequest{Query: query, Collection: collection, TopK: topK, UseReranker: true})
	if err != nil {
		return nil, fmt.Errorf("rag: marshal request: %w", err)
	}
	url := c.baseURL + "/v1/retrieve"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rag: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	var payload retrieveResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("rag: decode response: %w", err)
	}
	docs := payload.Documents
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

// Format renders documents as a numbered context block for prompts.
func Format(docs []domain.Document) string {
	var b strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d]", i+1)
		if d.Source != "" {
			fmt.Fprintf(&b, " (%s)", d.Source)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(d.Content))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}
