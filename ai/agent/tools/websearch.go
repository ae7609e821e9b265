// Package tools provides the agent tool implementations.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultSerperURL = "https://google.serper.dev/search"

// Default and maximum result counts per search call.
const (
	defaultResultLimit = 10
	maxResultLimit     = 20
)

// SearchResult is one normalized web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// WebSearchTool executes a single web search query against the Serper API
// and normalizes the organic results.
type WebSearchTool struct {
	apiKey   string
	endpoint string
	limit    int
	client   *http.Client
}

// NewWebSearchTool creates a web search tool. endpoint falls back to the
// Serper default when empty; limit is clamped to [1, 20] with default 10.
func NewWebSearchTool(apiKey, endpoint string, limit int) (*WebSearchTool, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("serper api key cannot be empty")
	}
	if endpoint == "" {
		endpoint = defaultSerperURL
	}
	if limit <= 0 {
		limit = defaultResultLimit
	}
	if limit > maxResultLimit {
		limit = maxResultLimit
	}
	return &WebSearchTool{
		apiKey:   apiKey,
		endpoint: endpoint,
		limit:    limit,
		client:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Name returns the name of the tool.
func (t *WebSearchTool) Name() string {
	return "search_web"
}

// Description returns a description of what the tool does.
func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Use this for questions about " +
		"current events, news, facts that may be time-sensitive, products, " +
		"weather, or anything requiring up-to-date sources. Returns a list of " +
		"results with title, link, and snippet."
}

// Schema returns the JSON Schema for the tool arguments.
func (t *WebSearchTool) Schema() string {
	return `{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The query to search the web for"
			}
		},
		"required": ["query"]
	}`
}

type searchArgs struct {
	Query string `json:"query"`
}

// Execute parses the JSON arguments and runs the search, returning the
// results as a JSON array.
func (t *WebSearchTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed searchArgs
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return "", fmt.Errorf("invalid search arguments: %w", err)
	}
	if parsed.Query == "" {
		return "", fmt.Errorf("query cannot be empty")
	}

	results, err := t.Search(ctx, parsed.Query)
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to encode search results: %w", err)
	}
	return string(encoded), nil
}

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperResponse struct {
	Organic []SearchResult `json:"organic"`
}

// Search runs one query. Cancellation of ctx aborts the in-flight HTTP
// request promptly.
func (t *WebSearchTool) Search(ctx context.Context, query string) ([]SearchResult, error) {
	payload, err := json.Marshal(serperRequest{Q: query, Num: t.limit})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("X-API-KEY", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var decoded serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := decoded.Organic
	if len(results) > t.limit {
		results = results[:t.limit]
	}
	return results, nil
}
