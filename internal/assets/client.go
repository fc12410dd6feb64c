// Package assets is a client for the stock asset search service that feeds
// composition sources.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-render/internal/logging"
)

var ErrNotConfigured = errors.New("asset search is not configured")

// SearchError is a non-2xx answer from the search service.
type SearchError struct {
	StatusCode int
	Body       string
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("asset search failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx).
// Client errors (4xx) are considered permanent.
func (e *SearchError) IsRetryable() bool {
	return e.StatusCode >= 500
}

type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
)

type Query struct {
	Query   string
	Type    Type
	Page    int
	PerPage int
}

// Item is one search hit. URL can be used as a clip source.
type Item struct {
	ID       string  `json:"id"`
	Type     Type    `json:"type"`
	URL      string  `json:"url"`
	Preview  string  `json:"preview,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Title    string  `json:"title,omitempty"`
}

type Result struct {
	Items []Item `json:"items"`
	Total int    `json:"total"`
	Page  int    `json:"page"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) (*Result, error)
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.WithComponent(logging.OrDiscard(logger), "assets"),
	}
}

// Search runs q. Type defaults to image, Page to 1 and PerPage to 20.
func (c *Client) Search(ctx context.Context, q Query) (*Result, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if q.Type == "" {
		q.Type = TypeImage
	}
	if q.Type != TypeImage && q.Type != TypeVideo {
		return nil, fmt.Errorf("unknown asset type %q", q.Type)
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = 20
	}

	v := url.Values{}
	if q.Query != "" {
		v.Set("query", q.Query)
	}
	v.Set("type", string(q.Type))
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("per_page", strconv.Itoa(q.PerPage))
	endpoint := c.baseURL + "/search?" + v.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Heimdex-Request-Id", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &SearchError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if result.Page == 0 {
		result.Page = q.Page
	}
	c.logger.Debug("asset search",
		"type", q.Type,
		"query", q.Query,
		"items", len(result.Items),
		"total", result.Total,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &result, nil
}
