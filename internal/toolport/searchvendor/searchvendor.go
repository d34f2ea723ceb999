// Package searchvendor implements toolport.SearchPort as a generic HTTP
// JSON search vendor client, with client-side rate limiting via
// golang.org/x/time/rate so a single session cannot monopolize a shared
// per-vendor budget.
package searchvendor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/deepresearch/agent/internal/toolport"
)

// Client is a Search Port backed by an HTTP JSON search API (e.g. Brave,
// Serper, or a self-hosted compatible endpoint).
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// New returns a Client targeting baseURL, rate-limited to qps requests per
// second with a burst of 2.
func New(baseURL, apiKey string, qps float64) *Client {
	if qps <= 0 {
		qps = 5
	}
	return &Client{
		httpClient: &http.Client{Timeout: toolport.SearchTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(qps), 2),
	}
}

type vendorResponse struct {
	Results []struct {
		URL         string  `json:"url"`
		Title       string  `json:"title"`
		Snippet     string  `json:"snippet"`
		PublishedAt string  `json:"published_at"`
		Score       float64 `json:"score"`
	} `json:"results"`
}

// Query calls the vendor's search endpoint, waiting on the client-side rate
// limiter first (a cancellable suspension per spec §5).
func (c *Client) Query(ctx context.Context, q string, opts toolport.SearchOptions) ([]toolport.SearchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search", nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	query := req.URL.Query()
	query.Set("q", q)
	if opts.LanguageCode != "" {
		query.Set("lang", opts.LanguageCode)
	}
	req.URL.RawQuery = query.Encode()
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search vendor status %d", resp.StatusCode)
	}

	var body vendorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	out := make([]toolport.SearchResult, 0, len(body.Results))
	for _, r := range body.Results {
		var published *time.Time
		if r.PublishedAt != "" {
			if t, err := time.Parse(time.RFC3339, r.PublishedAt); err == nil {
				published = &t
			}
		}
		out = append(out, toolport.SearchResult{
			URL:         r.URL,
			Title:       r.Title,
			Snippet:     r.Snippet,
			PublishedAt: published,
			RerankScore: r.Score,
		})
	}
	return out, nil
}
