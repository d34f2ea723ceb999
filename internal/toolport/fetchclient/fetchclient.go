// Package fetchclient implements toolport.FetchPort over net/http, with
// HTML-to-text extraction via golang.org/x/net/html.
package fetchclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/deepresearch/agent/internal/toolport"
)

// Client is a Fetch Port backed by a shared *http.Client.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// New returns a Client whose http.Client timeout bounds each fetch; the
// context passed to Fetch adds the session's own cancellation.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = toolport.FetchTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "deepresearch-agent/1.0",
	}
}

// Fetch retrieves rawURL and extracts its text content, truncated to
// opts.MaxFetchBytes.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts toolport.FetchOptions) (toolport.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return toolport.FetchResult{}, fmt.Errorf("building fetch request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return toolport.FetchResult{}, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return toolport.FetchResult{}, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}

	maxBytes := opts.MaxFetchBytes
	if maxBytes <= 0 {
		maxBytes = 2_000_000
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
	if err != nil {
		return toolport.FetchResult{}, fmt.Errorf("reading body of %s: %w", rawURL, err)
	}

	title, text := extractText(body)

	return toolport.FetchResult{
		ContentText: text,
		Title:       title,
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// extractText walks the HTML tree collecting <title> and visible text,
// skipping <script>/<style> subtrees.
func extractText(body []byte) (title string, text string) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", string(body)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				sb.WriteString(trimmed)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title, strings.TrimSpace(sb.String())
}
