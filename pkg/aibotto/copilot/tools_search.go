// Package copilot – tools_search.go implements search_web on top of the
// DuckDuckGo Instant Answer API. Identical queries in flight at the same
// time share one upstream request.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// ToolSearch is the name of the web search tool.
const ToolSearch = "search_web"

const (
	defaultSearchResults = 5
	maxSearchResults     = 10
)

// SearchResult is one search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearcher queries DuckDuckGo.
type WebSearcher struct {
	endpoint string
	client   *http.Client
	group    singleflight.Group
	logger   *slog.Logger
}

// NewWebSearcher creates a searcher from the search configuration.
func NewWebSearcher(cfg SearchConfig, logger *slog.Logger) *WebSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.duckduckgo.com/"
	}
	return &WebSearcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("tool", ToolSearch),
	}
}

// Search returns up to limit results for query.
func (w *WebSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	ch := w.group.DoChan(query, func() (any, error) {
		return w.query(context.WithoutCancel(ctx), query)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			w.logger.Debug("search coalesced", "query", query)
		}
		results := r.Val.([]SearchResult)
		if len(results) > limit {
			results = results[:limit]
		}
		return results, nil
	}
}

// ddgResponse is the subset of the Instant Answer payload in use.
type ddgResponse struct {
	Heading       string     `json:"Heading"`
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Results       []ddgTopic `json:"Results"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

// ddgTopic is either a result or a named group of nested topics.
type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Name     string     `json:"Name"`
	Topics   []ddgTopic `json:"Topics"`
}

func (w *WebSearcher) query(ctx context.Context, query string) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgents[0])

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	var data ddgResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	results := collectResults(&data, maxSearchResults)
	w.logger.Info("search finished", "query", query, "results", len(results), "duration", time.Since(start))
	return results, nil
}

// collectResults takes the abstract first, then direct results, then related
// topics with nested groups flattened. URLs are not repeated.
func collectResults(data *ddgResponse, limit int) []SearchResult {
	var out []SearchResult
	seen := make(map[string]bool)
	add := func(r SearchResult) {
		if len(out) >= limit || r.Snippet == "" || seen[r.URL] {
			return
		}
		seen[r.URL] = true
		out = append(out, r)
	}

	if data.AbstractText != "" {
		add(SearchResult{Title: data.Heading, URL: data.AbstractURL, Snippet: data.AbstractText})
	}
	var walk func(topics []ddgTopic)
	walk = func(topics []ddgTopic) {
		for _, t := range topics {
			if len(t.Topics) > 0 {
				walk(t.Topics)
				continue
			}
			if t.Text == "" || t.FirstURL == "" {
				continue
			}
			add(SearchResult{Title: topicTitle(t.Text), URL: t.FirstURL, Snippet: t.Text})
		}
	}
	walk(data.Results)
	walk(data.RelatedTopics)
	return out
}

// topicTitle is the text before the first " - " separator.
func topicTitle(text string) string {
	if i := strings.Index(text, " - "); i > 0 {
		return text[:i]
	}
	return text
}

// formatSearchResults renders results for the LLM.
func formatSearchResults(query string, daysAgo *int, results []SearchResult) string {
	if len(results) == 0 {
		return "No search results found for query: " + query
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for '%s':", query)
	if daysAgo != nil && *daysAgo > 0 {
		fmt.Fprintf(&b, " (requested: last %d days, results are not date-filtered)", *daysAgo)
	}
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = "No title"
		}
		fmt.Fprintf(&b, "\n\n%d. **%s**\n   URL: %s\n   %s", i+1, truncate(title, 100), r.URL, truncate(r.Snippet, 500))
	}
	return b.String()
}

type searchArgs struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
	DaysAgo    *int   `json:"days_ago"`
}

// Tool returns the definition and handler of search_web.
func (w *WebSearcher) Tool() (ToolDefinition, ToolHandlerFunc) {
	def := MakeToolDefinition(ToolSearch,
		"Search the web for current information using DuckDuckGo",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query. Use this for current information, recent news, or topics not covered by CLI tools.",
				},
				"num_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return (1-10, default: 5)",
					"default":     defaultSearchResults,
				},
				"days_ago": map[string]any{
					"type":        "integer",
					"description": "Filter results from last N days (optional, e.g., 7 for last week, 30 for last month)",
				},
			},
			"required": []string{"query"},
		})

	handler := func(ctx context.Context, raw string) (string, error) {
		var args searchArgs
		if err := decodeArgs(raw, &args); err != nil {
			return "", failf("Error parsing arguments: %v", err)
		}
		query := strings.TrimSpace(args.Query)
		if query == "" {
			return "", failf("Search query cannot be empty")
		}

		n := args.NumResults
		switch {
		case n == 0:
			n = defaultSearchResults
		case n < 1:
			n = 1
		case n > maxSearchResults:
			n = maxSearchResults
		}

		results, err := w.Search(ctx, query, n)
		if err != nil {
			w.logger.Error("search failed", "query", query, "error", err)
			return "", failf("Error performing web search: %v", err)
		}
		return formatSearchResults(query, args.DaysAgo, results), nil
	}
	return def, handler
}
