// Package copilot – tools_fetch.go implements fetch_webpage: it downloads a
// URL (after the SSRF guard approves it), retries transient failures with
// rotating User-Agents and reduces HTML or RSS/Atom feeds to readable text.
package copilot

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ToolFetch is the name of the page fetch tool.
const ToolFetch = "fetch_webpage"

const (
	defaultFetchLength = 10000
	truncatedMarker    = "... [content truncated]"
)

// userAgents are rotated between fetch attempts.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// skippedElements never contribute text.
var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
}

// blockElements end the current line of text.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Pre: true, atom.Blockquote: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Dd: true, atom.Dt: true,
}

// URLGuard approves outbound URLs.
type URLGuard interface {
	Check(ctx context.Context, rawURL string) error
}

// Page is the readable form of a fetched URL.
type Page struct {
	Title   string
	URL     string
	Content string
	Links   []string
}

// WebFetcher downloads pages for fetch_webpage.
type WebFetcher struct {
	client            *http.Client
	guard             URLGuard
	maxRetries        int
	retryDelay        time.Duration
	strictContentType bool
	maxBody           int64
	uaNext            atomic.Uint32
	logger            *slog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWebFetcher creates a fetcher. guard may be nil to allow every URL.
func NewWebFetcher(cfg FetchConfig, guard URLGuard, logger *slog.Logger) *WebFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 5 << 20
	}
	f := &WebFetcher{
		guard:             guard,
		maxRetries:        max(cfg.MaxRetries, 1),
		retryDelay:        cfg.RetryDelay,
		strictContentType: cfg.StrictContentType,
		maxBody:           maxBody,
		logger:            logger.With("tool", ToolFetch),
		sleep:             sleepCtx,
	}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			if f.guard != nil {
				if err := f.guard.Check(req.Context(), req.URL.String()); err != nil {
					return &blockedError{err: err}
				}
			}
			return nil
		},
	}
	return f
}

// fetchError is a failed attempt; retryable errors are tried again.
type fetchError struct {
	err       error
	retryable bool
}

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

// blockedError is a redirect target refused by the guard.
type blockedError struct{ err error }

func (e *blockedError) Error() string { return e.err.Error() }
func (e *blockedError) Unwrap() error { return e.err }

// Fetch downloads rawURL and extracts its readable content.
func (f *WebFetcher) Fetch(ctx context.Context, rawURL string, includeLinks bool) (*Page, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("URL must start with http:// or https://")
	}
	if f.guard != nil {
		if err := f.guard.Check(ctx, u.String()); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.retryDelay * time.Duration(1<<(attempt-1))
			f.logger.Warn("fetch attempt failed, retrying",
				"url", u.String(), "attempt", attempt, "delay", delay, "error", lastErr)
			if err := f.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		page, err := f.fetchOnce(ctx, u, includeLinks)
		if err == nil {
			return page, nil
		}
		lastErr = err
		var fe *fetchError
		if !errors.As(err, &fe) || !fe.retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to fetch URL after %d attempts: %w", f.maxRetries, lastErr)
}

func (f *WebFetcher) fetchOnce(ctx context.Context, u *url.URL, includeLinks bool) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	ua := userAgents[int(f.uaNext.Add(1)-1)%len(userAgents)]
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var blocked *blockedError
		if errors.As(err, &blocked) {
			return nil, blocked.err
		}
		return nil, &fetchError{err: err, retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &fetchError{err: fmt.Errorf("HTTP %d", resp.StatusCode), retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &fetchError{err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("reading body: %w", err), retryable: true}
	}

	final := resp.Request.URL
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return f.extract(final, mediaType, body, includeLinks)
}

// extract picks an extractor from the media type, falling back to sniffing
// the body when the type is missing or unexpected.
func (f *WebFetcher) extract(u *url.URL, mediaType string, body []byte, includeLinks bool) (*Page, error) {
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return extractHTML(u, body, includeLinks)
	case isFeedType(mediaType) || (mediaType == "text/xml" || mediaType == "application/xml") && looksLikeFeed(body):
		if p, err := extractFeed(u, body); err == nil {
			return p, nil
		}
		return textPage(u, body), nil
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json":
		return textPage(u, body), nil
	}

	if f.strictContentType {
		return nil, &fetchError{err: fmt.Errorf("unsupported content type: %q. Only text content is supported", mediaType)}
	}
	if !utf8.Valid(body) {
		return nil, &fetchError{err: fmt.Errorf("binary content type %q", mediaType)}
	}
	f.logger.Warn("unexpected content type, processing anyway", "url", u.String(), "content_type", mediaType)
	if looksLikeFeed(body) {
		if p, err := extractFeed(u, body); err == nil {
			return p, nil
		}
	}
	if bytes.Contains(bytes.ToLower(firstBytes(body, 1024)), []byte("<html")) {
		return extractHTML(u, body, includeLinks)
	}
	return textPage(u, body), nil
}

// ---------- HTML ----------

func extractHTML(base *url.URL, body []byte, includeLinks bool) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	var (
		title string
		text  strings.Builder
		links []string
		seen  = make(map[string]bool)
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skippedElements[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Title {
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
			if includeLinks && n.DataAtom == atom.A {
				if href := attr(n, "href"); href != "" {
					if abs := resolveLink(base, href); abs != "" && !seen[abs] {
						seen[abs] = true
						links = append(links, abs)
					}
				}
			}
		}
		if n.Type == html.TextNode {
			text.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			text.WriteByte('\n')
		}
	}
	walk(doc)

	if title == "" {
		title = titleFromURL(base)
	}
	return &Page{Title: title, URL: base.String(), Content: cleanText(text.String()), Links: links}, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// resolveLink returns href as an absolute http(s) URL, or "".
func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

// cleanText collapses whitespace inside lines and drops blank lines.
func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// htmlToText strips markup from an HTML fragment.
func htmlToText(fragment string) string {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div})
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			b.WriteByte(' ')
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func titleFromURL(u *url.URL) string {
	if base := path.Base(u.Path); base != "/" && base != "." && base != "" {
		return base
	}
	return u.String()
}

func textPage(u *url.URL, body []byte) *Page {
	return &Page{
		Title:   titleFromURL(u),
		URL:     u.String(),
		Content: strings.TrimSpace(strings.ToValidUTF8(string(body), "")),
	}
}

func firstBytes(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// ---------- Feeds ----------

func isFeedType(mediaType string) bool {
	return mediaType == "application/rss+xml" || mediaType == "application/atom+xml" || mediaType == "application/rdf+xml"
}

func looksLikeFeed(body []byte) bool {
	head := bytes.ToLower(firstBytes(body, 2048))
	for _, marker := range []string{"<rss", "<feed", "<rdf:rdf"} {
		if bytes.Contains(head, []byte(marker)) {
			return true
		}
	}
	return false
}

// rssDoc covers RSS 2.0 (items under channel) and RSS 1.0 (items at the
// root).
type rssDoc struct {
	Channel struct {
		Title       string    `xml:"title"`
		Description string    `xml:"description"`
		Items       []rssItem `xml:"item"`
	} `xml:"channel"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Date        string `xml:"date"`
}

type atomDoc struct {
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title string `xml:"title"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Updated   string `xml:"updated"`
	Published string `xml:"published"`
	Summary   string `xml:"summary"`
	Content   string `xml:"content"`
}

// feedEntry is the common shape of RSS items and Atom entries.
type feedEntry struct {
	title, link, date, summary string
}

// extractFeed renders an RSS or Atom feed as a numbered list of entries.
func extractFeed(u *url.URL, body []byte) (*Page, error) {
	root, err := rootElement(body)
	if err != nil {
		return nil, err
	}

	var (
		title   string
		entries []feedEntry
	)
	switch root {
	case "rss", "RDF":
		var doc rssDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
		title = doc.Channel.Title
		for _, it := range append(doc.Channel.Items, doc.Items...) {
			date := it.PubDate
			if date == "" {
				date = it.Date
			}
			entries = append(entries, feedEntry{it.Title, strings.TrimSpace(it.Link), date, it.Description})
		}
	case "feed":
		var doc atomDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
		title = doc.Title
		for _, e := range doc.Entries {
			link := ""
			for _, l := range e.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					link = l.Href
					break
				}
			}
			date := e.Published
			if date == "" {
				date = e.Updated
			}
			summary := e.Summary
			if summary == "" {
				summary = e.Content
			}
			entries = append(entries, feedEntry{e.Title, link, date, summary})
		}
	default:
		return nil, fmt.Errorf("not a feed: <%s>", root)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Feed with %d entries", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&b, "\n\n%d. %s", i+1, strings.TrimSpace(e.title))
		if e.link != "" {
			fmt.Fprintf(&b, "\n   Link: %s", e.link)
		}
		if e.date != "" {
			fmt.Fprintf(&b, "\n   Date: %s", strings.TrimSpace(e.date))
		}
		if s := htmlToText(e.summary); s != "" {
			fmt.Fprintf(&b, "\n   %s", truncate(s, 300))
		}
	}

	if title = strings.TrimSpace(title); title == "" {
		title = titleFromURL(u)
	}
	return &Page{Title: title, URL: u.String(), Content: b.String()}, nil
}

// rootElement returns the local name of the document element.
func rootElement(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// ---------- Tool ----------

// formatPage renders a page for the LLM, truncating the content to maxLength
// characters.
func formatPage(p *Page, maxLength int) string {
	content := p.Content
	if utf8.RuneCountInString(content) > maxLength {
		content = string([]rune(content)[:maxLength]) + "\n\n" + truncatedMarker
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nURL: %s\n\n%s", p.Title, p.URL, content)
	if len(p.Links) > 0 {
		b.WriteString("\n\nLinks:")
		for _, l := range p.Links {
			b.WriteString("\n- ")
			b.WriteString(l)
		}
	}
	return b.String()
}

type fetchArgs struct {
	URL          string `json:"url"`
	MaxLength    int    `json:"max_length"`
	IncludeLinks bool   `json:"include_links"`
}

// Tool returns the definition and handler of fetch_webpage.
func (f *WebFetcher) Tool() (ToolDefinition, ToolHandlerFunc) {
	def := MakeToolDefinition(ToolFetch,
		"Fetch and extract readable text content from a specific URL. "+
			"Use this when you have a URL and want to read its full content. "+
			"Returns the page title, content, and metadata.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to fetch. Must start with http:// or https://",
				},
				"max_length": map[string]any{
					"type":        "integer",
					"description": "Maximum content length to return in characters (default: 10000)",
					"default":     defaultFetchLength,
				},
				"include_links": map[string]any{
					"type":        "boolean",
					"description": "Whether to include link URLs in the output (default: false)",
					"default":     false,
				},
			},
			"required": []string{"url"},
		})

	handler := func(ctx context.Context, raw string) (string, error) {
		var args fetchArgs
		if err := decodeArgs(raw, &args); err != nil {
			return "", failf("Error parsing arguments: %v", err)
		}
		if strings.TrimSpace(args.URL) == "" {
			return "", failf("Error: URL cannot be empty")
		}
		maxLength := args.MaxLength
		if maxLength <= 0 {
			maxLength = defaultFetchLength
		}

		start := time.Now()
		page, err := f.Fetch(ctx, args.URL, args.IncludeLinks)
		if err != nil {
			f.logger.Error("fetch failed", "url", args.URL, "error", err)
			return "", failf("Error fetching webpage: %v", err)
		}
		f.logger.Info("fetch finished",
			"url", page.URL, "content_len", len(page.Content), "links", len(page.Links), "duration", time.Since(start))
		return formatPage(page, maxLength), nil
	}
	return def, handler
}
