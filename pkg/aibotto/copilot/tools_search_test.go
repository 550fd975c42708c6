package copilot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const ddgPayload = `{
  "Heading": "Go (programming language)",
  "AbstractText": "Go is a statically typed, compiled language.",
  "AbstractURL": "https://en.wikipedia.org/wiki/Go_(programming_language)",
  "Results": [
    {"Text": "Official site - The Go Programming Language", "FirstURL": "https://go.dev"}
  ],
  "RelatedTopics": [
    {"Text": "Gopher - The Go mascot", "FirstURL": "https://go.dev/blog/gopher"},
    {"Name": "See also", "Topics": [
      {"Text": "Goroutine - A lightweight thread", "FirstURL": "https://go.dev/tour/concurrency/1"},
      {"Text": "Duplicate - again", "FirstURL": "https://go.dev"}
    ]},
    {"Text": "", "FirstURL": "https://empty.example"}
  ]
}`

func newTestSearcher(t *testing.T, handler http.HandlerFunc) *WebSearcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWebSearcher(SearchConfig{Endpoint: srv.URL + "/", Timeout: 5 * time.Second}, nil)
}

func TestWebSearcher_CollectsResults(t *testing.T) {
	t.Parallel()
	w := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "golang" || q.Get("format") != "json" || q.Get("no_html") != "1" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(ddgPayload))
	})

	results, err := w.Search(context.Background(), "golang", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	wantURLs := []string{
		"https://en.wikipedia.org/wiki/Go_(programming_language)",
		"https://go.dev",
		"https://go.dev/blog/gopher",
		"https://go.dev/tour/concurrency/1",
	}
	if len(results) != len(wantURLs) {
		t.Fatalf("results = %+v", results)
	}
	for i, u := range wantURLs {
		if results[i].URL != u {
			t.Errorf("results[%d].URL = %q, want %q", i, results[i].URL, u)
		}
	}
	if results[1].Title != "Official site" {
		t.Errorf("title = %q", results[1].Title)
	}

	limited, _ := w.Search(context.Background(), "golang", 2)
	if len(limited) != 2 {
		t.Errorf("limited = %d", len(limited))
	}
}

func TestWebSearcher_CoalescesConcurrentQueries(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	release := make(chan struct{})
	w := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(ddgPayload))
	})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.Search(context.Background(), "same", 5); err != nil {
				t.Errorf("Search: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", hits.Load())
	}
}

func TestWebSearcher_CancelledCaller(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	w := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{}`))
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Search(ctx, "slow", 5); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSearchTool(t *testing.T) {
	t.Parallel()
	w := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "nothing" {
			w.Write([]byte(`{}`))
			return
		}
		if r.URL.Query().Get("q") == "broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(ddgPayload))
	})
	_, handler := w.Tool()
	ctx := context.Background()

	out, err := handler(ctx, `{"query":"golang","num_results":"2","days_ago":7}`)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.HasPrefix(out, "Search results for 'golang': (requested: last 7 days") {
		t.Errorf("header = %q", strings.SplitN(out, "\n", 2)[0])
	}
	if !strings.Contains(out, "2. **Official site**\n   URL: https://go.dev") || strings.Contains(out, "3. ") {
		t.Errorf("output = %q", out)
	}

	out, err = handler(ctx, `{"query":"nothing"}`)
	if err != nil || out != "No search results found for query: nothing" {
		t.Errorf("empty = %q, %v", out, err)
	}

	if _, err := handler(ctx, `{"query":"  "}`); err == nil || err.Error() != "Search query cannot be empty" {
		t.Errorf("blank query err = %v", err)
	}

	_, err = handler(ctx, `{"query":"broken"}`)
	if err == nil || !strings.HasPrefix(err.Error(), "Error performing web search: search returned HTTP 502") {
		t.Errorf("upstream failure err = %v", err)
	}
}
