package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLLMClient(t *testing.T, handler http.HandlerFunc) (*LLMClient, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.API.BaseURL = srv.URL + "/v1"
	cfg.API.APIKey = "sk-test"
	cfg.API.RequestsPerSecond = 0
	c := NewLLMClient(cfg, nil)

	var mu sync.Mutex
	sleeps := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*sleeps = append(*sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return c, sleeps
}

const okResponse = `{"choices":[{"message":{"content":" hello "},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`

func TestLLMClient_CompleteWithToolCalls(t *testing.T) {
	t.Parallel()
	var got chatRequest
	c, _ := newTestLLMClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"execute_cli_command","arguments":"{\"command\":\"date\"}"}}]},"finish_reason":"tool_calls"}]}`))
	})

	tools := []ToolDefinition{MakeToolDefinition("execute_cli_command", "run", map[string]any{"type": "object"})}
	resp, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "what time is it"}}, tools)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "execute_cli_command" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if got.ToolChoice != "auto" || len(got.Tools) != 1 || got.Model != "gpt-3.5-turbo" {
		t.Errorf("request = %+v", got)
	}
	if got.MaxTokens != nil {
		t.Error("max_tokens should be omitted when unset")
	}
}

func TestLLMClient_TrimsContent(t *testing.T) {
	t.Parallel()
	c, _ := newTestLLMClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okResponse))
	})
	resp, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" || resp.Usage.TotalTokens != 4 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestLLMClient_RetriesTransientErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, sleeps := newTestLLMClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream broke", http.StatusBadGateway)
			return
		}
		w.Write([]byte(okResponse))
	})

	resp, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %v", *sleeps)
	}
	// 1s and 2s with ±25% jitter.
	if d := (*sleeps)[0]; d < 750*time.Millisecond || d > 1250*time.Millisecond {
		t.Errorf("first backoff = %s", d)
	}
	if d := (*sleeps)[1]; d < 1500*time.Millisecond || d > 2500*time.Millisecond {
		t.Errorf("second backoff = %s", d)
	}
}

func TestLLMClient_HonoursRetryAfter(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, sleeps := newTestLLMClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			http.Error(w, `{"error":{"message":"Rate limit reached"}}`, http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okResponse))
	})

	if _, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil); err != nil {
		t.Fatal(err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 7*time.Second {
		t.Errorf("sleeps = %v, want [7s]", *sleeps)
	}
}

func TestLLMClient_NoRetryOnAuth(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, _ := newTestLLMClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	})

	_, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if ErrorKind(err) != LLMErrorAuth {
		t.Errorf("kind = %s", ErrorKind(err))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestLLMClient_RetriesExhausted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, _ := newTestLLMClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	_, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 4 {
		t.Errorf("calls = %d, want 1 + 3 retries", calls.Load())
	}
}

func TestLLMClient_MissingAPIKey(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	c := NewLLMClient(cfg, nil)
	if _, err := c.Complete(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestLLMClient_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	c, _ := newTestLLMClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	c.sleep = sleepCtx
	c.initialBackoff = time.Hour
	c.maxBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, []ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestClassifyAPIError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		body   string
		want   LLMErrorKind
	}{
		{400, "This model's maximum context length is 4097 tokens", LLMErrorContext},
		{429, "", LLMErrorRateLimit},
		{429, "You exceeded your current quota, insufficient_quota", LLMErrorBilling},
		{402, "", LLMErrorBilling},
		{401, "", LLMErrorAuth},
		{403, "", LLMErrorAuth},
		{400, "bad", LLMErrorBadRequest},
		{500, "", LLMErrorRetryable},
		{503, "", LLMErrorRetryable},
		{529, "", LLMErrorOverloaded},
		{200, "the server is overloaded", LLMErrorOverloaded},
		{408, "", LLMErrorTimeout},
		{404, "", LLMErrorFatal},
	}
	for _, tt := range tests {
		if got := classifyAPIError(tt.status, tt.body); got != tt.want {
			t.Errorf("classifyAPIError(%d, %q) = %s, want %s", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestErrorKind_Transport(t *testing.T) {
	t.Parallel()
	if k := ErrorKind(&transportError{err: errors.New("connection refused")}); k != LLMErrorRetryable {
		t.Errorf("transport kind = %s", k)
	}
	if k := ErrorKind(context.Canceled); k.IsRetryableKind() {
		t.Errorf("cancellation must not be retryable, got %s", k)
	}
}
