// Package copilot – llm.go implements the client for OpenAI-compatible chat
// completion APIs with function calling, client-side rate limiting and
// retries with exponential backoff.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// ChatCompleter is the LLM dependency of the orchestrator.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error)
}

// LLMClient talks to an OpenAI-compatible chat completions endpoint.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLLMClient creates a client from the configuration.
func NewLLMClient(cfg *Config, logger *slog.Logger) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.API.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.API.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.API.RequestsPerSecond), 1)
	}

	initial := cfg.API.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maxBackoff := cfg.API.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}

	return &LLMClient{
		baseURL:        strings.TrimRight(cfg.API.BaseURL, "/"),
		apiKey:         cfg.API.APIKey,
		model:          cfg.Model,
		maxTokens:      cfg.API.MaxTokens,
		httpClient:     &http.Client{Timeout: timeout},
		limiter:        limiter,
		logger:         logger.With("component", "llm"),
		maxRetries:     max(cfg.API.MaxRetries, 0),
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
		sleep:          sleepCtx,
	}
}

// Model returns the configured model name.
func (c *LLMClient) Model() string { return c.model }

// ---------- Wire Types ----------

// ChatMessage is a message in the OpenAI chat format: system, user,
// assistant (optionally with tool calls) or tool result.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model      string           `json:"model"`
	Messages   []ChatMessage    `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice string           `json:"tool_choice,omitempty"`
	MaxTokens  *int             `json:"max_tokens,omitempty"`
}

// chatResponse is the OpenAI-compatible chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ---------- Tool Calling Types ----------

// ToolDefinition is an OpenAI-compatible tool definition.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function exposed to the LLM.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// LLMResponse holds the parsed response from a chat completion.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        LLMUsage
}

// LLMUsage holds token usage from the API response.
type LLMUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ---------- Error Classification ----------

// LLMErrorKind classifies API errors for retry decisions.
type LLMErrorKind int

const (
	LLMErrorRetryable  LLMErrorKind = iota // transient 5xx or network failure
	LLMErrorRateLimit                      // 429
	LLMErrorOverloaded                     // 529 or "overloaded" in body
	LLMErrorTimeout                        // request timeout
	LLMErrorAuth                           // 401, 403
	LLMErrorBilling                        // 402 or quota exhausted
	LLMErrorContext                        // context_length_exceeded
	LLMErrorBadRequest                     // 400
	LLMErrorFatal                          // everything else
)

// String returns a label for the error kind.
func (k LLMErrorKind) String() string {
	switch k {
	case LLMErrorRetryable:
		return "retryable"
	case LLMErrorRateLimit:
		return "rate_limit"
	case LLMErrorOverloaded:
		return "overloaded"
	case LLMErrorTimeout:
		return "timeout"
	case LLMErrorAuth:
		return "auth"
	case LLMErrorBilling:
		return "billing"
	case LLMErrorContext:
		return "context"
	case LLMErrorBadRequest:
		return "bad_request"
	case LLMErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsRetryableKind returns true if the error kind warrants retrying.
func (k LLMErrorKind) IsRetryableKind() bool {
	return k == LLMErrorRetryable || k == LLMErrorRateLimit || k == LLMErrorOverloaded || k == LLMErrorTimeout
}

// apiError captures HTTP status, body and Retry-After.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// ErrorKind classifies any error returned by Complete.
func ErrorKind(err error) LLMErrorKind {
	var apierr *apiError
	if errors.As(err, &apierr) {
		return classifyAPIError(apierr.statusCode, apierr.body)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return LLMErrorTimeout
	}
	if errors.Is(err, context.Canceled) {
		return LLMErrorFatal
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return LLMErrorTimeout
	}
	var transport *transportError
	if errors.As(err, &transport) {
		return LLMErrorRetryable
	}
	return LLMErrorFatal
}

// transportError marks a failure to reach the API at all.
type transportError struct{ err error }

func (e *transportError) Error() string { return "API request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) LLMErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return LLMErrorContext
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") {
		return LLMErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return LLMErrorRateLimit
	}

	if statusCode == 529 || strings.Contains(bodyLower, "overloaded") {
		return LLMErrorOverloaded
	}

	if statusCode == 408 || strings.Contains(bodyLower, "timed out") {
		return LLMErrorTimeout
	}

	switch statusCode {
	case 400:
		return LLMErrorBadRequest
	case 401, 403:
		return LLMErrorAuth
	default:
		if statusCode >= 500 {
			return LLMErrorRetryable
		}
		return LLMErrorFatal
	}
}

// ---------- Public Methods ----------

// Complete sends a chat completion request with optional tools. Retryable
// failures are retried with exponential backoff and jitter; Retry-After is
// honoured for rate limits.
func (c *LLMClient) Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("API key not configured. Set OPENAI_API_KEY in the environment or keyring")
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		resp, err := c.completeOnce(ctx, messages, tools)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := ErrorKind(err)
		if !kind.IsRetryableKind() || ctx.Err() != nil {
			c.logger.Warn("non-retryable LLM error, failing immediately",
				"attempt", attempt+1,
				"kind", kind.String(),
				"error", err,
			)
			return nil, err
		}
		if attempt >= c.maxRetries {
			break
		}

		delay := c.backoff(attempt, err)
		c.logger.Info("retrying after retryable error",
			"attempt", attempt+1,
			"next_attempt", attempt+2,
			"kind", kind.String(),
			"backoff_ms", delay.Milliseconds(),
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("context cancelled during backoff: %w", err)
		}
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// backoff returns min(initial * 2^attempt, max) with ±25% jitter, or the
// server's Retry-After when it is longer.
func (c *LLMClient) backoff(attempt int, err error) time.Duration {
	d := c.initialBackoff
	for i := 0; i < attempt && d < c.maxBackoff; i++ {
		d *= 2
	}
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	jitter := 0.75 + rand.Float64()*0.5
	d = time.Duration(float64(d) * jitter)

	var apierr *apiError
	if errors.As(err, &apierr) && apierr.retryAfterSec > 0 {
		server := min(time.Duration(apierr.retryAfterSec)*time.Second, c.maxBackoff)
		if server > d {
			d = server
		}
	}
	return d
}

func (c *LLMClient) completeOnce(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: messages,
	}
	if len(tools) > 0 {
		reqBody.Tools = tools
		reqBody.ToolChoice = "auto"
	}
	if c.maxTokens > 0 {
		mt := c.maxTokens
		reqBody.MaxTokens = &mt
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion",
		"model", c.model,
		"messages", len(messages),
		"tools", len(tools),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("reading response: %w", err)}
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: bodyStr}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apierr.retryAfterSec = sec
			}
		}
		c.logger.Error("API error",
			"model", c.model,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return nil, apierr
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, &apiError{statusCode: resp.StatusCode, body: chatResp.Error.Message}
	}
	if len(chatResp.Choices) == 0 {
		return nil, errors.New("no response from model")
	}

	choice := chatResp.Choices[0]
	c.logger.Info("chat completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(choice.Message.ToolCalls),
	)

	return &LLMResponse{
		Content:      strings.TrimSpace(choice.Message.Content),
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage: LLMUsage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// truncate shortens s to at most n bytes without splitting a rune,
// appending "..." when cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
