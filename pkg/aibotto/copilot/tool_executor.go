// Package copilot – tool_executor.go keeps the registry of callable tools and
// dispatches the tool calls of one LLM turn to their handlers. Every call
// passes the tracker gates first; all calls of a turn run concurrently and
// each produces exactly one ToolResult carrying its tool_call_id.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
)

// toolNameSanitizer replaces any character not in [a-zA-Z0-9_-] with "_".
var toolNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// DefaultSlowToolThreshold is the duration above which a tool run is logged
// as slow.
const DefaultSlowToolThreshold = 10 * time.Second

// Messages returned in place of a tool result when a gate refuses the call.
const (
	msgNoFunctionName = "No function name provided"
	msgDuplicateCall  = "⚠️ Tool call '%s' already executed in this conversation. Skipping to prevent infinite loops."
	msgSimilarCalc    = "🔄 I already attempted a similar calculation. Let me try a different approach or provide you with what I found so far."
	msgRetryLimit     = "🚫 I've already attempted this type of operation multiple times. Let me try a different approach or provide you with the results I have so far."
	msgUnknownTool    = "Unknown tool function: %s"
)

// ---------- Session ----------

// Session identifies the conversation a request belongs to.
type Session struct {
	// Key partitions tracker state; see SessionKey.
	Key string

	UserID int64
	ChatID int64

	// Stateless requests have no stored history.
	Stateless bool

	// RunID correlates log lines of one request.
	RunID string

	// Iteration is the loop turn the current tool calls belong to. Set by
	// the IterationManager before each Execute.
	Iteration int
}

// StatelessSession returns the session used by one-shot requests.
func StatelessSession(runID string) Session {
	return Session{Key: StatelessSessionKey, Stateless: true, RunID: runID}
}

type ctxKeySession struct{}

// ContextWithSession returns a context carrying the session, so tool
// handlers can reach the conversation they run for.
func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKeySession{}, s)
}

// SessionFromContext extracts the session from ctx.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKeySession{}).(Session)
	return s, ok
}

// ---------- Results ----------

// ToolStatus is the outcome of one tool call.
type ToolStatus string

const (
	// ToolSuccess means the handler ran and returned output.
	ToolSuccess ToolStatus = "success"
	// ToolError means the call could not run or the handler failed.
	ToolError ToolStatus = "error"
	// ToolSkipped means a tracker gate refused the call.
	ToolSkipped ToolStatus = "skipped"
)

// ToolResult is the typed outcome of one tool call. Content is always set
// and is what the LLM sees.
type ToolResult struct {
	ToolCallID string
	Name       string
	Status     ToolStatus
	Content    string
	Duration   time.Duration

	// Err is the underlying failure for ToolError results.
	Err error
}

// Message converts the result into a tool-role conversation turn.
func (r ToolResult) Message() ChatMessage {
	return ChatMessage{Role: RoleTool, ToolCallID: r.ToolCallID, Content: r.Content}
}

// ---------- Executor ----------

// ToolFailure is a handler error whose message is passed to the LLM as is,
// without the generic "Error executing" prefix.
type ToolFailure struct {
	Message string
}

func (f *ToolFailure) Error() string { return f.Message }

// failf returns a ToolFailure with a formatted message.
func failf(format string, args ...any) error {
	return &ToolFailure{Message: fmt.Sprintf(format, args...)}
}

// ToolHandlerFunc runs a tool with its raw JSON arguments. A returned error
// becomes a ToolError result; it never reaches the loop.
type ToolHandlerFunc func(ctx context.Context, args string) (string, error)

type registeredTool struct {
	Definition ToolDefinition
	Handler    ToolHandlerFunc

	// StatefulOnly tools are hidden from stateless sessions.
	StatefulOnly bool
}

// ToolExecutor dispatches tool calls to registered handlers.
type ToolExecutor struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string

	tracker       *ToolTracker
	slowThreshold time.Duration
	logger        *slog.Logger
}

// NewToolExecutor creates an executor gated by tracker.
func NewToolExecutor(tracker *ToolTracker, logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = NewToolTracker(logger)
	}
	return &ToolExecutor{
		tools:         make(map[string]*registeredTool),
		tracker:       tracker,
		slowThreshold: DefaultSlowToolThreshold,
		logger:        logger.With("component", "tool_executor"),
	}
}

// SetSlowThreshold changes the slow-tool warning threshold. Non-positive
// values are ignored.
func (e *ToolExecutor) SetSlowThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.slowThreshold = d
	e.mu.Unlock()
}

// Tracker returns the tracker gating this executor.
func (e *ToolExecutor) Tracker() *ToolTracker {
	return e.tracker
}

// Register adds or replaces a tool.
func (e *ToolExecutor) Register(def ToolDefinition, handler ToolHandlerFunc) {
	e.register(&registeredTool{Definition: def, Handler: handler})
}

// RegisterStateful adds a tool that only exists for sessions with stored
// history.
func (e *ToolExecutor) RegisterStateful(def ToolDefinition, handler ToolHandlerFunc) {
	e.register(&registeredTool{Definition: def, Handler: handler, StatefulOnly: true})
}

func (e *ToolExecutor) register(t *registeredTool) {
	name := t.Definition.Function.Name
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[name]; !exists {
		e.order = append(e.order, name)
	}
	e.tools[name] = t
	e.logger.Debug("tool registered", "name", name, "stateful_only", t.StatefulOnly)
}

// Tools returns the definitions offered to the LLM for the session, in
// registration order.
func (e *ToolExecutor) Tools(s Session) []ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(e.order))
	for _, name := range e.order {
		t := e.tools[name]
		if t.StatefulOnly && s.Stateless {
			continue
		}
		defs = append(defs, t.Definition)
	}
	return defs
}

// HasTool reports whether a tool is registered.
func (e *ToolExecutor) HasTool(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tools[name]
	return ok
}

// Execute runs every call of one LLM turn concurrently and returns one
// result per call, in input order. A failing call never affects its
// siblings.
func (e *ToolExecutor) Execute(ctx context.Context, s Session, calls []ToolCall) []ToolResult {
	if len(calls) == 0 {
		return nil
	}
	e.logger.Info("executing tool calls",
		"count", len(calls), "session", s.Key, "run_id", s.RunID, "iteration", s.Iteration)

	ctx = ContextWithSession(ctx, s)
	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc ToolCall) {
			defer wg.Done()
			results[idx] = e.executeSingle(ctx, s, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeSingle applies the gates in order and runs the handler.
func (e *ToolExecutor) executeSingle(ctx context.Context, s Session, call ToolCall) ToolResult {
	name := call.Function.Name
	result := ToolResult{ToolCallID: call.ID, Name: name}

	if name == "" {
		result.Status = ToolError
		result.Content = msgNoFunctionName
		return result
	}

	args := call.Function.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}

	verdict := e.tracker.Admit(name, args, s.Key)
	switch {
	case verdict.Duplicate:
		result.Status = ToolSkipped
		result.Content = fmt.Sprintf(msgDuplicateCall, name)
		return result
	case verdict.Similar && isCalculation(args):
		result.Status = ToolSkipped
		result.Content = msgSimilarCalc
		return result
	case verdict.PreventRetry:
		result.Status = ToolSkipped
		result.Content = msgRetryLimit
		return result
	}

	e.mu.RLock()
	tool, ok := e.tools[name]
	slow := e.slowThreshold
	e.mu.RUnlock()
	if !ok || (tool.StatefulOnly && s.Stateless) {
		e.logger.Warn("unknown tool called", "name", name, "run_id", s.RunID)
		result.Status = ToolError
		result.Content = fmt.Sprintf(msgUnknownTool, name)
		return result
	}

	e.logger.Info("tool started",
		"name", name, "call_id", call.ID, "session", s.Key, "run_id", s.RunID,
		"args", truncate(args, 100))

	start := time.Now()
	output, err := runHandler(ctx, tool.Handler, args)
	result.Duration = time.Since(start)

	if result.Duration > slow {
		e.logger.Warn("slow tool execution",
			"name", name, "duration", result.Duration, "session", s.Key, "run_id", s.RunID)
	}

	if err != nil {
		e.logger.Error("tool failed",
			"name", name, "duration", result.Duration, "run_id", s.RunID, "error", err)
		result.Status = ToolError
		result.Err = err
		var tf *ToolFailure
		if errors.As(err, &tf) {
			result.Content = tf.Message
		} else {
			result.Content = fmt.Sprintf("Error executing %s: %v", name, err)
		}
		return result
	}

	e.logger.Info("tool completed",
		"name", name, "duration", result.Duration, "run_id", s.RunID, "output_len", len(output))
	result.Status = ToolSuccess
	result.Content = output
	return result
}

// runHandler calls h and converts a panic into an error.
func runHandler(ctx context.Context, h ToolHandlerFunc, args string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, args)
}

// isCalculation reports whether arguments look like an interpreter
// calculation.
func isCalculation(args string) bool {
	lower := strings.ToLower(args)
	return strings.Contains(lower, "python3") && strings.Contains(lower, "calc")
}

// ---------- Definitions and arguments ----------

// MakeToolDefinition creates a ToolDefinition from name, description and a
// JSON Schema parameter map. The name is sanitized to match OpenAI's
// pattern.
func MakeToolDefinition(name, description string, params map[string]any) ToolDefinition {
	schema := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}
	if params != nil {
		schema = params
	}

	schemaJSON, _ := json.Marshal(schema)

	return ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        toolNameSanitizer.ReplaceAllString(name, "_"),
			Description: description,
			Parameters:  schemaJSON,
		},
	}
}

// decodeArgs parses JSON arguments into out, a pointer to a struct tagged
// with `json` names. Numbers and strings are converted loosely, so "5" and
// 5.0 both fill an int field.
func decodeArgs(raw string, out any) error {
	var m map[string]any
	if strings.TrimSpace(raw) == "" {
		m = map[string]any{}
	} else if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}
