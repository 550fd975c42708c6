// Package copilot – iteration.go drives the bounded LLM ↔ tool loop for one
// request as an explicit state machine:
//
//	RUNNING(i) ──i ≥ max──────────────▶ EXHAUSTED
//	RUNNING(i) ──LLM error────────────▶ DONE(error message)
//	RUNNING(i) ──final answer─────────▶ DONE(answer)
//	RUNNING(i) ──tool calls───────────▶ RUNNING(i+1)
//
// The LLM is called at most max times per request.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// lowTurnsThreshold is the remaining-turn count at which the model is told
// to wrap up.
const lowTurnsThreshold = 3

// IterationState is a state of the tool-calling loop.
type IterationState int

const (
	StateRunning IterationState = iota
	StateDone
	StateExhausted
)

// String returns the state name.
func (s IterationState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ExhaustedMessage is the answer when the loop runs out of iterations.
func ExhaustedMessage(maxIterations int) string {
	return fmt.Sprintf("Reached maximum iterations (%d) without getting a final response.", maxIterations)
}

// IterationOutcome is the terminal result of Run.
type IterationOutcome struct {
	// State is StateDone or StateExhausted.
	State IterationState

	// Response is the text to show the user.
	Response string

	// Iterations is the number of LLM calls made.
	Iterations int

	// ToolCalls counts tool calls executed across all iterations.
	ToolCalls int

	// Err is set when the loop ended because the LLM call failed.
	Err error
}

// ToolTurnFunc observes each assistant turn that requested tools, before the
// tools run.
type ToolTurnFunc func(ctx context.Context, turn ChatMessage)

// IterationManager runs the loop for one request at a time; it holds no
// per-request state and may be shared.
type IterationManager struct {
	llm           ChatCompleter
	executor      *ToolExecutor
	maxIterations int
	logger        *slog.Logger
}

// NewIterationManager creates a manager. maxIterations below 1 is treated
// as 1.
func NewIterationManager(llm ChatCompleter, executor *ToolExecutor, maxIterations int, logger *slog.Logger) *IterationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &IterationManager{
		llm:           llm,
		executor:      executor,
		maxIterations: max(maxIterations, 1),
		logger:        logger.With("component", "iteration"),
	}
}

// MaxIterations returns the loop bound.
func (m *IterationManager) MaxIterations() int {
	return m.maxIterations
}

// loopState is the mutable state of one Run.
type loopState struct {
	state     IterationState
	iteration int
	messages  []ChatMessage
	outcome   IterationOutcome
}

// Run drives the loop over messages until it reaches DONE or EXHAUSTED.
// onToolTurn may be nil.
func (m *IterationManager) Run(ctx context.Context, s Session, messages []ChatMessage, onToolTurn ToolTurnFunc) IterationOutcome {
	ls := &loopState{
		state:    StateRunning,
		messages: messages,
	}
	tools := m.executor.Tools(s)

	for ls.state == StateRunning {
		m.step(ctx, s, ls, tools, onToolTurn)
	}

	ls.outcome.State = ls.state
	ls.outcome.Iterations = ls.iteration
	if ls.state == StateExhausted {
		ls.outcome.Response = ExhaustedMessage(m.maxIterations)
		m.logger.Error("iteration limit reached",
			"max", m.maxIterations, "session", s.Key, "run_id", s.RunID, "tool_calls", ls.outcome.ToolCalls)
	}
	return ls.outcome
}

// step performs one transition out of RUNNING.
func (m *IterationManager) step(ctx context.Context, s Session, ls *loopState, tools []ToolDefinition, onToolTurn ToolTurnFunc) {
	if ls.iteration >= m.maxIterations {
		ls.state = StateExhausted
		return
	}
	ls.iteration++

	if remaining := m.maxIterations - ls.iteration; remaining <= lowTurnsThreshold {
		ls.messages = append(ls.messages, lowTurnsWarning(remaining))
	}

	m.logger.Info("LLM call",
		"iteration", ls.iteration, "max", m.maxIterations, "messages", len(ls.messages), "run_id", s.RunID)
	start := time.Now()
	resp, err := m.llm.Complete(ctx, ls.messages, tools)
	if err != nil {
		m.logger.Error("LLM call failed",
			"iteration", ls.iteration, "run_id", s.RunID, "kind", ErrorKind(err), "error", err)
		ls.state = StateDone
		ls.outcome.Response = MsgLLMError
		ls.outcome.Err = err
		return
	}
	m.logger.Info("LLM call finished",
		"iteration", ls.iteration, "duration", time.Since(start), "tool_calls", len(resp.ToolCalls),
		"tokens", resp.Usage.TotalTokens, "run_id", s.RunID)

	if len(resp.ToolCalls) == 0 {
		ls.state = StateDone
		ls.outcome.Response = resp.Content
		return
	}

	calls := ensureCallIDs(resp.ToolCalls)
	turn := ChatMessage{Role: RoleAssistant, Content: resp.Content, ToolCalls: calls}
	ls.messages = append(ls.messages, turn)
	if onToolTurn != nil {
		onToolTurn(ctx, turn)
	}

	s.Iteration = ls.iteration
	results := m.executor.Execute(ctx, s, calls)
	for _, r := range results {
		ls.messages = append(ls.messages, r.Message())
	}
	ls.outcome.ToolCalls += len(results)
}

// ensureCallIDs fills missing tool call IDs so every result can reference
// its request.
func ensureCallIDs(calls []ToolCall) []ToolCall {
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		if c.Type == "" {
			c.Type = "function"
		}
		out[i] = c
	}
	return out
}
