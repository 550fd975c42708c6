// Package copilot – orchestrator.go is the entry point for a request. It
// builds the conversation (system prompts, stored history, the new message),
// hands it to the IterationManager and stores the outcome.
package copilot

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/aibotto/pkg/aibotto/database"
)

// HistoryStore persists conversation turns per (user, chat).
type HistoryStore interface {
	GetHistory(ctx context.Context, userID, chatID int64, limit int) ([]database.Message, error)
	SaveMessage(ctx context.Context, userID, chatID, messageID int64, role, content string) error
	ClearHistory(ctx context.Context, userID, chatID int64) (int64, error)
	ReplaceWithSummary(ctx context.Context, userID, chatID int64, summary string) error
}

// OrchestratorConfig holds the loop limits.
type OrchestratorConfig struct {
	// MaxIterations bounds LLM calls per request.
	MaxIterations int

	// HistoryLimit is how many stored turns are replayed.
	HistoryLimit int
}

// Orchestrator composes the LLM client, tool executor, tracker and history.
type Orchestrator struct {
	llm        ChatCompleter
	executor   *ToolExecutor
	tracker    *ToolTracker
	iterations *IterationManager
	history    HistoryStore

	// activeRuns serialises requests per session key. A request that
	// arrives while its session is busy waits for the running one.
	activeRuns   map[string]*sessionRun
	activeRunsMu sync.Mutex

	historyLimit int
	now          func() time.Time
	logger       *slog.Logger
}

// NewOrchestrator wires the request pipeline. history may be nil, in which
// case stateful requests run without stored context. When history is set,
// summarize_conversation is registered for stateful sessions.
func NewOrchestrator(llm ChatCompleter, executor *ToolExecutor, history HistoryStore, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		llm:          llm,
		executor:     executor,
		tracker:      executor.Tracker(),
		iterations:   NewIterationManager(llm, executor, cfg.MaxIterations, logger),
		history:      history,
		activeRuns:   make(map[string]*sessionRun),
		historyLimit: cfg.HistoryLimit,
		now:          time.Now,
		logger:       logger.With("component", "orchestrator"),
	}
	if history != nil {
		def, handler := NewSummarizeTool(llm, history, logger)
		executor.RegisterStateful(def, handler)
	}
	return o
}

// Tracker returns the shared tool-call tracker.
func (o *Orchestrator) Tracker() *ToolTracker {
	return o.tracker
}

// ProcessUserRequest answers a message in a stored conversation. Requests
// for the same (user, chat) run one at a time. The session's tracker state
// is reset first, so duplicate detection spans one request. The user
// message, assistant turns that requested tools and the final answer are
// stored. The returned text is always user-presentable.
func (o *Orchestrator) ProcessUserRequest(ctx context.Context, userID, chatID, messageID int64, text string) string {
	s := Session{
		Key:    SessionKey(userID, chatID),
		UserID: userID,
		ChatID: chatID,
		RunID:  uuid.NewString(),
	}
	logger := o.logger.With("run_id", s.RunID, "user_id", userID, "chat_id", chatID)

	defer o.acquireSession(s.Key, logger)()
	o.tracker.ResetSession(s.Key)

	logger.Info("processing request", "message_len", len(text))
	start := time.Now()

	history := o.loadHistory(ctx, s, logger)
	o.save(ctx, s, messageID, RoleUser, text, logger)

	messages := BaseMessages(o.iterations.MaxIterations(), o.now())
	messages = append(messages, history...)
	messages = append(messages, ChatMessage{Role: RoleUser, Content: text})

	out := o.iterations.Run(ctx, s, messages, func(ctx context.Context, turn ChatMessage) {
		o.save(ctx, s, 0, RoleAssistant, describeToolTurn(turn), logger)
	})

	role := RoleAssistant
	if out.State == StateExhausted || out.Err != nil {
		role = RoleSystem
	}
	o.save(ctx, s, 0, role, out.Response, logger)

	logger.Info("request finished",
		"state", out.State, "iterations", out.Iterations, "tool_calls", out.ToolCalls,
		"duration", time.Since(start))
	return out.Response
}

// ProcessPromptStateless answers a one-shot prompt without stored history.
// Stateless prompts share one session key and run one at a time. Tracker
// state for that session is cleared first, so consecutive prompts never see
// each other's calls.
func (o *Orchestrator) ProcessPromptStateless(ctx context.Context, text string) string {
	s := StatelessSession(uuid.NewString())
	logger := o.logger.With("run_id", s.RunID)

	defer o.acquireSession(s.Key, logger)()
	o.tracker.ResetStateless()

	logger.Info("processing stateless prompt", "message_len", len(text))
	start := time.Now()

	messages := BaseMessages(o.iterations.MaxIterations(), o.now())
	messages = append(messages, ChatMessage{Role: RoleUser, Content: text})

	out := o.iterations.Run(ctx, s, messages, nil)

	logger.Info("stateless prompt finished",
		"state", out.State, "iterations", out.Iterations, "tool_calls", out.ToolCalls,
		"duration", time.Since(start))
	return out.Response
}

// ClearHistory deletes the stored conversation and the tracker state of
// (user, chat).
func (o *Orchestrator) ClearHistory(ctx context.Context, userID, chatID int64) (int64, error) {
	key := SessionKey(userID, chatID)
	defer o.acquireSession(key, o.logger)()
	o.tracker.ResetSession(key)
	if o.history == nil {
		return 0, nil
	}
	return o.history.ClearHistory(ctx, userID, chatID)
}

// CleanupOldEntries drops empty tracker sessions. It bounds memory only;
// sessions holding calls are not evicted by age.
func (o *Orchestrator) CleanupOldEntries() int {
	return o.tracker.CleanupOldEntries()
}

// loadHistory returns stored turns as chat messages. Failures are logged and
// yield an empty history.
func (o *Orchestrator) loadHistory(ctx context.Context, s Session, logger *slog.Logger) []ChatMessage {
	if o.history == nil || o.historyLimit <= 0 {
		return nil
	}
	rows, err := o.history.GetHistory(ctx, s.UserID, s.ChatID, o.historyLimit)
	if err != nil {
		logger.Error("failed to load history", "error", err)
		return nil
	}
	msgs := make([]ChatMessage, 0, len(rows))
	for _, r := range rows {
		switch r.Role {
		case RoleUser, RoleAssistant, RoleSystem:
			msgs = append(msgs, ChatMessage{Role: r.Role, Content: r.Content})
		}
	}
	return msgs
}

func (o *Orchestrator) save(ctx context.Context, s Session, messageID int64, role, content string, logger *slog.Logger) {
	if o.history == nil || content == "" {
		return
	}
	if err := o.history.SaveMessage(ctx, s.UserID, s.ChatID, messageID, role, content); err != nil {
		logger.Error("failed to save message", "role", role, "error", err)
	}
}

// describeToolTurn renders an assistant tool-request turn for storage. Tool
// arguments are left out.
func describeToolTurn(turn ChatMessage) string {
	names := make([]string, 0, len(turn.ToolCalls))
	for _, c := range turn.ToolCalls {
		names = append(names, c.Function.Name)
	}
	summary := "[used tools: " + strings.Join(names, ", ") + "]"
	if c := strings.TrimSpace(turn.Content); c != "" {
		return c + "\n" + summary
	}
	return summary
}

// ---------- Session serialisation ----------

// sessionRun is the lock of one busy session. waiters counts the holder and
// every request queued behind it; the entry is dropped when it reaches zero.
type sessionRun struct {
	mu      sync.Mutex
	waiters int
}

// acquireSession blocks until no other request holds the session key and
// returns the release function.
func (o *Orchestrator) acquireSession(key string, logger *slog.Logger) func() {
	o.activeRunsMu.Lock()
	run, ok := o.activeRuns[key]
	if !ok {
		run = &sessionRun{}
		o.activeRuns[key] = run
	}
	run.waiters++
	queued := run.waiters - 1
	o.activeRunsMu.Unlock()

	if queued > 0 {
		logger.Info("session busy, waiting for active run", "session", key, "queued", queued)
	}
	run.mu.Lock()

	return func() {
		run.mu.Unlock()
		o.activeRunsMu.Lock()
		run.waiters--
		if run.waiters == 0 {
			delete(o.activeRuns, key)
		}
		o.activeRunsMu.Unlock()
	}
}
