// Package copilot – tool_tracker.go records which tool calls each
// conversation has already executed so repeated or thrashing calls can be
// skipped before they reach a handler.
//
// Calls are identified by a fingerprint: SHA-256 over the function name and
// the canonical form of its JSON arguments (object keys sorted, whitespace
// dropped, NFC-normalized). Two calls that differ only in argument
// formatting share a fingerprint.
package copilot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// StatelessSessionKey partitions tracking state for one-shot requests
// (CLI, HTTP API, scheduled prompts).
const StatelessSessionKey = "user_cli_session"

const (
	// maxSameFunctionCalls is how many distinct calls of one function a
	// session may make before further calls are refused.
	maxSameFunctionCalls = 3

	// maxCostlyCalls is the same limit for calls whose arguments match a
	// costly pattern.
	maxCostlyCalls = 1
)

// costlyPatterns mark arguments that start an interpreter.
var costlyPatterns = []string{"python3"}

// SessionKey returns the tracking key for a user in a chat. A zero chat ID
// means a private conversation.
func SessionKey(userID, chatID int64) string {
	if chatID == 0 {
		return fmt.Sprintf("user_%d", userID)
	}
	return fmt.Sprintf("%d_%d", userID, chatID)
}

// Fingerprint returns the identity of a tool call.
func Fingerprint(name, arguments string) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(norm.NFC.Bytes(canonicalArgs(arguments)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalArgs re-encodes valid JSON with sorted keys and no insignificant
// whitespace. Anything else is used trimmed.
func canonicalArgs(arguments string) []byte {
	raw := strings.TrimSpace(arguments)
	if raw == "" {
		return []byte("{}")
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return []byte(raw)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return []byte(raw)
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// TrackVerdict is the outcome of Admit for one call.
type TrackVerdict struct {
	// Duplicate is set when the exact call already ran in the session. The
	// call is not recorded again.
	Duplicate bool

	// Similar is set when the session ran the same function with different
	// arguments.
	Similar bool

	// PreventRetry is set when the function has been called too often.
	PreventRetry bool
}

// ToolTracker holds executed-call fingerprints per session. It is safe for
// concurrent use; one instance is shared by all conversations.
type ToolTracker struct {
	mu sync.Mutex
	// sessions maps session key → fingerprint → function name.
	sessions map[string]map[string]string

	logger *slog.Logger
}

// NewToolTracker creates an empty tracker.
func NewToolTracker(logger *slog.Logger) *ToolTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolTracker{
		sessions: make(map[string]map[string]string),
		logger:   logger.With("component", "tool_tracker"),
	}
}

// IsDuplicate reports whether the exact call was already recorded for the
// session. It does not record anything.
func (t *ToolTracker) IsDuplicate(name, arguments, session string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isDuplicateLocked(Fingerprint(name, arguments), session)
}

// IsSimilar reports whether the session recorded a call to the same function
// with different arguments.
func (t *ToolTracker) IsSimilar(name, arguments, session string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isSimilarLocked(name, Fingerprint(name, arguments), session)
}

// ShouldPreventRetry reports whether another call to the function should be
// refused: more than maxSameFunctionCalls distinct calls, or more than
// maxCostlyCalls when the arguments match a costly pattern.
func (t *ToolTracker) ShouldPreventRetry(name, arguments, session string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shouldPreventLocked(name, arguments, session)
}

// Track records the call for the session.
func (t *ToolTracker) Track(name, arguments, session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackLocked(name, Fingerprint(name, arguments), session)
}

// Admit runs the duplicate check, records the call when it is new, then
// evaluates the similarity and retry checks, all under one lock. Concurrent
// identical calls from one LLM turn therefore run at most once.
func (t *ToolTracker) Admit(name, arguments, session string) TrackVerdict {
	fp := Fingerprint(name, arguments)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isDuplicateLocked(fp, session) {
		t.logger.Warn("duplicate tool call",
			"tool", name, "session", session,
			"args", truncate(arguments, 100))
		return TrackVerdict{Duplicate: true}
	}
	t.trackLocked(name, fp, session)

	v := TrackVerdict{
		Similar:      t.isSimilarLocked(name, fp, session),
		PreventRetry: t.shouldPreventLocked(name, arguments, session),
	}
	if v.Similar {
		t.logger.Info("similar tool call", "tool", name, "session", session)
	}
	if v.PreventRetry {
		t.logger.Warn("tool retry limit reached", "tool", name, "session", session,
			"calls", t.countLocked(name, session))
	}
	return v
}

// ResetSession forgets every call recorded for the session. The emptied
// entry stays until CleanupOldEntries.
func (t *ToolTracker) ResetSession(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if calls, ok := t.sessions[session]; ok {
		clear(calls)
	}
}

// ResetStateless forgets the calls of the stateless session so one-shot
// requests never see each other's history.
func (t *ToolTracker) ResetStateless() {
	t.ResetSession(StatelessSessionKey)
}

// CleanupOldEntries drops sessions with no recorded calls and returns how
// many were removed. Sessions that still hold calls are kept regardless of
// age.
func (t *ToolTracker) CleanupOldEntries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, calls := range t.sessions {
		if len(calls) == 0 {
			delete(t.sessions, key)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("tracker cleanup", "removed", removed, "remaining", len(t.sessions))
	}
	return removed
}

// SessionCount returns the number of tracked sessions, empty ones included.
func (t *ToolTracker) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ---------- Locked helpers ----------

func (t *ToolTracker) isDuplicateLocked(fp, session string) bool {
	_, ok := t.sessions[session][fp]
	return ok
}

func (t *ToolTracker) trackLocked(name, fp, session string) {
	calls, ok := t.sessions[session]
	if !ok {
		calls = make(map[string]string)
		t.sessions[session] = calls
	}
	calls[fp] = name
}

func (t *ToolTracker) isSimilarLocked(name, fp, session string) bool {
	for other, fn := range t.sessions[session] {
		if fn == name && other != fp {
			return true
		}
	}
	return false
}

func (t *ToolTracker) countLocked(name, session string) int {
	n := 0
	for _, fn := range t.sessions[session] {
		if fn == name {
			n++
		}
	}
	return n
}

func (t *ToolTracker) shouldPreventLocked(name, arguments, session string) bool {
	n := t.countLocked(name, session)
	if n > maxSameFunctionCalls {
		return true
	}
	lower := strings.ToLower(arguments)
	for _, p := range costlyPatterns {
		if strings.Contains(lower, p) {
			return n > maxCostlyCalls
		}
	}
	return false
}
