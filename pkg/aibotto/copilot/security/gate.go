// Package security – gate.go implements the command gate that every shell
// command requested by the LLM passes through before execution. The gate is a
// best-effort string filter (length, blocklist, custom patterns, allowlist),
// not a sandbox.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxCommandLength is the longest command accepted by default.
const DefaultMaxCommandLength = 300000

// Rejection messages returned to the LLM as tool output.
const (
	msgNotAllowed      = "Error: Command not allowed for security reasons"
	msgBlockedPattern  = "Error: Command matches blocked pattern for security reasons"
	msgNotInAllowed    = "Error: Command not in allowed list"
	msgTooLongTemplate = "Error: Command too long (max %d characters)"
)

// Check identifiers recorded in decisions and audit rows.
const (
	CheckLength    = "length"
	CheckBlocklist = "blocklist"
	CheckFormat    = "format"
	CheckCustom    = "custom_pattern"
	CheckAllowlist = "allowlist"
)

// defaultBlockedCommands are rejected wherever they appear in the lowercased
// command. The "format" entries only match at the start of a token.
var defaultBlockedCommands = []string{
	"rm -rf",
	"sudo",
	"dd",
	"mkfs",
	"fdisk",
	"format ",
	"format=",
	"format/",
	"shutdown",
	"reboot",
	"poweroff",
	"halt",
}

// Rules is the active rule set. JSON keys match the reload file format.
type Rules struct {
	MaxCommandLength      int      `json:"MAX_COMMAND_LENGTH" yaml:"max_command_length"`
	AllowedCommands       []string `json:"ALLOWED_COMMANDS" yaml:"allowed_commands"`
	BlockedCommands       []string `json:"BLOCKED_COMMANDS" yaml:"blocked_commands"`
	CustomBlockedPatterns []string `json:"CUSTOM_BLOCKED_PATTERNS" yaml:"custom_blocked_patterns"`
	EnableAuditLogging    bool     `json:"ENABLE_AUDIT_LOGGING" yaml:"enable_audit_logging"`
}

// DefaultRules returns the built-in rule set: no allowlist, the destructive
// command blocklist and audit logging on.
func DefaultRules() Rules {
	return Rules{
		MaxCommandLength:   DefaultMaxCommandLength,
		BlockedCommands:    append([]string(nil), defaultBlockedCommands...),
		EnableAuditLogging: true,
	}
}

// clone deep-copies the slices so callers can't mutate a published rule set.
func (r Rules) clone() Rules {
	out := r
	out.AllowedCommands = append([]string(nil), r.AllowedCommands...)
	out.BlockedCommands = append([]string(nil), r.BlockedCommands...)
	out.CustomBlockedPatterns = append([]string(nil), r.CustomBlockedPatterns...)
	return out
}

// normalized drops empty entries and lowercases patterns so matching against
// the lowercased command is consistent.
func (r Rules) normalized() Rules {
	out := r.clone()
	if out.MaxCommandLength <= 0 {
		out.MaxCommandLength = DefaultMaxCommandLength
	}
	out.AllowedCommands = compact(out.AllowedCommands, false)
	out.BlockedCommands = compact(out.BlockedCommands, true)
	out.CustomBlockedPatterns = compact(out.CustomBlockedPatterns, true)
	return out
}

func compact(in []string, lower bool) []string {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if lower {
			s = strings.ToLower(s)
		}
		out = append(out, s)
	}
	return out
}

// Summary is a count-level view of the rules for status output.
type Summary struct {
	MaxCommandLength     int  `json:"max_command_length"`
	AllowedCommandsCount int  `json:"allowed_commands_count"`
	BlockedCommandsCount int  `json:"blocked_commands_count"`
	CustomPatternsCount  int  `json:"custom_patterns_count"`
	AuditLoggingEnabled  bool `json:"audit_logging_enabled"`
	HasAllowlist         bool `json:"has_allowlist"`
}

// Summary returns counts for the rule set.
func (r Rules) Summary() Summary {
	return Summary{
		MaxCommandLength:     r.MaxCommandLength,
		AllowedCommandsCount: len(r.AllowedCommands),
		BlockedCommandsCount: len(r.BlockedCommands),
		CustomPatternsCount:  len(r.CustomBlockedPatterns),
		AuditLoggingEnabled:  r.EnableAuditLogging,
		HasAllowlist:         len(r.AllowedCommands) > 0,
	}
}

// Decision is the outcome of validating one command.
type Decision struct {
	Allowed bool
	Message string
	// Check names the rule that rejected the command; empty when allowed.
	Check string
	// Pattern is the blocklist entry or custom pattern that matched, if any.
	Pattern string
}

// AuditSink persists gate decisions.
type AuditSink interface {
	RecordDecision(ctx context.Context, command string, d Decision) error
}

// Gate validates commands against a hot-swappable rule set.
type Gate struct {
	rules  atomic.Pointer[Rules]
	logger *slog.Logger

	sinkMu sync.RWMutex
	sink   AuditSink

	reloads singleflight.Group
}

// NewGate creates a gate with the given rules.
func NewGate(rules Rules, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{logger: logger.With("component", "security_gate")}
	g.SetRules(rules)
	return g
}

// SetAuditSink attaches a sink that receives every decision while audit
// logging is enabled.
func (g *Gate) SetAuditSink(sink AuditSink) {
	g.sinkMu.Lock()
	defer g.sinkMu.Unlock()
	g.sink = sink
}

// SetRules atomically replaces the active rule set.
func (g *Gate) SetRules(rules Rules) {
	r := rules.normalized()
	g.rules.Store(&r)
}

// Rules returns a copy of the active rule set.
func (g *Gate) Rules() Rules {
	return g.rules.Load().clone()
}

// Validate checks a command against the active rules. First failing check
// wins. For a fixed rule set the result depends only on the command.
func (g *Gate) Validate(command string) Decision {
	rules := g.rules.Load()
	d := evaluate(rules, command)
	if rules.EnableAuditLogging {
		g.audit(command, d)
	}
	return d
}

func evaluate(rules *Rules, command string) Decision {
	if len(command) > rules.MaxCommandLength {
		return Decision{
			Message: fmt.Sprintf(msgTooLongTemplate, rules.MaxCommandLength),
			Check:   CheckLength,
		}
	}

	lower := strings.ToLower(command)
	tokens := strings.Fields(command)

	for _, blocked := range rules.BlockedCommands {
		if isFormatEntry(blocked) {
			if hasFormatToken(tokens) {
				return Decision{Message: msgNotAllowed, Check: CheckFormat, Pattern: blocked}
			}
			continue
		}
		if strings.Contains(lower, blocked) {
			return Decision{Message: msgNotAllowed, Check: CheckBlocklist, Pattern: blocked}
		}
	}

	for _, pattern := range rules.CustomBlockedPatterns {
		if strings.Contains(lower, pattern) {
			return Decision{Message: msgBlockedPattern, Check: CheckCustom, Pattern: pattern}
		}
	}

	if len(rules.AllowedCommands) > 0 {
		first := ""
		if len(tokens) > 0 {
			first = tokens[0]
		}
		allowed := false
		for _, entry := range rules.AllowedCommands {
			if strings.Contains(first, entry) {
				allowed = true
				break
			}
		}
		if !allowed {
			return Decision{Message: msgNotInAllowed, Check: CheckAllowlist}
		}
	}

	return Decision{Allowed: true}
}

// isFormatEntry reports whether a blocklist entry belongs to the "format"
// family, which is matched per token because "format" is common in URLs.
func isFormatEntry(entry string) bool {
	return strings.HasPrefix(entry, "format")
}

func hasFormatToken(tokens []string) bool {
	for _, t := range tokens {
		if strings.HasPrefix(t, "format") || strings.HasPrefix(t, "/format") {
			return true
		}
	}
	return false
}

func (g *Gate) audit(command string, d Decision) {
	preview := truncate(command, 80)
	if d.Allowed {
		g.logger.Info("command allowed", "command", preview)
	} else {
		g.logger.Warn("command blocked",
			"command", preview,
			"check", d.Check,
			"pattern", d.Pattern,
		)
	}

	g.sinkMu.RLock()
	sink := g.sink
	g.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	if err := sink.RecordDecision(context.Background(), command, d); err != nil {
		g.logger.Warn("failed to persist audit record", "error", err)
	}
}

// truncate cuts s to at most n bytes, backing up to a rune start.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
