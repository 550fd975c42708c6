package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// rulesFile mirrors the reload file. Pointer fields distinguish "absent"
// from "empty" so missing keys keep their current values.
type rulesFile struct {
	MaxCommandLength      *int      `json:"MAX_COMMAND_LENGTH"`
	AllowedCommands       *[]string `json:"ALLOWED_COMMANDS"`
	BlockedCommands       *[]string `json:"BLOCKED_COMMANDS"`
	CustomBlockedPatterns *[]string `json:"CUSTOM_BLOCKED_PATTERNS"`
	EnableAuditLogging    *bool     `json:"ENABLE_AUDIT_LOGGING"`
}

// ParseRules overlays the JSON document onto base and returns the result.
func ParseRules(data []byte, base Rules) (Rules, error) {
	var f rulesFile
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil {
		return Rules{}, fmt.Errorf("parsing security rules: %w", err)
	}

	out := base.clone()
	if f.MaxCommandLength != nil {
		if *f.MaxCommandLength <= 0 {
			return Rules{}, fmt.Errorf("MAX_COMMAND_LENGTH must be positive, got %d", *f.MaxCommandLength)
		}
		out.MaxCommandLength = *f.MaxCommandLength
	}
	if f.AllowedCommands != nil {
		out.AllowedCommands = *f.AllowedCommands
	}
	if f.BlockedCommands != nil {
		out.BlockedCommands = *f.BlockedCommands
	}
	if f.CustomBlockedPatterns != nil {
		out.CustomBlockedPatterns = *f.CustomBlockedPatterns
	}
	if f.EnableAuditLogging != nil {
		out.EnableAuditLogging = *f.EnableAuditLogging
	}
	return out.normalized(), nil
}

// LoadRulesFile reads path and overlays it onto base.
func LoadRulesFile(path string, base Rules) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading security rules %q: %w", path, err)
	}
	return ParseRules(data, base)
}

// ReloadFromFile swaps in the rules from path. On any failure the error is
// logged, the previous rules stay active and the error is returned.
// Concurrent reloads of the same path share one read.
func (g *Gate) ReloadFromFile(path string) error {
	_, err, _ := g.reloads.Do(path, func() (any, error) {
		next, err := LoadRulesFile(path, g.Rules())
		if err != nil {
			return nil, err
		}
		g.SetRules(next)
		return nil, nil
	})
	if err != nil {
		g.logger.Error("failed to reload security rules, keeping previous rules",
			"path", path, "error", err)
		return err
	}

	s := g.Rules().Summary()
	g.logger.Info("security rules reloaded",
		"path", path,
		"max_command_length", s.MaxCommandLength,
		"allowed", s.AllowedCommandsCount,
		"blocked", s.BlockedCommandsCount,
		"custom_patterns", s.CustomPatternsCount,
	)
	return nil
}
