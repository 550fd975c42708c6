// Package commands implements the aibotto CLI commands using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jholhewres/aibotto/pkg/aibotto/copilot"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aibotto",
		Short: "aibotto - LLM chat bot with tool calling",
		Long: `aibotto is a chat bot that forwards messages to an OpenAI-compatible LLM,
lets it run shell commands, search the web and fetch pages, and relays the
answer back over Telegram (and optionally Discord).

Examples:
  aibotto serve
  aibotto prompt "What is the weather in Lisbon?"
  aibotto chat
  aibotto security check "rm -rf /"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newPromptCmd(),
		newChatCmd(),
		newSetupCmd(),
		newSecurityCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// ExitError carries a specific process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// loadConfig reads the config file named by --config (or the first one
// found), applies the environment and fills missing secrets from the OS
// keyring.
func loadConfig(cmd *cobra.Command) (*copilot.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := copilot.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	copilot.ResolveSecrets(cfg, slog.Default())
	return cfg, nil
}

// newLogger builds the process logger. fallback is the level used when the
// config does not set one; --verbose always forces debug.
func newLogger(cmd *cobra.Command, cfg copilot.LoggingConfig, w io.Writer, fallback slog.Level) *slog.Logger {
	level := fallback
	if cfg.Level != "" {
		level = parseLevel(cfg.Level, fallback)
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}
