package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jholhewres/aibotto/pkg/aibotto/copilot"
	"github.com/spf13/cobra"
)

// exitInterrupted is the conventional exit status after SIGINT.
const exitInterrupted = 130

// newPromptCmd creates the `aibotto prompt` command for one-shot questions.
func newPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt <text...>",
		Short: "Answer a single prompt and exit",
		Long: `Send one prompt through the tool-calling loop without conversation
history and print the answer. Markdown is rendered when stdout is a terminal.

Examples:
  aibotto prompt "What time is it in Tokyo?"
  aibotto prompt list the files in /tmp`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPrompt,
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func runPrompt(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return errors.New("prompt is empty")
	}

	rt, err := newStatelessRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	answer := rt.Orchestrator.ProcessPromptStateless(ctx, text)
	if ctx.Err() != nil {
		return &ExitError{Code: exitInterrupted}
	}

	out := cmd.OutOrStdout()
	writeAnswer(out, newRenderer(out), answer)
	return nil
}

// newStatelessRuntime loads and validates the config and builds a runtime
// without a database. Logs go to stderr at warn unless --verbose.
func newStatelessRuntime(cmd *cobra.Command) (*copilot.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(false); err != nil {
		return nil, err
	}

	logger := newLogger(cmd, copilot.LoggingConfig{Format: cfg.Logging.Format}, os.Stderr, slog.LevelWarn)
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return copilot.NewRuntime(ctx, cfg, copilot.RuntimeOptions{}, logger)
}
