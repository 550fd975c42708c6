package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// newChatCmd creates the `aibotto chat` REPL.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive prompt loop",
		Long: `Start an interactive session. Every line is answered as an independent
stateless prompt. Type /exit (or press Ctrl+D) to quit; Ctrl+C cancels the
prompt in progress.

Examples:
  aibotto chat`,
		Args: cobra.NoArgs,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	rt, err := newStatelessRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36maibotto>\033[0m ",
		HistoryFile:     chatHistoryFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "/exit",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	renderer := newRenderer(os.Stdout)
	fmt.Fprintln(out, "Type /exit to quit.")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		answer, interrupted := answerInterruptibly(cmd.Context(), func(ctx context.Context) string {
			return rt.Orchestrator.ProcessPromptStateless(ctx, line)
		})
		if interrupted {
			fmt.Fprintln(out, "(cancelled)")
			continue
		}
		writeAnswer(out, renderer, answer)
	}
}

// answerInterruptibly runs fn with a context cancelled by SIGINT.
func answerInterruptibly(parent context.Context, fn func(context.Context) string) (string, bool) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT)
	defer stop()
	answer := fn(ctx)
	return answer, ctx.Err() != nil && parent.Err() == nil
}

// chatHistoryFile returns the readline history path, or "" when the home
// directory is unknown.
func chatHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aibotto_history")
}
