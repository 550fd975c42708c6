// Package copilot – tools_cli.go implements execute_cli_command: the command
// is checked by the security gate, then run through the sandbox shell
// runner.
package copilot

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/aibotto/pkg/aibotto/copilot/security"
	"github.com/jholhewres/aibotto/pkg/aibotto/sandbox"
)

// ToolCLI is the name of the shell command tool.
const ToolCLI = "execute_cli_command"

// CommandValidator decides whether a command may run.
type CommandValidator interface {
	Validate(command string) security.Decision
}

// CommandRunner executes a shell command.
type CommandRunner interface {
	Run(ctx context.Context, command string) (*sandbox.Result, error)
}

type cliArgs struct {
	Command string `json:"command"`
}

// NewCLITool returns the definition and handler of execute_cli_command.
func NewCLITool(gate CommandValidator, runner CommandRunner, logger *slog.Logger) (ToolDefinition, ToolHandlerFunc) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tool", ToolCLI)

	def := MakeToolDefinition(ToolCLI,
		"Execute safe CLI commands to get factual information. "+
			"Supports system commands and Python 3 code execution. "+
			"For Python: use python3 -c 'your_code_here'",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type": "string",
					"description": "The CLI command to execute. For Python 3 code, use: python3 -c 'your_code_here'. " +
						"Available: system commands (date, ls, etc.) and the Python 3 interpreter only.",
				},
			},
			"required": []string{"command"},
		})

	handler := func(ctx context.Context, raw string) (string, error) {
		var args cliArgs
		if err := decodeArgs(raw, &args); err != nil {
			return "", failf("Error parsing arguments: %v", err)
		}
		if strings.TrimSpace(args.Command) == "" {
			return "", failf("No command provided")
		}

		if d := gate.Validate(args.Command); !d.Allowed {
			logger.Warn("command blocked", "check", d.Check, "command", truncate(args.Command, 100))
			return d.Message, nil
		}

		res, err := runner.Run(ctx, args.Command)
		if err != nil {
			return "", failf("Error executing command: %v", err)
		}
		if res.Killed {
			return "", failf("Error: command terminated after %s", res.Duration.Round(time.Millisecond))
		}
		if !res.Success() {
			logger.Info("command failed", "exit_code", res.ExitCode, "command", truncate(args.Command, 100))
			return "", failf("Error: %s", res.Stderr)
		}

		out := res.Stdout
		if strings.TrimSpace(out) == "" {
			out = "Command executed successfully (no output)"
		}
		if res.Truncated {
			out += "\n... [output truncated]"
		}
		return out, nil
	}
	return def, handler
}
