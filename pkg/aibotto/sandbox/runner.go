// Package sandbox runs shell commands for the execute_cli_command tool.
//
// It is not an isolation boundary. Commands run as the bot's user through
// /bin/sh -c; the runner only captures output, caps its size and kills the
// whole process group when the context is cancelled.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// Config holds the runner configuration.
type Config struct {
	// Shell is the interpreter used with -c. Defaults to /bin/sh.
	Shell string `yaml:"shell"`

	// WorkDir is the working directory for commands. Empty means the
	// process working directory.
	WorkDir string `yaml:"work_dir"`

	// MaxOutputBytes limits the captured size of stdout and of stderr.
	// Defaults to 1MB each.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// BlockedEnv names variables stripped from the child environment.
	BlockedEnv []string `yaml:"blocked_env"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Shell:          "/bin/sh",
		MaxOutputBytes: 1 << 20,
		BlockedEnv: []string{
			"TELEGRAM_TOKEN",
			"OPENAI_API_KEY",
			"DISCORD_TOKEN",
		},
	}
}

// Result holds the outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Killed is true when the context ended before the command did.
	Killed bool

	// Truncated is true when either stream hit MaxOutputBytes.
	Truncated bool
}

// Success reports whether the command exited with status zero.
func (r *Result) Success() bool { return r.ExitCode == 0 && !r.Killed }

// Runner executes shell commands.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a runner. Zero config fields take their defaults.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.Shell == "" {
		cfg.Shell = def.Shell
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "sandbox")}
}

// Run executes command through the shell and waits for it. A non-zero exit
// is reported in the Result, not as an error; err is only set when the
// process could not be started.
func (r *Runner) Run(ctx context.Context, command string) (*Result, error) {
	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", command)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	cmd.Env = r.buildEnv()
	setProcessGroup(cmd)

	stdout := &cappedBuffer{max: r.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: r.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	res := &Result{
		Stdout:    decodeLossy(stdout.Bytes()),
		Stderr:    decodeLossy(stderr.Bytes()),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("executing command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			res.Killed = true
		}
	}

	r.logger.Debug("command finished",
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
		"killed", res.Killed,
	)
	return res, nil
}

func (r *Runner) buildEnv() []string {
	if len(r.cfg.BlockedEnv) == 0 {
		return os.Environ()
	}
	blocked := make(map[string]bool, len(r.cfg.BlockedEnv))
	for _, k := range r.cfg.BlockedEnv {
		blocked[k] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if blocked[key] {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// decodeLossy drops invalid UTF-8 sequences.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "")
}

// cappedBuffer keeps the first max bytes written and discards the rest
// without failing the writer, so the child never sees EPIPE.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte { return c.buf.Bytes() }
