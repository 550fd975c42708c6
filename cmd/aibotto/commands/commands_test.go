package commands

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/aibotto/pkg/aibotto/copilot"
)

// clearEnv blanks the variables that would override the test config.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "TELEGRAM_TOKEN", "DISCORD_TOKEN", "SECURITY_CONFIG_PATH",
		"ALLOWED_COMMANDS", "CUSTOM_BLOCKED_PATTERNS", "MAX_COMMAND_LENGTH", "DATABASE_PATH"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := NewRootCmd("test")
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

const validConfig = `
api:
  api_key: test-key
channels:
  telegram:
    token: "123:abc"
gateway:
  auth_token: gateway-secret-token
`

func TestSecurityCheck(t *testing.T) {
	clearEnv(t)
	cfg := writeConfig(t, validConfig)

	out, err := run(t, "--config", cfg, "security", "check", "ls -la")
	if err != nil || !strings.Contains(out, "allowed") {
		t.Errorf("ls: out %q, err %v", out, err)
	}

	out, err = run(t, "--config", cfg, "security", "check", "sudo rm -rf /")
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 1 {
		t.Fatalf("sudo: err = %v", err)
	}
	if !strings.Contains(out, "rejected") || !strings.Contains(out, "not allowed") {
		t.Errorf("sudo: out %q", out)
	}
}

func TestSecurityCheck_Allowlist(t *testing.T) {
	clearEnv(t)
	cfg := writeConfig(t, validConfig+`
security:
  rules:
    max_command_length: 1000
    allowed_commands: [ls, date]
`)
	if _, err := run(t, "--config", cfg, "security", "check", "date -u"); err != nil {
		t.Errorf("date: %v", err)
	}
	out, err := run(t, "--config", cfg, "security", "check", "curl example.com")
	if err == nil || !strings.Contains(out, "allowlist") {
		t.Errorf("curl: out %q, err %v", out, err)
	}
}

func TestSecurityReload(t *testing.T) {
	clearEnv(t)
	cfg := writeConfig(t, validConfig)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	os.WriteFile(good, []byte(`{"ALLOWED_COMMANDS": ["ls"], "MAX_COMMAND_LENGTH": 50}`), 0o600)
	out, err := run(t, "--config", cfg, "security", "reload", good)
	if err != nil || !strings.Contains(out, "valid") || !strings.Contains(out, "50") {
		t.Errorf("good file: out %q, err %v", out, err)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"ALLOWED_COMMANDS": `), 0o600)
	if _, err := run(t, "--config", cfg, "security", "reload", bad); err == nil {
		t.Error("malformed file accepted")
	}

	if _, err := run(t, "--config", cfg, "security", "reload"); err == nil {
		t.Error("expected error without a file")
	}
}

func TestConfigValidate(t *testing.T) {
	clearEnv(t)

	out, err := run(t, "--config", writeConfig(t, validConfig), "config", "validate")
	if err != nil || !strings.Contains(out, "valid") {
		t.Errorf("valid config: out %q, err %v", out, err)
	}

	noKey := writeConfig(t, "channels:\n  telegram:\n    token: \"1:x\"\n")
	if _, err := run(t, "--config", noKey, "config", "validate"); !errors.Is(err, copilot.ErrMissingAPIKey) {
		t.Errorf("missing key: err = %v", err)
	}

	noToken := writeConfig(t, "api:\n  api_key: k\n")
	if _, err := run(t, "--config", noToken, "config", "validate"); !errors.Is(err, copilot.ErrMissingTelegramToken) {
		t.Errorf("missing token: err = %v", err)
	}
	if _, err := run(t, "--config", noToken, "config", "validate", "--stateless"); err != nil {
		t.Errorf("stateless: %v", err)
	}
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	clearEnv(t)
	out, err := run(t, "--config", writeConfig(t, validConfig), "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "gateway-secret-token") || !strings.Contains(out, "****oken") {
		t.Errorf("secrets not masked:\n%s", out)
	}
}

func TestConfigInit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "aibotto.yaml")
	if _, err := run(t, "config", "init", path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := copilot.ParseConfig(data)
	if err != nil {
		t.Fatalf("written config does not parse: %v", err)
	}
	if cfg.Agent.MaxToolIterations != 10 || cfg.History.MaxLength != 20 {
		t.Errorf("defaults lost: %+v %+v", cfg.Agent, cfg.History)
	}
}

func TestHistoryClear(t *testing.T) {
	clearEnv(t)
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg := writeConfig(t, validConfig+"database:\n  path: "+dbPath+"\n")

	if _, err := run(t, "--config", cfg, "history", "clear", "--user", "5"); err == nil {
		t.Error("expected error without --chat")
	}
	out, err := run(t, "--config", cfg, "history", "clear", "--user", "5", "--chat", "6")
	if err != nil || !strings.Contains(out, "Cleared 0 messages") {
		t.Errorf("out %q, err %v", out, err)
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()

	masks := map[string]string{
		"":                    "",
		"${OPENAI_API_KEY}":   "${OPENAI_API_KEY}",
		"short":               "****",
		"sk-1234567890abcdef": "****cdef",
	}
	for in, want := range masks {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}

	levels := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warning": slog.LevelWarn,
		"error": slog.LevelError, "loud": slog.LevelWarn,
	}
	for in, want := range levels {
		if got := parseLevel(in, slog.LevelWarn); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if !shouldEnable("discord", nil) || shouldEnable("discord", []string{"telegram"}) || !shouldEnable("telegram", []string{"telegram"}) {
		t.Error("shouldEnable")
	}
}
