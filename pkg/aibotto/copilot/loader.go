// Package copilot – loader.go loads configuration from an optional YAML file,
// .env files and the process environment.
package copilot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?error}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadConfig builds the configuration. path may be empty, in which case the
// standard locations are searched and defaults are used when none exists.
// Environment variables always win over the file.
func LoadConfig(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded, err := expandEnvVars(string(data))
		if err != nil {
			return nil, fmt.Errorf("expanding environment variables: %w", err)
		}
		cfg, err = ParseConfig([]byte(expanded))
		if err != nil {
			return nil, err
		}
		checkFilePermissions(path)
		if looksLikeRealKey(cfg.API.APIKey) {
			slog.Warn("API key appears to be hardcoded in config, use OPENAI_API_KEY or the OS keyring instead",
				"path", path, "hint", "set 'api_key: ${OPENAI_API_KEY}'")
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses YAML bytes over the defaults. Keys absent from the
// document keep their default values.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"aibotto.yaml",
		"aibotto.yml",
		"config.yaml",
		"config.yml",
		"configs/aibotto.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// SaveConfigToFile writes cfg as YAML with owner-only permissions. Secrets
// are replaced by ${VAR} references so they never land on disk.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = secretRef(cfg.API.APIKey, "OPENAI_API_KEY")
	sanitized.Channels.Telegram.Token = secretRef(cfg.Channels.Telegram.Token, "TELEGRAM_TOKEN")
	sanitized.Channels.Discord.Token = secretRef(cfg.Channels.Discord.Token, "DISCORD_TOKEN")
	sanitized.Gateway.AuthToken = secretRef(cfg.Gateway.AuthToken, "API_AUTH_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// WriteEnvFile merges values into the .env file at path, keeping existing
// keys that are not overwritten.
func WriteEnvFile(path string, values map[string]string) error {
	existing, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if existing == nil {
		existing = make(map[string]string)
	}
	for k, v := range values {
		if v != "" {
			existing[k] = v
		}
	}
	if err := godotenv.Write(existing, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// IsEnvReference reports whether s is an unresolved ${VAR} reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${")
}

// ---------- Internal ----------

// loadEnvFiles loads .env files. Existing variables are not overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default} and ${VAR:?error}.
// Unset plain references are kept so Validate can report them.
func expandEnvVars(input string) (string, error) {
	var errs []error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			errs = append(errs, fmt.Errorf("config error: %s - %s", name, value))
		}
		return match
	})
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return out, nil
}

// lookupFunc matches os.LookupEnv.
type lookupFunc func(string) (string, bool)

// applyEnvOverrides applies the environment variables the bot has always
// honoured. Set variables win over the config file.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	seconds := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || f < 0 {
				errs = append(errs, fmt.Errorf("%s: invalid number of seconds %q", key, v))
				return
			}
			*dst = time.Duration(f * float64(time.Second))
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	str("TELEGRAM_TOKEN", &cfg.Channels.Telegram.Token)
	str("DISCORD_TOKEN", &cfg.Channels.Discord.Token)
	str("OPENAI_API_KEY", &cfg.API.APIKey)
	str("OPENAI_BASE_URL", &cfg.API.BaseURL)
	str("OPENAI_MODEL", &cfg.Model)
	str("DATABASE_PATH", &cfg.Database.Path)
	integer("MAX_HISTORY_LENGTH", &cfg.History.MaxLength)
	integer("MAX_TOOL_ITERATIONS", &cfg.Agent.MaxToolIterations)
	integer("LLM_MAX_TOKENS", &cfg.API.MaxTokens)
	str("THINKING_MESSAGE", &cfg.Agent.ThinkingMessage)

	seconds("DDGS_TIMEOUT", &cfg.Tools.Search.Timeout)
	integer("WEB_FETCH_MAX_RETRIES", &cfg.Tools.Fetch.MaxRetries)
	seconds("WEB_FETCH_RETRY_DELAY", &cfg.Tools.Fetch.RetryDelay)
	boolean("WEB_FETCH_STRICT_CONTENT_TYPE", &cfg.Tools.Fetch.StrictContentType)

	integer("MAX_COMMAND_LENGTH", &cfg.Security.Rules.MaxCommandLength)
	list("ALLOWED_COMMANDS", &cfg.Security.Rules.AllowedCommands)
	list("CUSTOM_BLOCKED_PATTERNS", &cfg.Security.Rules.CustomBlockedPatterns)
	boolean("ENABLE_AUDIT_LOGGING", &cfg.Security.Rules.EnableAuditLogging)
	str("SECURITY_CONFIG_PATH", &cfg.Security.RulesFile)

	boolean("API_ENABLED", &cfg.Gateway.Enabled)
	str("API_AUTH_TOKEN", &cfg.Gateway.AuthToken)
	host, port := splitAddress(cfg.Gateway.Address)
	str("API_HOST", &host)
	if v, ok := lookup("API_PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			errs = append(errs, fmt.Errorf("API_PORT: invalid integer %q", v))
		} else {
			port = v
		}
	}
	cfg.Gateway.Address = host + ":" + port

	str("LOG_LEVEL", &cfg.Logging.Level)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitAddress(addr string) (host, port string) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return addr, "8000"
	}
	return addr[:i], addr[i+1:]
}

func secretRef(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	return "${" + envVar + "}"
}

// looksLikeRealKey heuristically checks if a string looks like a real API
// key rather than a placeholder.
func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
