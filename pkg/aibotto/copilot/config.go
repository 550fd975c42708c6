// Package copilot – config.go defines the configuration structures for the
// aibotto assistant.
package copilot

import (
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/aibotto/pkg/aibotto/channels/discord"
	"github.com/jholhewres/aibotto/pkg/aibotto/channels/telegram"
	"github.com/jholhewres/aibotto/pkg/aibotto/copilot/security"
	"github.com/jholhewres/aibotto/pkg/aibotto/database"
	"github.com/jholhewres/aibotto/pkg/aibotto/sandbox"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name used in the welcome text.
	Name string `yaml:"name"`

	// Model is the chat completion model (e.g. "gpt-3.5-turbo").
	Model string `yaml:"model"`

	// API configures the OpenAI-compatible endpoint.
	API APIConfig `yaml:"api"`

	// Agent configures the tool-calling loop.
	Agent AgentConfig `yaml:"agent"`

	// Tracker configures duplicate tool-call tracking.
	Tracker TrackerConfig `yaml:"tracker"`

	// History configures conversation persistence.
	History HistoryConfig `yaml:"history"`

	// Tools configures the built-in web tools.
	Tools ToolsConfig `yaml:"tools"`

	// Security configures the command gate and SSRF guard.
	Security SecurityConfig `yaml:"security"`

	// Sandbox configures the shell runner used by execute_cli_command.
	Sandbox sandbox.Config `yaml:"sandbox"`

	// Database configures the SQLite file.
	Database database.Config `yaml:"database"`

	// Channels configures chat platforms.
	Channels ChannelsConfig `yaml:"channels"`

	// Gateway configures the HTTP API.
	Gateway GatewayConfig `yaml:"gateway"`

	// Scheduler configures cron prompts.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the LLM endpoint.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// MaxTokens caps completion tokens. Zero leaves it to the provider.
	MaxTokens int `yaml:"max_tokens"`

	// Timeout bounds a single HTTP request to the provider.
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond throttles outgoing completions. Zero disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// MaxRetries is the number of retries for retryable errors.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the first retry delay, doubled per attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// AgentConfig configures the agentic loop.
type AgentConfig struct {
	// MaxToolIterations is the most LLM round-trips one request may use.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// SlowToolThreshold is the duration above which a tool call is logged
	// as slow.
	SlowToolThreshold time.Duration `yaml:"slow_tool_threshold"`

	// ThinkingMessage is the placeholder sent while a request runs.
	ThinkingMessage string `yaml:"thinking_message"`
}

// TrackerConfig configures the tool-call tracker.
type TrackerConfig struct {
	// CleanupSchedule is the cron spec for purging empty sessions.
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// HistoryConfig configures conversation history.
type HistoryConfig struct {
	// MaxLength is how many stored messages are replayed to the LLM.
	MaxLength int `yaml:"max_length"`

	// Retention deletes messages older than this. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// ToolsConfig configures the web tools.
type ToolsConfig struct {
	Search SearchConfig `yaml:"search"`
	Fetch  FetchConfig  `yaml:"fetch"`
}

// SearchConfig configures search_web.
type SearchConfig struct {
	// Endpoint is the DuckDuckGo Instant Answer URL.
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// FetchConfig configures fetch_webpage.
type FetchConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	StrictContentType bool          `yaml:"strict_content_type"`

	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// SecurityConfig configures the command gate.
type SecurityConfig struct {
	// Rules is the initial rule set.
	Rules security.Rules `yaml:"rules"`

	// RulesFile is a JSON rules file loaded at startup and on reload.
	RulesFile string `yaml:"rules_file"`

	// ReloadSchedule is a cron spec that re-reads RulesFile. Empty
	// disables periodic reloads.
	ReloadSchedule string `yaml:"reload_schedule"`

	// AuditRetention prunes old audit rows. Zero keeps everything.
	AuditRetention time.Duration `yaml:"audit_retention"`

	// SSRF configures the fetch_webpage URL guard.
	SSRF security.SSRFConfig `yaml:"ssrf"`
}

// ChannelsConfig configures chat platforms.
type ChannelsConfig struct {
	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// AuthToken, when set, is required as a Bearer token on /api routes.
	AuthToken string `yaml:"auth_token"`

	// DefaultChannel receives /api/send deliveries.
	DefaultChannel string `yaml:"default_channel"`
}

// SchedulerConfig configures cron prompts.
type SchedulerConfig struct {
	Enabled bool           `yaml:"enabled"`
	Jobs    []ScheduledJob `yaml:"jobs"`
}

// ScheduledJob runs Prompt statelessly on Schedule and delivers the answer
// to ChatID on Channel.
type ScheduledJob struct {
	ID       string `yaml:"id"`
	Schedule string `yaml:"schedule"`
	Prompt   string `yaml:"prompt"`
	Channel  string `yaml:"channel"`
	ChatID   string `yaml:"chat_id"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:  "AIBot",
		Model: "gpt-3.5-turbo",
		API: APIConfig{
			BaseURL:           "https://api.openai.com/v1",
			Timeout:           120 * time.Second,
			RequestsPerSecond: 1,
			MaxRetries:        3,
			InitialBackoff:    time.Second,
			MaxBackoff:        60 * time.Second,
		},
		Agent: AgentConfig{
			MaxToolIterations: 10,
			SlowToolThreshold: 10 * time.Second,
			ThinkingMessage:   "🤔 Thinking...",
		},
		Tracker: TrackerConfig{
			CleanupSchedule: "@every 10m",
		},
		History: HistoryConfig{
			MaxLength: 20,
		},
		Tools: ToolsConfig{
			Search: SearchConfig{
				Endpoint: "https://api.duckduckgo.com/",
				Timeout:  30 * time.Second,
			},
			Fetch: FetchConfig{
				Timeout:      30 * time.Second,
				MaxRetries:   3,
				RetryDelay:   time.Second,
				MaxBodyBytes: 5 << 20,
			},
		},
		Security: SecurityConfig{
			Rules:          security.DefaultRules(),
			AuditRetention: 30 * 24 * time.Hour,
		},
		Sandbox:  sandbox.DefaultConfig(),
		Database: database.DefaultConfig(),
		Channels: ChannelsConfig{
			Telegram: telegram.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
		},
		Gateway: GatewayConfig{
			Address:        "0.0.0.0:8000",
			DefaultChannel: "telegram",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Configuration errors reported by Validate.
var (
	ErrMissingAPIKey        = errors.New("OPENAI_API_KEY is required")
	ErrMissingTelegramToken = errors.New("TELEGRAM_TOKEN is required")
)

// Validate checks the settings needed to run the bot. Stateless entry
// points (prompt, chat) only need the API key; pass requireChannel=false.
func (c *Config) Validate(requireChannel bool) error {
	var errs []error
	if c.API.APIKey == "" || IsEnvReference(c.API.APIKey) {
		errs = append(errs, ErrMissingAPIKey)
	}
	if requireChannel && c.Channels.Telegram.Token == "" && c.Channels.Discord.Token == "" {
		errs = append(errs, ErrMissingTelegramToken)
	}
	if c.Agent.MaxToolIterations <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tool_iterations must be positive, got %d", c.Agent.MaxToolIterations))
	}
	if c.History.MaxLength < 0 {
		errs = append(errs, fmt.Errorf("history.max_length must not be negative, got %d", c.History.MaxLength))
	}
	if c.Security.Rules.MaxCommandLength <= 0 {
		errs = append(errs, fmt.Errorf("security.rules.max_command_length must be positive, got %d", c.Security.Rules.MaxCommandLength))
	}
	return errors.Join(errs...)
}
