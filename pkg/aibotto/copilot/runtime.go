// Package copilot – runtime.go assembles the request pipeline from a Config:
// database, history, command gate, sandbox runner, web tools, tracker,
// executor and orchestrator. serve, prompt and chat all start from here.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/aibotto/pkg/aibotto/copilot/security"
	"github.com/jholhewres/aibotto/pkg/aibotto/database"
	"github.com/jholhewres/aibotto/pkg/aibotto/sandbox"
)

// Runtime bundles the components shared by every entry point.
type Runtime struct {
	Config *Config

	// DB, History and Audit are nil for stateless runtimes.
	DB      *database.DB
	History *database.HistoryStore
	Audit   *security.SQLiteAuditLog

	Gate         *security.Gate
	Executor     *ToolExecutor
	Orchestrator *Orchestrator

	logger *slog.Logger
}

// RuntimeOptions selects optional parts of the runtime.
type RuntimeOptions struct {
	// Stateful opens the database for conversation history and the
	// security audit table.
	Stateful bool

	// LLM overrides the client built from Config.API.
	LLM ChatCompleter
}

// NewRuntime builds the pipeline described by cfg. The security rule file,
// when configured, is loaded over cfg.Security.Rules; a broken file is an
// error here so misconfiguration surfaces before serving.
func NewRuntime(ctx context.Context, cfg *Config, opts RuntimeOptions, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, logger: logger}

	rules := cfg.Security.Rules
	if cfg.Security.RulesFile != "" {
		loaded, err := security.LoadRulesFile(cfg.Security.RulesFile, rules)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	rt.Gate = security.NewGate(rules, logger)

	if opts.Stateful {
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		rt.DB = db
		rt.History = database.NewHistoryStore(db, logger)
		rt.Audit = security.NewSQLiteAuditLog(db.DB, logger)
		rt.Gate.SetAuditSink(rt.Audit)
	}

	llm := opts.LLM
	if llm == nil {
		llm = NewLLMClient(cfg, logger)
	}

	rt.Executor = NewToolExecutor(NewToolTracker(logger), logger)
	rt.Executor.SetSlowThreshold(cfg.Agent.SlowToolThreshold)
	RegisterBuiltinTools(rt.Executor, cfg, rt.Gate, logger)

	var history HistoryStore
	if rt.History != nil {
		history = rt.History
	}
	rt.Orchestrator = NewOrchestrator(llm, rt.Executor, history, OrchestratorConfig{
		MaxIterations: cfg.Agent.MaxToolIterations,
		HistoryLimit:  cfg.History.MaxLength,
	}, logger)

	logger.Debug("runtime ready",
		"model", cfg.Model,
		"stateful", opts.Stateful,
		"tools", len(rt.Executor.Tools(StatelessSession(""))),
	)
	return rt, nil
}

// RegisterBuiltinTools registers execute_cli_command, search_web and
// fetch_webpage on executor.
func RegisterBuiltinTools(executor *ToolExecutor, cfg *Config, gate CommandValidator, logger *slog.Logger) {
	runner := sandbox.NewRunner(cfg.Sandbox, logger)
	executor.Register(NewCLITool(gate, runner, logger))

	searcher := NewWebSearcher(cfg.Tools.Search, logger)
	executor.Register(searcher.Tool())

	guard := security.NewSSRFGuard(cfg.Security.SSRF, logger)
	fetcher := NewWebFetcher(cfg.Tools.Fetch, guard, logger)
	executor.Register(fetcher.Tool())
}

// ReloadRules re-reads the configured rule file. It is a no-op when no file
// is configured.
func (rt *Runtime) ReloadRules() error {
	if rt.Config.Security.RulesFile == "" {
		return nil
	}
	return rt.Gate.ReloadFromFile(rt.Config.Security.RulesFile)
}

// Close releases the database.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.DB != nil {
		if err := rt.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	return errors.Join(errs...)
}
