package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jholhewres/aibotto/pkg/aibotto/channels"
	"github.com/jholhewres/aibotto/pkg/aibotto/channels/discord"
	"github.com/jholhewres/aibotto/pkg/aibotto/channels/telegram"
	"github.com/jholhewres/aibotto/pkg/aibotto/copilot"
	"github.com/jholhewres/aibotto/pkg/aibotto/gateway"
	"github.com/jholhewres/aibotto/pkg/aibotto/scheduler"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `aibotto serve` command that starts the bot.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot on the configured chat channels",
		Long: `Start aibotto as a long-running service: connects to Telegram (and
Discord when a token is set), starts the HTTP gateway when enabled and runs
the maintenance jobs. Stops gracefully on SIGINT/SIGTERM.

Examples:
  aibotto serve
  aibotto serve --channel telegram
  aibotto serve --config ./config.yaml`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (telegram, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cmd, cfg.Logging, os.Stdout, slog.LevelInfo)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Build runtime ──
	rt, err := copilot.NewRuntime(ctx, cfg, copilot.RuntimeOptions{Stateful: true}, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	// ── Register channels ──
	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	mgr := channels.NewManager(logger)

	if shouldEnable("telegram", channelFilter) && cfg.Channels.Telegram.Token != "" {
		if err := mgr.Register(telegram.New(cfg.Channels.Telegram, logger)); err != nil {
			logger.Error("failed to register Telegram", "error", err)
		} else {
			logger.Info("Telegram channel registered")
		}
	}
	if shouldEnable("discord", channelFilter) && cfg.Channels.Discord.Token != "" {
		if err := mgr.Register(discord.New(cfg.Channels.Discord, logger)); err != nil {
			logger.Error("failed to register Discord", "error", err)
		} else {
			logger.Info("Discord channel registered")
		}
	}
	if !mgr.HasChannels() {
		return fmt.Errorf("no channel enabled: %w", copilot.ErrMissingTelegramToken)
	}

	// ── Start assistant ──
	assistant := copilot.NewAssistant(cfg, rt.Orchestrator, mgr, logger)
	if err := assistant.Start(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	// ── Start gateway if enabled ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(assistant, cfg.Gateway, logger)
		if err := gw.Start(ctx); err != nil {
			logger.Error("failed to start gateway", "error", err)
			gw = nil
		}
	}

	// ── Start scheduler ──
	sched := scheduler.New(logger)
	if err := addJobs(sched, rt, assistant, cfg); err != nil {
		logger.Error("failed to register scheduled jobs", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
	}

	// ── Wait for shutdown ──
	logger.Info("aibotto running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.Model,
		"channels", mgr.Names(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		sched.Stop()
		if gw != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			cancel()
		}
		assistant.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// addJobs registers maintenance jobs and the prompt jobs from the config.
// Maintenance jobs always run; scheduler.enabled only gates prompt jobs.
func addJobs(s *scheduler.Scheduler, rt *copilot.Runtime, assistant *copilot.Assistant, cfg *copilot.Config) error {
	var jobs []*scheduler.Job

	if cfg.Tracker.CleanupSchedule != "" {
		jobs = append(jobs, scheduler.CleanupJob(cfg.Tracker.CleanupSchedule, rt.Orchestrator))
	}
	if cfg.Security.ReloadSchedule != "" && cfg.Security.RulesFile != "" {
		jobs = append(jobs, scheduler.ReloadJob(cfg.Security.ReloadSchedule, rt))
	}
	if cfg.History.Retention > 0 && rt.History != nil {
		jobs = append(jobs, scheduler.PruneJob("history-prune", "@daily", cfg.History.Retention, rt.History.PruneOlderThan))
	}
	if cfg.Security.AuditRetention > 0 && rt.Audit != nil {
		jobs = append(jobs, scheduler.PruneJob("audit-prune", "@daily", cfg.Security.AuditRetention, rt.Audit.Prune))
	}

	if cfg.Scheduler.Enabled {
		for _, j := range cfg.Scheduler.Jobs {
			channel := j.Channel
			if channel == "" {
				channel = cfg.Gateway.DefaultChannel
			}
			jobs = append(jobs, scheduler.PromptJob(j.ID, j.Schedule, channel, j.ChatID, j.Prompt, assistant))
		}
	}

	var firstErr error
	for _, job := range jobs {
		if err := s.Add(job); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// shouldEnable reports whether a channel passes the --channel filter. An
// empty filter enables every channel that has a token.
func shouldEnable(name string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
