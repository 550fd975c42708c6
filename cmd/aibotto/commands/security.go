package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jholhewres/aibotto/pkg/aibotto/copilot"
	"github.com/jholhewres/aibotto/pkg/aibotto/copilot/security"
	"github.com/jholhewres/aibotto/pkg/aibotto/database"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(24)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// newSecurityCmd creates the `aibotto security` command group.
func newSecurityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Inspect and test the command gate",
		Long: `Tools for the command gate that guards execute_cli_command.

Examples:
  aibotto security check "ls -la /tmp"
  aibotto security reload ./security.json
  aibotto security status`,
	}
	cmd.AddCommand(
		newSecurityCheckCmd(),
		newSecurityReloadCmd(),
		newSecurityStatusCmd(),
	)
	return cmd
}

func newSecurityCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <command>",
		Short: "Run a command through the gate without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := activeRules(cmd)
			if err != nil {
				return err
			}
			gate := security.NewGate(rules, quietLogger())
			d := gate.Validate(strings.Join(args, " "))

			out := cmd.OutOrStdout()
			if d.Allowed {
				fmt.Fprintln(out, okStyle.Render("allowed"))
				return nil
			}
			fmt.Fprintln(out, errStyle.Render("rejected")+" ("+d.Check+"): "+d.Message)
			return &ExitError{Code: 1}
		},
	}
	// Everything after the first argument belongs to the checked command.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newSecurityReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload [file]",
		Short: "Validate a rules file as the reload job would",
		Long: `Parse a JSON rules file over the configured rules and print the result.
Without an argument the configured security.rules_file is used. A running
server picks up changes on its security.reload_schedule.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.Security.RulesFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no rules file given and security.rules_file is not set")
			}
			rules, err := security.LoadRulesFile(path, cfg.Security.Rules)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, okStyle.Render("rules file is valid: ")+path)
			printSummary(out, rules.Summary())
			return nil
		},
	}
}

func newSecurityStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active rules and recent rejections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rules, err := rulesFor(cfg)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render("Security rules"))
			printSummary(out, rules.Summary())
			if cfg.Security.RulesFile != "" {
				fmt.Fprintln(out, labelStyle.Render("rules file")+cfg.Security.RulesFile)
			}

			if _, err := os.Stat(cfg.Database.Path); err != nil {
				return nil
			}
			db, err := database.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := security.NewSQLiteAuditLog(db.DB, quietLogger()).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Recent rejections (%d)", len(records))))
			for _, r := range records {
				fmt.Fprintf(out, "%s  %s  %s\n",
					labelStyle.Render(r.CreatedAt.Local().Format("2006-01-02 15:04:05")),
					errStyle.Render(r.Check),
					r.Command)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "number of audit records to show")
	return cmd
}

// activeRules loads the config and returns the effective rules.
func activeRules(cmd *cobra.Command) (security.Rules, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return security.Rules{}, err
	}
	return rulesFor(cfg)
}

// rulesFor overlays the rules file, when configured, on the config rules.
func rulesFor(cfg *copilot.Config) (security.Rules, error) {
	if cfg.Security.RulesFile == "" {
		return cfg.Security.Rules, nil
	}
	return security.LoadRulesFile(cfg.Security.RulesFile, cfg.Security.Rules)
}

func printSummary(w io.Writer, s security.Summary) {
	row := func(label string, value any) {
		fmt.Fprintln(w, labelStyle.Render(label)+fmt.Sprint(value))
	}
	row("max command length", s.MaxCommandLength)
	row("allowlist", s.HasAllowlist)
	row("allowed commands", s.AllowedCommandsCount)
	row("blocked commands", s.BlockedCommandsCount)
	row("custom patterns", s.CustomPatternsCount)
	row("audit logging", s.AuditLoggingEnabled)
}

// quietLogger discards everything below error.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
