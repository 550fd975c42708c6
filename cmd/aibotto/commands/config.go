package commands

import (
	"fmt"

	"github.com/jholhewres/aibotto/pkg/aibotto/copilot"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the `aibotto config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and validate the configuration",
		Long: `Inspect the effective configuration (file + .env + environment).

Examples:
  aibotto config show
  aibotto config validate
  aibotto config init ./config.yaml`,
	}
	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigInitCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			masked := *cfg
			masked.API.APIKey = maskSecret(cfg.API.APIKey)
			masked.Channels.Telegram.Token = maskSecret(cfg.Channels.Telegram.Token)
			masked.Channels.Discord.Token = maskSecret(cfg.Channels.Discord.Token)
			masked.Gateway.AuthToken = maskSecret(cfg.Gateway.AuthToken)

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that the bot can start with this configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stateless, _ := cmd.Flags().GetBool("stateless")
			if err := cfg.Validate(!stateless); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if _, err := rulesFor(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("configuration is valid"))
			return nil
		},
	}
	cmd.Flags().Bool("stateless", false, "only check what prompt and chat need")
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := copilot.SaveConfigToFile(copilot.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
}

// maskSecret keeps the last four characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "" || copilot.IsEnvReference(s):
		return s
	case len(s) <= 8:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}
