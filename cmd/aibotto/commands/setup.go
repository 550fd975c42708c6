package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/jholhewres/aibotto/pkg/aibotto/copilot"
	"github.com/spf13/cobra"
)

// newSetupCmd creates the `aibotto setup` wizard.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Asks for the LLM endpoint, API key and bot tokens and writes them to a
.env file. With --keyring (or when confirmed in the wizard) secrets go to the
OS keyring instead and only non-secret settings are written.

Examples:
  aibotto setup
  aibotto setup --keyring
  aibotto setup --env-file /etc/aibotto/.env`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
	cmd.Flags().Bool("keyring", false, "store secrets in the OS keyring")
	cmd.Flags().String("env-file", ".env", "path of the .env file to write")
	return cmd
}

// setupAnswers holds the wizard's fields.
type setupAnswers struct {
	BaseURL       string
	Model         string
	APIKey        string
	TelegramToken string
	DiscordToken  string
	UseKeyring    bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	defaults := copilot.DefaultConfig()
	envFile, _ := cmd.Flags().GetString("env-file")
	useKeyring, _ := cmd.Flags().GetBool("keyring")

	a := setupAnswers{
		BaseURL:    defaults.API.BaseURL,
		Model:      defaults.Model,
		UseKeyring: useKeyring,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("LLM base URL").
				Description("Any OpenAI-compatible endpoint.").
				Value(&a.BaseURL),
			huh.NewInput().
				Title("Model").
				Value(&a.Model),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Validate(required("API key")).
				Value(&a.APIKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to use Discord only.").
				EchoMode(huh.EchoModePassword).
				Value(&a.TelegramToken),
			huh.NewInput().
				Title("Discord bot token (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&a.DiscordToken),
			huh.NewConfirm().
				Title("Store secrets in the OS keyring?").
				Description("Otherwise they are written to " + envFile + ".").
				Value(&a.UseKeyring),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
		return fmt.Errorf("setup form: %w", err)
	}

	if a.TelegramToken == "" && a.DiscordToken == "" {
		return copilot.ErrMissingTelegramToken
	}
	return saveSetup(cmd, a, envFile)
}

// saveSetup writes the answers to envFile and, when requested, the secrets
// to the OS keyring.
func saveSetup(cmd *cobra.Command, a setupAnswers, envFile string) error {
	values := map[string]string{
		"OPENAI_BASE_URL": strings.TrimSpace(a.BaseURL),
		"OPENAI_MODEL":    strings.TrimSpace(a.Model),
	}
	secrets := map[string]string{
		copilot.KeyringAPIKey:        strings.TrimSpace(a.APIKey),
		copilot.KeyringTelegramToken: strings.TrimSpace(a.TelegramToken),
		copilot.KeyringDiscordToken:  strings.TrimSpace(a.DiscordToken),
	}
	envNames := map[string]string{
		copilot.KeyringAPIKey:        "OPENAI_API_KEY",
		copilot.KeyringTelegramToken: "TELEGRAM_TOKEN",
		copilot.KeyringDiscordToken:  "DISCORD_TOKEN",
	}

	out := cmd.OutOrStdout()
	if a.UseKeyring && !copilot.KeyringAvailable() {
		fmt.Fprintln(out, "OS keyring is not available, writing secrets to "+envFile+" instead.")
		a.UseKeyring = false
	}

	for key, val := range secrets {
		if val == "" {
			continue
		}
		if a.UseKeyring {
			if err := copilot.StoreKeyring(key, val); err != nil {
				return fmt.Errorf("storing %s in keyring: %w", key, err)
			}
			continue
		}
		values[envNames[key]] = val
	}

	if err := copilot.WriteEnvFile(envFile, values); err != nil {
		return err
	}

	fmt.Fprintf(out, "Configuration written to %s.\n", envFile)
	if a.UseKeyring {
		fmt.Fprintln(out, "Secrets stored in the OS keyring.")
	}
	fmt.Fprintln(out, "Run 'aibotto config validate' to check it, then 'aibotto serve'.")
	return nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}
