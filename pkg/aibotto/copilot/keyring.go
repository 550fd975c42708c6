// Package copilot – keyring.go stores secrets in the operating system's
// native keyring (Secret Service, Keychain, Credential Manager).
//
// Priority for resolving secrets:
//  1. Environment variable (OPENAI_API_KEY, TELEGRAM_TOKEN, DISCORD_TOKEN)
//  2. .env file (loaded by godotenv)
//  3. config file value
//  4. OS keyring
package copilot

import (
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const keyringService = "aibotto"

// Keyring entry names.
const (
	KeyringAPIKey        = "api_key"
	KeyringTelegramToken = "telegram_token"
	KeyringDiscordToken  = "discord_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, or "" if absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__aibotto_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills empty secrets in cfg from the OS keyring.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	fill := func(dst *string, key, what string) {
		if *dst != "" && !IsEnvReference(*dst) {
			return
		}
		if val := GetKeyring(key); val != "" {
			*dst = val
			logger.Debug(what+" loaded from OS keyring", "key", key)
		}
	}
	fill(&cfg.API.APIKey, KeyringAPIKey, "API key")
	fill(&cfg.Channels.Telegram.Token, KeyringTelegramToken, "Telegram token")
	fill(&cfg.Channels.Discord.Token, KeyringDiscordToken, "Discord token")
}

// MigrateSecretsToKeyring stores the non-empty secrets of cfg in the OS
// keyring.
func MigrateSecretsToKeyring(cfg *Config, logger *slog.Logger) error {
	secrets := map[string]string{
		KeyringAPIKey:        cfg.API.APIKey,
		KeyringTelegramToken: cfg.Channels.Telegram.Token,
		KeyringDiscordToken:  cfg.Channels.Discord.Token,
	}
	for key, val := range secrets {
		if val == "" || IsEnvReference(val) {
			continue
		}
		if err := StoreKeyring(key, val); err != nil {
			return fmt.Errorf("storing %s in keyring: %w", key, err)
		}
	}
	logger.Info("secrets stored in OS keyring",
		"service", keyringService,
		"hint", "You can now remove them from .env and the config file")
	return nil
}
