package commands

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/config"
)

// newConfigCmd creates `pulsebot config` to manage settings and secrets.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and secrets",
		Long: `Manage the pulsebot configuration.

Examples:
  pulsebot config show
  pulsebot config validate
  pulsebot config set-key discord_token
  pulsebot config delete-key api_key`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
	)
	return cmd
}

var secretKeys = []string{config.KeyAPIKey, config.KeyDiscordToken}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd, bootstrapLogger(cmd))
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Discord.Token = mask(cfg.Discord.Token)
			masked.API.APIKey = mask(cfg.API.APIKey)
			masked.Database.PostgreSQL.Password = mask(cfg.Database.PostgreSQL.Password)
			masked.Database.Redis.Password = mask(cfg.Database.Redis.Password)

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			if path == "" {
				path = "(defaults and environment)"
			}
			fmt.Printf("# %s\n%s", path, data)
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the bot has everything it needs to start",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, bootstrapLogger(cmd))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("Configuration OK.")
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <api_key|discord_token>",
		Short: "Store a secret in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			key := args[0]
			if !slices.Contains(secretKeys, key) {
				return fmt.Errorf("unknown key %q (use one of %v)", key, secretKeys)
			}
			value, err := config.ReadSecret(fmt.Sprintf("%s: ", key))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := config.StoreKeyring(key, value); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Printf("%s stored in the OS keyring. You can remove it from .env and config.yaml.\n", key)
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key <api_key|discord_token>",
		Short: "Remove a secret from the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if !slices.Contains(secretKeys, args[0]) {
				return fmt.Errorf("unknown key %q (use one of %v)", args[0], secretKeys)
			}
			if err := config.DeleteKeyring(args[0]); err != nil {
				return fmt.Errorf("deleting from keyring: %w", err)
			}
			fmt.Printf("%s removed from the OS keyring.\n", args[0])
			return nil
		},
	}
}

// mask keeps the last four characters of a secret.
func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
