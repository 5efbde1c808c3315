// Package commands implements the pulsebot CLI with cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulsebot",
		Short: "pulsebot - scheduled messages and AI chat for Discord",
		Long: `pulsebot is a Discord bot that posts recurring messages, personalised
by an LLM from each user's profile, and chats in threads.

Examples:
  pulsebot setup
  pulsebot serve
  pulsebot schedule list
  pulsebot schedule check weekly mon-09:30
  pulsebot chat "Write a haiku about standups"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newScheduleCmd(),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig resolves the config file from --config or the standard
// locations and applies keyring secrets. It returns the path actually used,
// empty when running from defaults and environment.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, used, err := config.Load(path, logger)
	if err != nil {
		return nil, used, err
	}
	if used != "" {
		logger.Info("config loaded", "path", used)
	}
	config.ResolveSecrets(cfg, logger)
	return cfg, used, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// bootstrapLogger is used while the config itself is being loaded.
func bootstrapLogger(cmd *cobra.Command) *slog.Logger {
	return newLogger(cmd, config.LoggingConfig{Level: "warn", Format: "text"})
}
