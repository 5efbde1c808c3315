package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/bot"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/channels/discord"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/dispatch"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/llm"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/scheduler"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/store"
)

// newServeCmd creates the `pulsebot serve` command that runs the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and run the scheduler",
		Long: `Start pulsebot: open the store, re-arm every saved schedule,
register the slash commands and answer in chat threads.

Examples:
  pulsebot serve
  pulsebot serve --config ./config.yaml
  DISCORD_TOKEN=... OPENAI_API_KEY=... pulsebot serve`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, _, err := loadConfig(cmd, bootstrapLogger(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging).With("bot", cfg.Name)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Store ──
	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// ── Discord REST session (the gateway opens last) ──
	dc, err := discord.New(cfg.Discord, logger)
	if err != nil {
		return err
	}

	// ── Scheduler and bot service ──
	completer := llm.New(cfg.API, logger)
	action := dispatch.New(st, completer, dc, dispatch.Options{
		Limit:  cfg.Reply.Limit,
		Logger: logger,
	})
	engine := scheduler.New(action, scheduler.Options{
		Location: loc,
		Timeout:  cfg.Scheduler.DispatchTimeout,
		Logger:   logger,
	})
	svc := bot.New(bot.Config{
		Store:      st,
		Engine:     engine,
		Completer:  completer,
		Messenger:  dc,
		Limit:      cfg.Reply.Limit,
		RatePerSec: cfg.Reply.RatePerSec,
		Logger:     logger,
	})
	dc.SetHandler(svc)

	report, err := svc.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("rehydrating schedules: %w", err)
	}
	logger.Info("schedules restored", "armed", len(report.Armed), "skipped", len(report.Skipped))

	engine.Start(ctx)

	if err := dc.Connect(ctx); err != nil {
		engine.Stop()
		return fmt.Errorf("connecting to discord: %w", err)
	}

	// ── Wait for shutdown ──
	logger.Info("pulsebot running. Press Ctrl+C to stop.",
		"store", st.Backend(),
		"model", completer.Model(),
		"timezone", loc.String(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		if err := dc.Disconnect(); err != nil {
			logger.Warn("discord disconnect failed", "error", err)
		}
		engine.Stop()
		cancel()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(cfg.Scheduler.DispatchTimeout + 5*time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}
	return nil
}
