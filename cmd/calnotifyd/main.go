package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/calnotify/calnotify/internal/bot"
	"github.com/calnotify/calnotify/internal/config"
	"github.com/calnotify/calnotify/internal/google"
	"github.com/calnotify/calnotify/internal/scheduler"
	"github.com/calnotify/calnotify/internal/store"
	"github.com/calnotify/calnotify/internal/telegram"
)

var version = "dev"

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "calnotifyd",
		Short: "calnotifyd — Telegram reminders for Google Calendar meetings",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(
				zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
			).With().Timestamp().Logger()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.ValidateForRun(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			return run(cfg, logger)
		},
	}

	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	users := store.NewUserStore(db)
	tokens := store.NewTokenStore(db)
	ledger := store.NewNotificationStore(db)

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Info().Str("username", api.Self.UserName).Msg("telegram bot connected")

	oauthCfg := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret)
	creds := google.NewCredentialProvider(oauthCfg, tokens, logger)
	fetcher := google.NewCalendarFetcher(creds, cfg.Google.FetchRetries, logger)
	notifier := telegram.NewNotifier(telegram.NewBotSender(api), cfg.Telegram.NotifyRetries, logger)

	clock := scheduler.NewClock()
	reconciler := scheduler.NewReconciler(scheduler.ReconcilerConfig{
		Fetcher:       fetcher,
		Notifier:      notifier,
		Users:         users,
		Ledger:        ledger,
		Clock:         clock,
		PollInterval:  cfg.Scheduler.PollInterval,
		Lookahead:     cfg.Scheduler.Lookahead,
		AuthThreshold: cfg.Scheduler.AuthFailureThreshold,
		Logger:        logger,
	})
	sched := scheduler.New(scheduler.SchedulerConfig{
		Reconciler:    reconciler,
		Users:         users,
		Ledger:        ledger,
		Clock:         clock,
		Interval:      cfg.Scheduler.PollInterval,
		Lookahead:     cfg.Scheduler.Lookahead,
		UserTimeout:   cfg.Scheduler.UserTimeout,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Logger:        logger,
	})
	tgBot := bot.New(bot.Config{
		API:         api,
		Users:       users,
		Tokens:      tokens,
		OAuthCfg:    oauthCfg,
		Fetcher:     fetcher,
		DefaultLead: cfg.Scheduler.DefaultLead,
		Logger:      logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- sched.Run(ctx) }()
	go func() { errCh <- tgBot.Run(ctx) }()

	logger.Info().
		Dur("poll_interval", cfg.Scheduler.PollInterval).
		Dur("default_lead", cfg.Scheduler.DefaultLead).
		Msg("calnotifyd running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			cancel()
			return err
		}
	}
	return nil
}
