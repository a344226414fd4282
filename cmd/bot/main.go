package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modelgate/internal/backend"
	"modelgate/internal/config"
	"modelgate/internal/convo"
	"modelgate/internal/dispatch"
	"modelgate/internal/gate"
	"modelgate/internal/metrics"
	"modelgate/internal/session"
	"modelgate/internal/storage"
	"modelgate/internal/telegram"
	"modelgate/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("access_mode", cfg.BotAccessMode).
		Bool("dev_polling", cfg.DevPolling).
		Int("admins", len(cfg.AdminUserIDs)).
		Msg("starting modelgate")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	secretVault, err := vault.New(cfg.Vault.Version, cfg.Vault.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vault")
	}

	bot, err := gotgbot.NewBot(cfg.BotToken, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create telegram bot")
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	m := metrics.Global()

	cache := session.NewCache(rdb, session.Config{
		HistoryTTL:       cfg.Redis.HistoryTTL,
		ActiveBackendTTL: cfg.Redis.ActiveBackendTTL,
		BanTTL:           cfg.Redis.BanTTL,
	})
	dispatcher := dispatch.New(dispatch.Config{
		Keys:         cfg.Providers.Keys,
		SystemPrompt: cfg.Chat.SystemPrompt,
		HTTPClient:   &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		MaxRetries:   cfg.HTTP.MaxRetries,
		BackoffBase:  cfg.HTTP.BackoffBase,
		ProbeTimeout: cfg.HTTP.ProbeTimeout,
	}, secretVault, log.Logger)
	backends := backend.NewRegistry(store, secretVault, cache, dispatcher, log.Logger)
	conversations := convo.NewStore(store, cache, cfg.Chat.Window, log.Logger)
	accessGate := gate.New(cfg.AdminUserIDs, store, cache, log.Logger)

	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.BotToken))
	}

	botDispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:  session.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
			Metrics: m,
			Logger:  log.Logger,
		},
	})
	service := telegram.NewService(telegram.Config{
		Store:       store,
		Backends:    backends,
		Convo:       conversations,
		Gate:        accessGate,
		Dispatcher:  dispatcher,
		RateLimiter: session.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Redis:       rdb,
		Logger:      log.Logger,
		Metrics:     m,
		WizardTTL:   cfg.Redis.WizardTTL,
		AccessMode:  cfg.BotAccessMode,
		BotUsername: bot.User.Username,
	})
	service.Register(botDispatcher)
	updater := ext.NewUpdater(botDispatcher, &ext.UpdaterOpts{
		UnhandledErrFunc: logTelegramErr,
	})

	errCh := make(chan error, 2)
	var webhookHandler http.HandlerFunc
	var webhookRoute string

	if cfg.DevPolling {
		if err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to start polling")
		}
		log.Info().Msg("polling mode started")
	} else {
		path := strings.Trim(cfg.Webhook.SecretPath, "/")
		if path == "" {
			path = "telegram"
		}
		if cfg.Webhook.PublicURL == "" {
			log.Fatal().Msg("WEBHOOK_URL is required in webhook mode")
		}
		if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
			log.Fatal().Err(err).Msg("failed to configure webhook handler")
		}

		webhookURL := strings.TrimSuffix(cfg.Webhook.PublicURL, "/") + "/" + path
		if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
			DropPendingUpdates: false,
			SecretToken:        cfg.Webhook.SecretToken,
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to set telegram webhook")
		}
		log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
		webhookRoute = "/" + path
		webhookHandler = updater.GetHandlerFunc("/")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	if webhookHandler != nil && webhookRoute != "" {
		mux.HandleFunc(webhookRoute, webhookHandler)
	}
	httpServer := &http.Server{
		Addr:              cfg.Webhook.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Webhook.WebhookTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.Webhook.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := updater.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop updater")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
