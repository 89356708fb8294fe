// Package main implements a Telegram bot that watches Letterboxd RSS feeds
// and notifies subscribed chats when new movies are logged.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"

	"letterboxd-notifier/bot"
	"letterboxd-notifier/feed"
	"letterboxd-notifier/pkg/notifier"
	"letterboxd-notifier/poll"
	"letterboxd-notifier/storage"
)

const (
	defaultPollInterval = 300 * time.Second
	defaultBaseURL      = "https://letterboxd.com"
)

func main() {
	// Optional .env for local development; env vars win in production.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		logger.Error("TELEGRAM_BOT_TOKEN environment variable required")
		os.Exit(1)
	}

	baseURL := os.Getenv("LETTERBOXD_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	interval := pollInterval(logger)

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local storage", "storage_path", localStorage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *storage.Store
	if localStorage != "" {
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
		store = storage.New(nil, "", localStorage, logger)
	} else {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		store = storage.New(client, bucket, "", logger)
	}

	state, err := store.Load(ctx)
	if err != nil {
		logger.Error("Failed to load state", "error", err)
		os.Exit(1)
	}
	registry := notifier.NewRegistry(state, store)

	feedClient := feed.New(&http.Client{Timeout: 30 * time.Second}, baseURL, logger)

	tgBot, err := bot.New(token, feedClient, registry, logger)
	if err != nil {
		logger.Error("Failed to initialize Telegram bot", "error", err)
		os.Exit(1)
	}

	monitor := poll.New(feedClient, registry, tgBot, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tgBot.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		monitor.Run(ctx, interval)
	}()

	logger.Info("Letterboxd notifier started",
		"poll_interval", interval.String(),
		"subscriptions", len(state.Subscriptions))
	wg.Wait()
	logger.Info("Shutdown complete")
}

func pollInterval(logger *slog.Logger) time.Duration {
	raw := os.Getenv("POLL_INTERVAL_SECONDS")
	if raw == "" {
		return defaultPollInterval
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		logger.Warn("Invalid POLL_INTERVAL_SECONDS, using default",
			"value", raw,
			"default", defaultPollInterval.String())
		return defaultPollInterval
	}
	return time.Duration(seconds) * time.Second
}
