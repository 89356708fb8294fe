// Package bot implements the Telegram command surface and notification delivery.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"letterboxd-notifier/pkg/notifier"
)

// recentCount is how many entries an on-demand /rss lookup returns.
const recentCount = 5

// Reply texts for the command surface.
const (
	startReply            = "Send me your Letterboxd username using the /rss command!"
	missingUsernameReply  = "Please provide a Letterboxd username."
	missingSubscribeReply = "Please provide your Letterboxd username."
	noMoviesReply         = "No recent movies logged or invalid username."
	unsubscribedReply     = "You have been unsubscribed from notifications."
	notSubscribedReply    = "You are not subscribed."
	noSubscriptionsReply  = "You are not subscribed to any usernames."
	saveFailedReply       = "Something went wrong saving that. Please try again."
)

// Feed serves on-demand lookups.
type Feed interface {
	Recent(ctx context.Context, username string, count int) ([]*notifier.Entry, error)
	Latest(ctx context.Context, username string) (*notifier.Entry, error)
}

// Registry is the subscription state mutated by commands.
type Registry interface {
	Subscribe(ctx context.Context, chatID int64, username string) error
	Unsubscribe(ctx context.Context, chatID int64) (bool, error)
	Watched(chatID int64) (string, bool)
}

// Bot wires the Telegram transport to the feed client and the registry.
type Bot struct {
	api      *tgbotapi.BotAPI
	feed     Feed
	registry Registry
	logger   *slog.Logger
}

// New authenticates against the Telegram API and returns the bot.
func New(token string, feed Feed, registry Registry, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Info("Telegram bot authorized", "username", api.Self.UserName)
	return &Bot{api: api, feed: feed, registry: registry, logger: logger}, nil
}

// Run consumes the Telegram update stream until the context is cancelled.
func (b *Bot) Run(ctx context.Context) {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := b.api.GetUpdatesChan(updateConfig)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Update loop stopped", "reason", ctx.Err())
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.InlineQuery != nil:
		b.handleInlineQuery(ctx, update.InlineQuery)
	case update.Message != nil && update.Message.IsCommand():
		chatID := update.Message.Chat.ID
		command := update.Message.Command()
		args := strings.TrimSpace(update.Message.CommandArguments())

		reply := b.handleCommand(ctx, chatID, command, args)
		if reply == "" {
			return
		}
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, reply)); err != nil {
			b.logger.Warn("Failed to send reply", "chat_id", chatID, "command", command, "error", err)
		}
	}
}

// handleCommand maps a command to its reply text. Kept free of transport
// concerns so the contract surface is testable without Telegram.
func (b *Bot) handleCommand(ctx context.Context, chatID int64, command, args string) string {
	switch command {
	case "start", "help":
		return startReply
	case "rss":
		return b.recentReply(ctx, args)
	case "subscribe":
		return b.subscribeReply(ctx, chatID, args)
	case "unsubscribe":
		return b.unsubscribeReply(ctx, chatID)
	case "list":
		return b.listReply(chatID)
	default:
		return ""
	}
}

func (b *Bot) recentReply(ctx context.Context, username string) string {
	if username == "" {
		return missingUsernameReply
	}

	entries, err := b.feed.Recent(ctx, username, recentCount)
	if err != nil {
		b.logger.Warn("On-demand fetch failed", "username", username, "error", err)
		return noMoviesReply
	}
	if len(entries) == 0 {
		return noMoviesReply
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("%s\nWatch it here: %s", entry.Title, entry.Link))
	}
	return strings.Join(lines, "\n\n")
}

func (b *Bot) subscribeReply(ctx context.Context, chatID int64, username string) string {
	if username == "" {
		return missingSubscribeReply
	}
	if err := b.registry.Subscribe(ctx, chatID, username); err != nil {
		b.logger.Error("Subscribe failed", "chat_id", chatID, "username", username, "error", err)
		return saveFailedReply
	}
	return fmt.Sprintf("Subscribed to updates for %s!", username)
}

func (b *Bot) unsubscribeReply(ctx context.Context, chatID int64) string {
	removed, err := b.registry.Unsubscribe(ctx, chatID)
	if err != nil {
		b.logger.Error("Unsubscribe failed", "chat_id", chatID, "error", err)
		return saveFailedReply
	}
	if !removed {
		return notSubscribedReply
	}
	return unsubscribedReply
}

func (b *Bot) listReply(chatID int64) string {
	username, ok := b.registry.Watched(chatID)
	if !ok {
		return noSubscriptionsReply
	}
	return fmt.Sprintf("You are subscribed to updates for: %s", username)
}

func (b *Bot) handleInlineQuery(ctx context.Context, query *tgbotapi.InlineQuery) {
	username := strings.TrimSpace(query.Query)
	if username == "" {
		return
	}

	entry, err := b.feed.Latest(ctx, username)
	if err != nil {
		b.logger.Debug("Inline query fetch failed", "query", username, "error", err)
		return
	}

	article := tgbotapi.NewInlineQueryResultArticle(
		uuid.NewString(),
		entry.Title,
		formatInlineMessage(username, entry),
	)

	if _, err := b.api.Request(tgbotapi.InlineConfig{
		InlineQueryID: query.ID,
		IsPersonal:    true,
		Results:       []interface{}{article},
	}); err != nil {
		b.logger.Warn("Failed to answer inline query", "query", username, "error", err)
	}
}

// NotifyNewEntry delivers a new-entry notification to one chat. Implements
// the poll engine's delivery interface.
func (b *Bot) NotifyNewEntry(ctx context.Context, chatID int64, username string, entry *notifier.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	msg := tgbotapi.NewMessage(chatID, formatNotification(username, entry))
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

func formatNotification(username string, entry *notifier.Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "New movie logged by %s: %s\nWatch it here: %s", username, entry.Title, entry.Link)
	if entry.Snippet != "" {
		fmt.Fprintf(&sb, "\n\n%s", entry.Snippet)
	}
	if entry.Poster != "" {
		fmt.Fprintf(&sb, "\n%s", entry.Poster)
	}
	return sb.String()
}

func formatInlineMessage(username string, entry *notifier.Entry) string {
	return fmt.Sprintf("%s just watched: %s\nWatch it here: %s", username, entry.Title, entry.Link)
}
