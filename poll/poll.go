// Package poll drives the reconciliation loop that detects newly logged movies.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"letterboxd-notifier/pkg/notifier"
)

// Feed fetches the most recent entry for a username.
type Feed interface {
	Latest(ctx context.Context, username string) (*notifier.Entry, error)
}

// Registry exposes the subscription and marker state the engine reconciles.
type Registry interface {
	Watchers() map[string][]int64
	LastSeen(username string) (string, bool)
	MarkSeen(ctx context.Context, username, title string) error
}

// Notifier delivers a new-entry notification to one chat.
type Notifier interface {
	NotifyNewEntry(ctx context.Context, chatID int64, username string, entry *notifier.Entry) error
}

// Monitor runs the dedup-and-notify polling cycle. CheckAll and Run must be
// driven from a single goroutine; the backoff bookkeeping is not locked.
type Monitor struct {
	feed     Feed
	registry Registry
	notifier Notifier
	logger   *slog.Logger
	backoffs map[string]*backoff.ExponentialBackOff
	retryAt  map[string]time.Time
}

// New creates a poll monitor.
func New(feed Feed, registry Registry, n Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		feed:     feed,
		registry: registry,
		notifier: n,
		logger:   logger,
		backoffs: make(map[string]*backoff.ExponentialBackOff),
		retryAt:  make(map[string]time.Time),
	}
}

// Run executes CheckAll on a fixed interval until the context is cancelled.
// A pass in flight finishes its current username before stopping.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Poll loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Poll loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if err := m.CheckAll(ctx); err != nil {
				m.logger.Warn("Poll pass aborted", "error", err)
			}
		}
	}
}

// CheckAll runs one reconciliation pass over a snapshot of the subscriptions.
// Watchers are grouped by username so each feed is fetched once per pass and
// every watcher of a genuinely new entry is notified exactly once.
func (m *Monitor) CheckAll(ctx context.Context) error {
	watchers := m.registry.Watchers()
	now := time.Now()
	m.logger.Info("Checking subscriptions", "identities", len(watchers), "timestamp", now.Format(time.RFC3339))

	var checked, skipped int
	for username, chatIDs := range watchers {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping poll pass", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		if until, ok := m.retryAt[username]; ok && now.Before(until) {
			m.logger.Debug("Skipping username (in backoff window)",
				"username", username,
				"retry_at", until.Format(time.RFC3339))
			skipped++
			continue
		}

		if err := m.checkUsername(ctx, username, chatIDs); err != nil {
			// Transient by policy: log, back off, self-heal next pass.
			m.logger.Warn("Feed check failed", "username", username, "error", err)
			m.recordFailure(username, now)
			continue
		}
		m.clearFailure(username)
		checked++
	}

	m.logger.Info("Subscription check completed",
		"identities", len(watchers),
		"checked", checked,
		"skipped", skipped)
	return nil
}

func (m *Monitor) checkUsername(ctx context.Context, username string, chatIDs []int64) error {
	entry, err := m.feed.Latest(ctx, username)
	if err != nil {
		return fmt.Errorf("fetch latest entry: %w", err)
	}

	marker, seen := m.registry.LastSeen(username)
	if seen && marker == entry.Title {
		return nil
	}

	m.logger.Info("New entry detected",
		"username", username,
		"title", entry.Title,
		"previous", marker,
		"watchers", len(chatIDs))

	// At-least-once delivery: a chat that rejects the message is logged and
	// skipped, and the marker still advances afterwards.
	for _, chatID := range chatIDs {
		if err := m.notifier.NotifyNewEntry(ctx, chatID, username, entry); err != nil {
			m.logger.Warn("Notification delivery failed",
				"chat_id", chatID,
				"username", username,
				"error", err)
		}
	}

	if err := m.registry.MarkSeen(ctx, username, entry.Title); err != nil {
		return fmt.Errorf("save marker: %w", err)
	}
	return nil
}

func (m *Monitor) recordFailure(username string, now time.Time) {
	bo, ok := m.backoffs[username]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Minute
		bo.MaxInterval = 30 * time.Minute
		bo.Multiplier = 2
		bo.MaxElapsedTime = 0 // keep retrying for as long as the watch exists
		bo.Reset()
		m.backoffs[username] = bo
	}
	delay := bo.NextBackOff()
	m.retryAt[username] = now.Add(delay)
	m.logger.Info("Backing off username after fetch failure",
		"username", username,
		"delay", delay.String())
}

func (m *Monitor) clearFailure(username string) {
	if _, ok := m.backoffs[username]; ok {
		delete(m.backoffs, username)
		delete(m.retryAt, username)
	}
}
