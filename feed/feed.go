// Package feed fetches and parses Letterboxd per-user RSS feeds.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/mmcdole/gofeed"

	"letterboxd-notifier/pkg/notifier"
)

// snippetLimit caps the review excerpt carried into notifications.
const snippetLimit = 200

// ErrNoEntries means the feed fetched and parsed fine but holds no items.
// Distinct from fetch and parse failures so callers can tell an idle diary
// from a broken poll.
var ErrNoEntries = errors.New("feed has no entries")

// HTTPStatusError indicates a non-OK response from the feed host.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsNotFound reports whether an error is an HTTP 404, meaning the username
// does not exist on the feed host.
func IsNotFound(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// Client fetches user feeds.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// New creates a feed client. baseURL is the feed host root, e.g.
// https://letterboxd.com.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		client:  client,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// FeedURL builds the RSS URL for a username.
func (c *Client) FeedURL(username string) string {
	return fmt.Sprintf("%s/%s/rss/", c.baseURL, username)
}

// Latest returns the single most recent entry for a username.
func (c *Client) Latest(ctx context.Context, username string) (*notifier.Entry, error) {
	entries, err := c.Recent(ctx, username, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	return entries[0], nil
}

// Recent returns the newest entries for a username, newest first, at most
// count. Network failures are retried with jitter; a 404 (unknown username)
// and parse failures are not.
func (c *Client) Recent(ctx context.Context, username string, count int) ([]*notifier.Entry, error) {
	feedURL := c.FeedURL(username)
	var entries []*notifier.Entry

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("User-Agent", "letterboxd-notifier/1.0")
			req.Header.Set("Accept", "application/rss+xml, application/xml;q=0.9, */*;q=0.8")

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("Feed request failed, will retry",
					"url", feedURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Feed request completed",
				"url", feedURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusNotFound {
				return retry.Unrecoverable(&HTTPStatusError{URL: feedURL, StatusCode: resp.StatusCode})
			}
			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: feedURL, StatusCode: resp.StatusCode}
			}

			entries, err = parseEntries(resp.Body, count)
			if err != nil {
				c.logger.Warn("Failed to parse feed", "url", feedURL, "error", err)
				return retry.Unrecoverable(fmt.Errorf("parse feed: %w", err))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying feed fetch after error", "attempt", n, "username", username, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch feed for %s: %w", username, err)
	}

	return entries, nil
}

// parseEntries reads the RSS document and maps the newest count items.
func parseEntries(body io.Reader, count int) ([]*notifier.Entry, error) {
	parsed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, err
	}

	items := parsed.Items
	if count > 0 && len(items) > count {
		items = items[:count]
	}

	entries := make([]*notifier.Entry, 0, len(items))
	for _, item := range items {
		entry := &notifier.Entry{
			Title: item.Title,
			Link:  item.Link,
		}
		entry.Poster, entry.Snippet = reduceDescription(item.Description)
		entries = append(entries, entry)
	}
	return entries, nil
}

// reduceDescription pulls the poster image URL and a short plain-text
// excerpt out of an entry's HTML description.
func reduceDescription(description string) (poster, snippet string) {
	if description == "" {
		return "", ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(description))
	if err != nil {
		return "", ""
	}

	if src, ok := doc.Find("img").First().Attr("src"); ok {
		poster = src
	}

	snippet = strings.Join(strings.Fields(doc.Text()), " ")
	if runes := []rune(snippet); len(runes) > snippetLimit {
		head := string(runes[:snippetLimit])
		if cut := strings.LastIndex(head, " "); cut > 0 {
			head = head[:cut]
		}
		snippet = head + "…"
	}
	return poster, snippet
}
