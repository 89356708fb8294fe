package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"letterboxd-notifier/pkg/notifier"
)

type memorySaver struct {
	saves int
	fail  bool
}

func (s *memorySaver) Save(_ context.Context, _ *notifier.State) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.saves++
	return nil
}

// fakeFeed serves canned latest entries per username and counts fetches.
type fakeFeed struct {
	entries map[string]*notifier.Entry
	errs    map[string]error
	fetches map[string]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		entries: make(map[string]*notifier.Entry),
		errs:    make(map[string]error),
		fetches: make(map[string]int),
	}
}

func (f *fakeFeed) Latest(_ context.Context, username string) (*notifier.Entry, error) {
	f.fetches[username]++
	if err := f.errs[username]; err != nil {
		return nil, err
	}
	entry, ok := f.entries[username]
	if !ok {
		return nil, errors.New("feed has no entries")
	}
	return entry, nil
}

type sentNotification struct {
	chatID   int64
	username string
	title    string
}

// fakeNotifier records deliveries and can fail specific chats.
type fakeNotifier struct {
	sent     []sentNotification
	failFor  map[int64]bool
	failures int
}

func (n *fakeNotifier) NotifyNewEntry(_ context.Context, chatID int64, username string, entry *notifier.Entry) error {
	if n.failFor[chatID] {
		n.failures++
		return errors.New("bot was blocked by the user")
	}
	n.sent = append(n.sent, sentNotification{chatID: chatID, username: username, title: entry.Title})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestMonitor(t *testing.T, subs map[int64]string) (*Monitor, *fakeFeed, *fakeNotifier, *notifier.Registry) {
	t.Helper()
	registry := notifier.NewRegistry(nil, &memorySaver{})
	ctx := context.Background()
	for chatID, username := range subs {
		if err := registry.Subscribe(ctx, chatID, username); err != nil {
			t.Fatalf("Subscribe(%d, %s) error = %v", chatID, username, err)
		}
	}
	feed := newFakeFeed()
	sink := &fakeNotifier{failFor: make(map[int64]bool)}
	return New(feed, registry, sink, testLogger()), feed, sink, registry
}

func TestDedupAcrossTicks(t *testing.T) {
	m, feed, sink, _ := newTestMonitor(t, map[int64]string{42: "alice"})
	feed.entries["alice"] = &notifier.Entry{Title: "Dune: Part Two", Link: "http://x/1"}
	ctx := context.Background()

	for range 2 {
		if err := m.CheckAll(ctx); err != nil {
			t.Fatalf("CheckAll() error = %v", err)
		}
	}

	if len(sink.sent) != 1 {
		t.Fatalf("sent %d notifications across two identical ticks, want 1", len(sink.sent))
	}
	if sink.sent[0].chatID != 42 || sink.sent[0].title != "Dune: Part Two" {
		t.Errorf("notification = %+v", sink.sent[0])
	}
}

func TestNoveltyFansOutToAllWatchers(t *testing.T) {
	m, feed, sink, registry := newTestMonitor(t, map[int64]string{1: "alice", 2: "alice"})
	feed.entries["alice"] = &notifier.Entry{Title: "Oppenheimer", Link: "http://x/2"}
	ctx := context.Background()

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	if len(sink.sent) != 2 {
		t.Fatalf("sent %d notifications, want one per watcher", len(sink.sent))
	}
	got := map[int64]bool{}
	for _, s := range sink.sent {
		got[s.chatID] = true
	}
	if !got[1] || !got[2] {
		t.Errorf("notified chats = %v, want 1 and 2", got)
	}
	if feed.fetches["alice"] != 1 {
		t.Errorf("fetched alice %d times in one tick, want 1", feed.fetches["alice"])
	}
	if title, _ := registry.LastSeen("alice"); title != "Oppenheimer" {
		t.Errorf("marker = %q, want Oppenheimer", title)
	}
}

func TestIsolationUnderPartialFailure(t *testing.T) {
	m, feed, sink, _ := newTestMonitor(t, map[int64]string{1: "broken", 2: "alice"})
	feed.errs["broken"] = errors.New("connection refused")
	feed.entries["alice"] = &notifier.Entry{Title: "Past Lives", Link: "http://x/3"}

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	if len(sink.sent) != 1 || sink.sent[0].chatID != 2 {
		t.Errorf("sent = %+v, want exactly one notification to chat 2", sink.sent)
	}
}

func TestThreeTickScenario(t *testing.T) {
	m, feed, sink, registry := newTestMonitor(t, map[int64]string{42: "alice"})
	ctx := context.Background()

	// Tick 1: new entry, notify and set marker.
	feed.entries["alice"] = &notifier.Entry{Title: "Dune Part Two", Link: "http://x/1"}
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("tick 1 error = %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("after tick 1 sent = %d, want 1", len(sink.sent))
	}
	if title, _ := registry.LastSeen("alice"); title != "Dune Part Two" {
		t.Fatalf("after tick 1 marker = %q", title)
	}

	// Tick 2: same entry, no notification.
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("tick 2 error = %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("after tick 2 sent = %d, want still 1", len(sink.sent))
	}

	// Tick 3: newer entry, one notification and marker update.
	feed.entries["alice"] = &notifier.Entry{Title: "Oppenheimer", Link: "http://x/2"}
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("tick 3 error = %v", err)
	}
	if len(sink.sent) != 2 {
		t.Fatalf("after tick 3 sent = %d, want 2", len(sink.sent))
	}
	if sink.sent[1].title != "Oppenheimer" {
		t.Errorf("tick 3 notification = %+v", sink.sent[1])
	}
	if title, _ := registry.LastSeen("alice"); title != "Oppenheimer" {
		t.Errorf("after tick 3 marker = %q", title)
	}
}

func TestDeliveryFailureStillAdvancesMarker(t *testing.T) {
	m, feed, sink, registry := newTestMonitor(t, map[int64]string{1: "alice", 2: "alice"})
	feed.entries["alice"] = &notifier.Entry{Title: "Dune Part Two", Link: "http://x/1"}
	sink.failFor[1] = true
	ctx := context.Background()

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	if len(sink.sent) != 1 || sink.sent[0].chatID != 2 {
		t.Errorf("sent = %+v, want delivery to chat 2 despite chat 1 failing", sink.sent)
	}
	if title, _ := registry.LastSeen("alice"); title != "Dune Part Two" {
		t.Errorf("marker = %q, want advanced regardless of delivery failure", title)
	}

	// Next tick must not repeat the notification to the healthy chat.
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("second CheckAll() error = %v", err)
	}
	if len(sink.sent) != 1 {
		t.Errorf("sent = %d after second tick, want still 1", len(sink.sent))
	}
}

func TestFetchFailureBacksOff(t *testing.T) {
	m, feed, _, _ := newTestMonitor(t, map[int64]string{42: "alice"})
	feed.errs["alice"] = errors.New("connection refused")
	ctx := context.Background()

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if feed.fetches["alice"] != 1 {
		t.Fatalf("fetches = %d, want 1", feed.fetches["alice"])
	}

	// Immediately after a failure the username sits in its backoff window.
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("second CheckAll() error = %v", err)
	}
	if feed.fetches["alice"] != 1 {
		t.Errorf("fetches = %d after immediate retick, want still 1 (backoff)", feed.fetches["alice"])
	}

	// Once the window has elapsed the username is checked again, and a
	// success clears the backoff state.
	m.retryAt["alice"] = time.Now().Add(-time.Second)
	delete(feed.errs, "alice")
	feed.entries["alice"] = &notifier.Entry{Title: "Past Lives", Link: "http://x/3"}
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("third CheckAll() error = %v", err)
	}
	if feed.fetches["alice"] != 2 {
		t.Errorf("fetches = %d after window elapsed, want 2", feed.fetches["alice"])
	}
	if _, ok := m.retryAt["alice"]; ok {
		t.Error("backoff state not cleared after successful check")
	}
}

func TestMarkerSaveFailureRetriesNextTick(t *testing.T) {
	saver := &memorySaver{}
	registry := notifier.NewRegistry(nil, saver)
	ctx := context.Background()
	if err := registry.Subscribe(ctx, 42, "alice"); err != nil {
		t.Fatal(err)
	}

	feed := newFakeFeed()
	feed.entries["alice"] = &notifier.Entry{Title: "Dune Part Two", Link: "http://x/1"}
	sink := &fakeNotifier{failFor: make(map[int64]bool)}
	m := New(feed, registry, sink, testLogger())

	saver.fail = true
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if _, ok := registry.LastSeen("alice"); ok {
		t.Fatal("marker committed in memory despite save failure")
	}

	// Persistence recovers; the entry is re-notified (at-least-once) and the
	// marker sticks this time.
	saver.fail = false
	m.retryAt["alice"] = time.Now().Add(-time.Second)
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("second CheckAll() error = %v", err)
	}
	if len(sink.sent) != 2 {
		t.Errorf("sent = %d, want 2 (re-notified after failed persist)", len(sink.sent))
	}
	if title, _ := registry.LastSeen("alice"); title != "Dune Part Two" {
		t.Errorf("marker = %q after recovery", title)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m, feed, _, _ := newTestMonitor(t, map[int64]string{42: "alice"})
	feed.entries["alice"] = &notifier.Entry{Title: "Dune Part Two", Link: "http://x/1"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after context cancellation")
	}

	if feed.fetches["alice"] == 0 {
		t.Error("Run() never ticked")
	}
}

func TestCheckAllEmptyRegistry(t *testing.T) {
	m, _, sink, _ := newTestMonitor(t, nil)

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() on empty registry error = %v", err)
	}
	if len(sink.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(sink.sent))
	}
}

func ExampleMonitor_CheckAll() {
	registry := notifier.NewRegistry(nil, &memorySaver{})
	_ = registry.Subscribe(context.Background(), 42, "alice")

	feed := newFakeFeed()
	feed.entries["alice"] = &notifier.Entry{Title: "Dune: Part Two", Link: "http://x/1"}
	sink := &fakeNotifier{failFor: make(map[int64]bool)}

	m := New(feed, registry, sink, testLogger())
	_ = m.CheckAll(context.Background())

	fmt.Println(sink.sent[0].username, "->", sink.sent[0].title)
	// Output: alice -> Dune: Part Two
}
