package notifier

import (
	"context"
	"sync"
)

// Saver persists a registry snapshot durably. A successful save means a
// later load returns the snapshot even after a crash.
type Saver interface {
	Save(ctx context.Context, state *State) error
}

// Registry is the owned aggregate of the subscription and last-seen maps.
// All access goes through one mutex; every mutation is persisted through the
// Saver before it is considered committed, and rolls back in memory when the
// save fails, so memory never diverges from durable state.
type Registry struct {
	mu       sync.Mutex
	subs     map[int64]string
	lastSeen map[string]string
	saver    Saver
}

// NewRegistry builds a registry from a loaded state. Nil maps in the state
// are tolerated (first run).
func NewRegistry(state *State, saver Saver) *Registry {
	if state == nil {
		state = NewState()
	}
	subs := make(map[int64]string, len(state.Subscriptions))
	for chatID, username := range state.Subscriptions {
		subs[chatID] = username
	}
	lastSeen := make(map[string]string, len(state.LastSeen))
	for username, title := range state.LastSeen {
		lastSeen[username] = title
	}
	return &Registry{subs: subs, lastSeen: lastSeen, saver: saver}
}

// Subscribe sets the watched username for a chat. A repeated call with the
// same username is a no-op in effect; a different username overwrites the
// previous watch (one watched identity per chat, last write wins).
func (r *Registry) Subscribe(ctx context.Context, chatID int64, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.subs[chatID]
	if had && prev == username {
		return nil
	}

	r.subs[chatID] = username
	if err := r.saveLocked(ctx); err != nil {
		if had {
			r.subs[chatID] = prev
		} else {
			delete(r.subs, chatID)
		}
		return err
	}
	return nil
}

// Unsubscribe removes a chat's watch. Returns false when the chat was not
// subscribed; that is not an error. The last-seen marker for the previously
// watched username is left in place on purpose, keeping the two maps
// uncoupled.
func (r *Registry) Unsubscribe(ctx context.Context, chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.subs[chatID]
	if !had {
		return false, nil
	}

	delete(r.subs, chatID)
	if err := r.saveLocked(ctx); err != nil {
		r.subs[chatID] = prev
		return false, err
	}
	return true, nil
}

// Watched returns the username a chat is subscribed to, if any.
func (r *Registry) Watched(chatID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.subs[chatID]
	return username, ok
}

// Watchers groups subscribed chat IDs by watched username. The result is a
// snapshot; subscribes and unsubscribes racing a poll pass are tolerated.
func (r *Registry) Watchers() map[string][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	watchers := make(map[string][]int64)
	for chatID, username := range r.subs {
		watchers[username] = append(watchers[username], chatID)
	}
	return watchers
}

// LastSeen returns the last notified title for a username. The second result
// is false when the username has never been polled successfully.
func (r *Registry) LastSeen(username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	title, ok := r.lastSeen[username]
	return title, ok
}

// MarkSeen advances the last-seen marker for a username and persists it.
func (r *Registry) MarkSeen(ctx context.Context, username, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.lastSeen[username]
	if had && prev == title {
		return nil
	}

	r.lastSeen[username] = title
	if err := r.saveLocked(ctx); err != nil {
		if had {
			r.lastSeen[username] = prev
		} else {
			delete(r.lastSeen, username)
		}
		return err
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (r *Registry) Snapshot() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() *State {
	state := &State{
		Subscriptions: make(map[int64]string, len(r.subs)),
		LastSeen:      make(map[string]string, len(r.lastSeen)),
	}
	for chatID, username := range r.subs {
		state.Subscriptions[chatID] = username
	}
	for username, title := range r.lastSeen {
		state.LastSeen[username] = title
	}
	return state
}

func (r *Registry) saveLocked(ctx context.Context) error {
	return r.saver.Save(ctx, r.snapshotLocked())
}
