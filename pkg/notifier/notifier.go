// Package notifier contains the core domain types for the Letterboxd notification service.
package notifier

// Entry represents a single logged movie in a user's feed.
type Entry struct {
	Title   string // Movie title as logged, including any rating suffix
	Link    string // Diary entry URL
	Poster  string // Poster image URL from the entry description, if any
	Snippet string // Short plain-text excerpt of the review, if any
}

// State is the durable snapshot of both registries: which chat watches which
// Letterboxd username, and the last title notified for each username.
type State struct {
	Subscriptions map[int64]string  `json:"subscriptions"` // chat ID -> username
	LastSeen      map[string]string `json:"last_seen"`     // username -> last notified title
}

// NewState returns an empty state with both maps allocated.
func NewState() *State {
	return &State{
		Subscriptions: make(map[int64]string),
		LastSeen:      make(map[string]string),
	}
}
