package core

import (
	"slices"
	"time"
)

// MessageKind distinguishes chat log entries.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// FileMeta describes a shared file announced over the chat protocol. The URL
// is a location reference only; the core never fetches it.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// ChatMessage is a chat log entry. Immutable after creation except for the
// reaction map, which is mutated through ToggleReaction.
type ChatMessage struct {
	ID         string              `json:"id"`
	SenderID   string              `json:"sender_id"`
	SenderName string              `json:"sender_name"`
	Body       string              `json:"body"`
	Kind       MessageKind         `json:"kind"`
	Timestamp  time.Time           `json:"timestamp"`
	File       *FileMeta           `json:"file,omitempty"`
	Reactions  map[string][]string `json:"reactions,omitempty"`
}

// ToggleReaction flips userID's reaction for the given emoji: absent adds it,
// present removes it, and the emoji entry disappears when its set empties.
// Toggling twice is always a round trip to the prior state.
func (m *ChatMessage) ToggleReaction(emoji, userID string) {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users := m.Reactions[emoji]
	if i := slices.Index(users, userID); i >= 0 {
		users = slices.Delete(users, i, i+1)
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
		return
	}
	m.Reactions[emoji] = append(users, userID)
}

// ReactedBy reports whether userID currently has the given reaction applied.
func (m *ChatMessage) ReactedBy(emoji, userID string) bool {
	return slices.Contains(m.Reactions[emoji], userID)
}
