// Package store defines the persistence surface for session metadata and
// chat history. The meeting core only ever needs key-value semantics: session
// metadata written on create and read on join, and one chat history value per
// session rewritten on append and hydrated once on join.
package store

import (
	"context"
	"errors"

	"github.com/vovakirdan/meshmeet/internal/core"
)

// ErrNotFound is returned when no session exists for the given identifier.
var ErrNotFound = errors.New("session not found")

// Store persists session metadata and chat history.
type Store interface {
	// SaveSession writes session metadata, overwriting any prior value.
	SaveSession(ctx context.Context, sess core.Session) error
	// GetSession reads session metadata; ErrNotFound if absent.
	GetSession(ctx context.Context, id string) (*core.Session, error)
	// DeleteSession removes session metadata and its chat history.
	// Deleting an absent session is not an error.
	DeleteSession(ctx context.Context, id string) error
	// ListSessions returns all stored sessions.
	ListSessions(ctx context.Context) ([]core.Session, error)

	// SaveChatHistory replaces the ordered chat log for a session.
	SaveChatHistory(ctx context.Context, sessionID string, msgs []core.ChatMessage) error
	// LoadChatHistory reads the ordered chat log; empty and nil are
	// equivalent for a session with no history.
	LoadChatHistory(ctx context.Context, sessionID string) ([]core.ChatMessage, error)

	Close() error
}
