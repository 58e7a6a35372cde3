// Package valkey implements store.Store on a Valkey (Redis protocol)
// key-value server: session metadata under "session:<id>", chat history under
// "chat:<id>", both as JSON values. This is the deployment-grade backend for
// multi-relay setups.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valkey-io/valkey-go"

	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/store"
)

const (
	sessionKeyPrefix = "session:"
	chatKeyPrefix    = "chat:"
)

// Store implements store.Store for Valkey.
type Store struct {
	client valkey.Client
}

// New connects to the Valkey server at addr.
func New(addr string) (*Store, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("connect valkey: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) SaveSession(ctx context.Context, sess core.Session) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	cmd := s.client.B().Set().Key(sessionKeyPrefix + sess.ID).Value(string(blob)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*core.Session, error) {
	cmd := s.client.B().Get().Key(sessionKeyPrefix + id).Build()
	blob, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess core.Session
	if err := json.Unmarshal([]byte(blob), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	cmd := s.client.B().Del().Key(sessionKeyPrefix+id, chatKeyPrefix+id).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]core.Session, error) {
	var out []core.Session
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(sessionKeyPrefix + "*").Count(100).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range entry.Elements {
			id := strings.TrimPrefix(key, sessionKeyPrefix)
			sess, err := s.GetSession(ctx, id)
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return nil, err
			}
			out = append(out, *sess)
		}
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *Store) SaveChatHistory(ctx context.Context, sessionID string, msgs []core.ChatMessage) error {
	if msgs == nil {
		msgs = []core.ChatMessage{}
	}
	blob, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal chat history: %w", err)
	}
	cmd := s.client.B().Set().Key(chatKeyPrefix + sessionID).Value(string(blob)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("save chat history: %w", err)
	}
	return nil
}

func (s *Store) LoadChatHistory(ctx context.Context, sessionID string) ([]core.ChatMessage, error) {
	cmd := s.client.B().Get().Key(chatKeyPrefix + sessionID).Build()
	blob, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	var msgs []core.ChatMessage
	if err := json.Unmarshal([]byte(blob), &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal chat history: %w", err)
	}
	return msgs, nil
}
