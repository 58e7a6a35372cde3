package session

import (
	"context"
	"slices"
	"time"

	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/proto"
	"github.com/vovakirdan/meshmeet/internal/utils"
)

const typingExpiry = 3 * time.Second

// SendChat appends a chat message locally and fans it out to every
// open control channel.
func (m *Manager) SendChat(ctx context.Context, body string) (*core.ChatMessage, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return nil, core.NewError(core.ErrCodeBadState, "no active session", core.ErrNotActive)
	}
	msg := core.ChatMessage{
		ID:         utils.NewMessageID(),
		SenderID:   m.selfID,
		SenderName: m.selfName,
		Body:       body,
		Kind:       core.KindText,
		Timestamp:  time.Now(),
	}
	m.chat = append(m.chat, msg)
	m.chatSeen[msg.ID] = true
	m.mu.Unlock()

	m.persistChat(ctx)
	m.fanOut(proto.Chat{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Body:       msg.Body,
		Timestamp:  msg.Timestamp.UnixMilli(),
	})
	return &msg, nil
}

// ShareFile announces a file and records it as a chat entry of kind
// file. The file body itself never crosses the control channel.
func (m *Manager) ShareFile(ctx context.Context, meta core.FileMeta) (*core.ChatMessage, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return nil, core.NewError(core.ErrCodeBadState, "no active session", core.ErrNotActive)
	}
	msg := core.ChatMessage{
		ID:         utils.NewMessageID(),
		SenderID:   m.selfID,
		SenderName: m.selfName,
		Body:       meta.Name,
		Kind:       core.KindFile,
		Timestamp:  time.Now(),
		File:       &meta,
	}
	m.chat = append(m.chat, msg)
	m.chatSeen[msg.ID] = true
	m.mu.Unlock()

	m.persistChat(ctx)
	m.fanOut(proto.File{
		MessageID: msg.ID,
		UserID:    msg.SenderID,
		UserName:  msg.SenderName,
		FileName:  meta.Name,
		FileSize:  meta.Size,
		FileURL:   meta.URL,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
	return &msg, nil
}

// ToggleReaction flips the local user's emoji on a message and
// broadcasts the toggle.
func (m *Manager) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeBadState, "no active session", core.ErrNotActive)
	}
	idx := slices.IndexFunc(m.chat, func(c core.ChatMessage) bool { return c.ID == messageID })
	if idx < 0 {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeNotFound, "no such message", nil)
	}
	m.chat[idx].ToggleReaction(emoji, m.selfID)
	selfID := m.selfID
	m.mu.Unlock()

	m.persistChat(ctx)
	m.fanOut(proto.Reaction{MessageID: messageID, Emoji: emoji, UserID: selfID})
	return nil
}

// SetTyping broadcasts the local typing indicator. Transient; nothing
// is persisted.
func (m *Manager) SetTyping(isTyping bool) {
	m.mu.Lock()
	selfID := m.selfID
	active := m.state == StateActive
	m.mu.Unlock()
	if !active {
		return
	}
	m.fanOut(proto.Typing{UserID: selfID, IsTyping: isTyping})
}

// RaiseHand broadcasts the hand-raised notification.
func (m *Manager) RaiseHand(raised bool) {
	m.mu.Lock()
	selfID, name := m.selfID, m.selfName
	active := m.state == StateActive
	m.mu.Unlock()
	if !active {
		return
	}
	m.fanOut(proto.HandRaised{UserID: selfID, Name: name, Raised: raised})
}

// Chat returns a snapshot of the chat log in arrival order.
func (m *Manager) Chat() []core.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.chat)
}

// Unread returns the count of messages received since MarkChatRead.
func (m *Manager) Unread() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread
}

// MarkChatRead resets the unread counter, typically when the chat
// panel gains visibility.
func (m *Manager) MarkChatRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unread = 0
}

// TypingPeers returns the participants whose typing indicator has not
// expired.
func (m *Manager) TypingPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-typingExpiry)
	var out []string
	for id, at := range m.typing {
		if at.Before(cutoff) {
			delete(m.typing, id)
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// handleControl dispatches one inbound data-channel message. Malformed
// or unknown payloads are dropped and logged.
func (m *Manager) handleControl(from string, data []byte) {
	msg, err := proto.Decode(data)
	if err != nil {
		m.log.Warn().Err(err).Str("from", from).Msg("control message dropped")
		return
	}

	switch v := msg.(type) {
	case proto.Chat:
		m.onRemoteChat(v)
	case proto.Typing:
		m.onRemoteTyping(v)
	case proto.Reaction:
		m.onRemoteReaction(v)
	case proto.HandRaised:
		if v.Raised {
			m.notify(v.Name+" raised a hand", SeverityInfo)
		}
	case proto.File:
		m.onRemoteFile(v)
	}
}

func (m *Manager) onRemoteChat(v proto.Chat) {
	m.mu.Lock()
	if m.chatSeen[v.ID] {
		m.mu.Unlock()
		return
	}
	m.chatSeen[v.ID] = true
	m.chat = append(m.chat, core.ChatMessage{
		ID:         v.ID,
		SenderID:   v.SenderID,
		SenderName: v.SenderName,
		Body:       v.Body,
		Kind:       core.KindText,
		Timestamp:  time.UnixMilli(v.Timestamp),
		Reactions:  v.Reactions,
	})
	m.unread++
	host := m.isHost
	m.mu.Unlock()
	if host {
		m.persistChat(context.Background())
	}
}

func (m *Manager) onRemoteFile(v proto.File) {
	m.mu.Lock()
	if m.chatSeen[v.MessageID] {
		m.mu.Unlock()
		return
	}
	m.chatSeen[v.MessageID] = true
	m.chat = append(m.chat, core.ChatMessage{
		ID:         v.MessageID,
		SenderID:   v.UserID,
		SenderName: v.UserName,
		Body:       v.FileName,
		Kind:       core.KindFile,
		Timestamp:  time.UnixMilli(v.Timestamp),
		File:       &core.FileMeta{Name: v.FileName, Size: v.FileSize, URL: v.FileURL},
	})
	m.unread++
	host := m.isHost
	m.mu.Unlock()
	if host {
		m.persistChat(context.Background())
	}
	m.notify(v.UserName+" shared "+v.FileName, SeverityInfo)
}

func (m *Manager) onRemoteTyping(v proto.Typing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.IsTyping {
		m.typing[v.UserID] = time.Now()
	} else {
		delete(m.typing, v.UserID)
	}
}

func (m *Manager) onRemoteReaction(v proto.Reaction) {
	m.mu.Lock()
	idx := slices.IndexFunc(m.chat, func(c core.ChatMessage) bool { return c.ID == v.MessageID })
	if idx >= 0 {
		m.chat[idx].ToggleReaction(v.Emoji, v.UserID)
	}
	host := m.isHost
	m.mu.Unlock()
	if idx >= 0 && host {
		m.persistChat(context.Background())
	}
}

// fanOut encodes one protocol message and sends it to every open
// control channel. Closed channels are skipped silently.
func (m *Manager) fanOut(msg proto.Message) {
	data, err := proto.Encode(msg)
	if err != nil {
		m.log.Error().Err(err).Msg("encode control message")
		return
	}
	m.mu.Lock()
	conns := make([]Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		if !c.ControlOpen() {
			continue
		}
		if err := c.SendControl(data); err != nil {
			m.log.Warn().Err(err).Msg("control send")
		}
	}
}

// persistChat writes the chat log through the store. Only the host
// writes; every node reads on join.
func (m *Manager) persistChat(ctx context.Context) {
	m.mu.Lock()
	if !m.isHost || m.sess == nil {
		m.mu.Unlock()
		return
	}
	id := m.sess.ID
	snapshot := slices.Clone(m.chat)
	m.mu.Unlock()
	if err := m.deps.Store.SaveChatHistory(ctx, id, snapshot); err != nil {
		m.log.Warn().Err(err).Msg("persist chat history")
	}
}
