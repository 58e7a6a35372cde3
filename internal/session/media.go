package session

import (
	"sort"

	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/signal"
)

// SetVideoEnabled toggles the local camera. Disabling detaches the
// camera track from every connection so no frames leave the node;
// re-enabling reattaches it without renegotiation.
func (m *Manager) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	stream := m.stream
	coord := m.coord
	self := m.roster[core.LocalParticipantID]
	m.mu.Unlock()
	if stream == nil {
		return
	}
	changed := stream.SetVideoEnabled(enabled)
	if coord != nil && coord.SetVideoEnabled(enabled) {
		changed = true
	}
	if !changed {
		return
	}
	m.mu.Lock()
	if self != nil {
		self.VideoEnabled = enabled
	}
	m.mu.Unlock()
}

// SetAudioEnabled toggles the local microphone the same way: the audio
// track is detached from, or reattached to, every connection.
func (m *Manager) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	stream := m.stream
	coord := m.coord
	self := m.roster[core.LocalParticipantID]
	m.mu.Unlock()
	if stream == nil {
		return
	}
	changed := stream.SetAudioEnabled(enabled)
	if coord != nil && coord.SetAudioEnabled(enabled) {
		changed = true
	}
	if !changed {
		return
	}
	m.mu.Lock()
	if self != nil {
		self.AudioEnabled = enabled
		if enabled {
			if self.Status == core.StatusMuted {
				self.Status = core.StatusActive
			}
		} else {
			self.Status = core.StatusMuted
		}
	}
	m.mu.Unlock()
}

// StartScreenShare swaps every outgoing video sender to a fresh screen
// capture and announces the switch. No-op while already sharing.
func (m *Manager) StartScreenShare() error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeBadState, "no active session", core.ErrNotActive)
	}
	coord := m.coord
	sessionID := m.sess.ID
	self := m.roster[core.LocalParticipantID]
	m.mu.Unlock()

	if err := coord.StartScreenShare(m.deps.Media.AcquireScreen); err != nil {
		return err
	}

	m.mu.Lock()
	if self != nil {
		self.ScreenSharing = true
	}
	m.mu.Unlock()

	msg, err := signal.NewMessage(signal.TypeScreen, "", sessionID, signal.Screen{On: true})
	if err == nil {
		if err := m.send(msg); err != nil {
			m.log.Warn().Err(err).Msg("announce screen share")
		}
	}
	m.notify("Screen sharing started", SeverityInfo)
	return nil
}

// StopScreenShare reverts to the camera. Safe when not sharing.
func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	coord := m.coord
	sessionID := ""
	if m.sess != nil {
		sessionID = m.sess.ID
	}
	self := m.roster[core.LocalParticipantID]
	m.mu.Unlock()
	if coord == nil || !coord.Sharing() {
		return
	}

	coord.StopScreenShare()
	m.mu.Lock()
	if self != nil {
		self.ScreenSharing = false
	}
	m.mu.Unlock()

	msg, err := signal.NewMessage(signal.TypeScreen, "", sessionID, signal.Screen{On: false})
	if err == nil {
		if err := m.send(msg); err != nil {
			m.log.Warn().Err(err).Msg("announce screen share stop")
		}
	}
	m.notify("Screen sharing stopped", SeverityInfo)
}

// ScreenSharing reports whether the local screen share is active.
func (m *Manager) ScreenSharing() bool {
	m.mu.Lock()
	coord := m.coord
	m.mu.Unlock()
	return coord != nil && coord.Sharing()
}

// Roster returns the participants sorted by join time, local first on
// ties, with live audio levels filled in.
func (m *Manager) Roster() []core.Participant {
	m.mu.Lock()
	out := make([]core.Participant, 0, len(m.roster))
	for _, p := range m.roster {
		entry := *p
		entry.AudioLevel = m.deps.Monitor.Level(p.ID)
		out = append(out, entry)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID == core.LocalParticipantID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Waiting returns the IDs of participants parked in the waiting room,
// oldest first.
func (m *Manager) Waiting() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.waiting))
	for id := range m.waiting {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.waiting[ids[i]].Since.Before(m.waiting[ids[j]].Since)
	})
	return ids
}

// WaitingName returns the display name a waiting participant asked to
// join with.
func (m *Manager) WaitingName(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting[id].Name
}

// AudioLevel returns the current 0..1 loudness for a participant.
func (m *Manager) AudioLevel(participantID string) float64 {
	return m.monitor().Level(participantID)
}
