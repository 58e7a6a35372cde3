package core

import (
	"strings"
	"time"
)

// LocalParticipantID is the reserved identifier for the local participant.
// Exactly one roster entry per session carries it.
const LocalParticipantID = "local"

// ParticipantStatus is the lifecycle status of a roster entry.
type ParticipantStatus string

const (
	StatusActive ParticipantStatus = "active"
	StatusAway   ParticipantStatus = "away"
	StatusMuted  ParticipantStatus = "muted"
)

// Participant is a roster entry. Entries are created on admission, mutated on
// capability toggles and protocol events, and removed on leave or removal.
type Participant struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	AvatarLabel   string            `json:"avatar_label"`
	VideoEnabled  bool              `json:"video_enabled"`
	AudioEnabled  bool              `json:"audio_enabled"`
	ScreenSharing bool              `json:"screen_sharing"`
	IsHost        bool              `json:"is_host"`
	Status        ParticipantStatus `json:"status"`
	JoinedAt      time.Time         `json:"joined_at"`

	// AudioLevel is the current loudness in [0,1], decayed continuously by
	// the audio level monitor.
	AudioLevel float64 `json:"audio_level"`
}

// NewParticipant builds an active participant with a derived avatar label.
func NewParticipant(id, name string) *Participant {
	return &Participant{
		ID:           id,
		Name:         name,
		AvatarLabel:  AvatarLabel(name),
		VideoEnabled: true,
		AudioEnabled: true,
		Status:       StatusActive,
		JoinedAt:     time.Now(),
	}
}

// IsLocal reports whether the entry describes the local participant.
func (p *Participant) IsLocal() bool {
	return p.ID == LocalParticipantID
}

// AvatarLabel derives a short label from a display name: the upper-cased
// initials of the first two words.
func AvatarLabel(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "?"
	}
	label := firstRuneUpper(fields[0])
	if len(fields) > 1 {
		label += firstRuneUpper(fields[1])
	}
	return label
}

func firstRuneUpper(s string) string {
	for _, r := range s {
		return strings.ToUpper(string(r))
	}
	return ""
}
