// Package signal carries the out-of-band negotiation traffic a mesh needs
// before any peer connection exists: join/admission control and
// offer/answer/ICE-candidate exchange. The orchestrator depends only on the
// Channel interface; a websocket client (relay deployments) and an in-process
// loopback bus (tests, single-process demos) both implement it.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
)

// Wire type tags for signaling messages.
const (
	TypeJoinRequest = "join-request"
	TypeAdmitted    = "admitted"
	TypeDenied      = "denied"
	TypePeerJoined  = "peer-joined"
	TypePeerLeft    = "peer-left"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeCandidate   = "candidate"
	TypeMute        = "mute"
	TypeRemove      = "remove"
	TypeScreen      = "screen"
)

// Message is the signaling envelope. From is stamped by the transport (the
// relay trusts its token, the loopback bus its registration), never by the
// sender. An empty To broadcasts to every other peer in the session.
type Message struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Session string          `json:"session,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Channel is one participant's view of the signaling transport.
type Channel interface {
	// Send routes a message to msg.To, or to everyone else when To is empty.
	Send(ctx context.Context, msg Message) error
	// Recv yields inbound messages until the channel closes.
	Recv() <-chan Message
	Close() error
}

// JoinRequest asks the session's host for admission.
type JoinRequest struct {
	Name string `json:"name"`
}

// PeerInfo is a roster snapshot entry sent to a newly admitted peer.
type PeerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"is_host"`
}

// Admitted tells a waiting peer it may enter, with the current roster so it
// can offer to every existing participant.
type Admitted struct {
	Peers []PeerInfo `json:"peers"`
}

// Denied tells a waiting peer the host refused admission.
type Denied struct {
	Reason string `json:"reason,omitempty"`
}

// PeerJoined announces an admitted peer to the rest of the session.
type PeerJoined struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"is_host"`
}

// SDP carries an offer or answer.
type SDP struct {
	SDP string `json:"sdp"`
}

// Candidate carries one trickled ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Screen announces that the sender's video track now carries (or no
// longer carries) a screen capture. Track replacement does not
// renegotiate, so receivers cannot infer this from media events.
type Screen struct {
	On bool `json:"on"`
}

// NewMessage builds an envelope with a marshaled payload.
func NewMessage(msgType, to, session string, payload any) (Message, error) {
	msg := Message{Type: msgType, To: to, Session: session}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// DecodePayload unmarshals the payload into out.
func DecodePayload(msg Message, out any) error {
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}
