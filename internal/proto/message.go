// Package proto defines the application protocol carried over each peer
// connection's reliable ordered data channel. Every message is one UTF-8 JSON
// object sharing the envelope {"type": ..., ...payload}; framing comes from
// the transport.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire type tags. Part of the wire format, keep values stable.
const (
	TypeChat       = "chat"
	TypeTyping     = "typing"
	TypeReaction   = "reaction"
	TypeHandRaised = "hand-raised"
	TypeFile       = "file"
)

// ErrUnknownType is returned for envelopes whose type tag is not part of the
// protocol. Receivers drop and log such messages.
var ErrUnknownType = errors.New("unknown message type")

// Message is the closed set of data-channel payloads. Dispatch on the
// concrete type with an exhaustive type switch; Decode never returns a type
// outside Chat, Typing, Reaction, HandRaised, File.
type Message interface {
	wireType() string
}

// Chat carries a full chat message.
type Chat struct {
	ID         string              `json:"messageId"`
	SenderID   string              `json:"userId"`
	SenderName string              `json:"userName"`
	Body       string              `json:"body"`
	Timestamp  int64               `json:"timestamp"`
	Reactions  map[string][]string `json:"reactions,omitempty"`
}

// Typing updates the transient typing-indicator set. Display-only, never
// persisted.
type Typing struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Reaction toggles a user's emoji on a chat message.
type Reaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

// HandRaised surfaces a notification; no state outlives it.
type HandRaised struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Raised bool   `json:"raised"`
}

// File announces a shared file; receivers synthesize a chat entry of kind
// "file" from it.
type File struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	FileURL   string `json:"fileUrl"`
	Timestamp int64  `json:"timestamp"`
}

func (Chat) wireType() string       { return TypeChat }
func (Typing) wireType() string     { return TypeTyping }
func (Reaction) wireType() string   { return TypeReaction }
func (HandRaised) wireType() string { return TypeHandRaised }
func (File) wireType() string       { return TypeFile }

type envelope struct {
	Type string `json:"type"`
}

// Encode serializes a message with its type tag folded into the envelope.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	// Fold the tag into the flat object.
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("flatten payload: %w", err)
	}
	flat["type"] = json.RawMessage(fmt.Sprintf("%q", msg.wireType()))
	return json.Marshal(flat)
}

// Decode parses one wire object into its concrete message type.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeChat:
		msg = &Chat{}
	case TypeTyping:
		msg = &Typing{}
	case TypeReaction:
		msg = &Reaction{}
	case TypeHandRaised:
		msg = &HandRaised{}
	case TypeFile:
		msg = &File{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return deref(msg), nil
}

// deref returns the value form so callers can switch on value types.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Chat:
		return *m
	case *Typing:
		return *m
	case *Reaction:
		return *m
	case *HandRaised:
		return *m
	case *File:
		return *m
	}
	return msg
}
