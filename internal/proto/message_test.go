package proto

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeChat(t *testing.T) {
	in := Chat{
		ID:         "1724-ab",
		SenderID:   "local",
		SenderName: "Alice",
		Body:       "hi",
		Timestamp:  1724,
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// The tag must live in the flat envelope.
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal wire form: %v", err)
	}
	if env["type"] != TypeChat {
		t.Fatalf("expected type tag %q, got %v", TypeChat, env["type"])
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	chat, ok := out.(Chat)
	if !ok {
		t.Fatalf("expected Chat, got %T", out)
	}
	if !reflect.DeepEqual(chat, in) {
		t.Fatalf("round trip mismatch: %+v != %+v", chat, in)
	}
}

func TestDecodeDispatchesEveryType(t *testing.T) {
	tests := []struct {
		wire string
		want string
	}{
		{`{"type":"chat","messageId":"m","userId":"u","body":"x"}`, TypeChat},
		{`{"type":"typing","userId":"u","isTyping":true}`, TypeTyping},
		{`{"type":"reaction","messageId":"m","emoji":"👍","userId":"u"}`, TypeReaction},
		{`{"type":"hand-raised","userId":"u","name":"Bob","raised":true}`, TypeHandRaised},
		{`{"type":"file","messageId":"m","userId":"u","fileName":"a.txt","fileSize":3}`, TypeFile},
	}

	for _, tt := range tests {
		msg, err := Decode([]byte(tt.wire))
		if err != nil {
			t.Errorf("decode %q: %v", tt.wire, err)
			continue
		}
		if got := msg.wireType(); got != tt.want {
			t.Errorf("decode %q: dispatched to %q", tt.wire, got)
		}
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"poke"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if _, err := Decode([]byte(`{"type":"typing","isTyping":"yes"}`)); err == nil {
		t.Fatal("expected error for mistyped field")
	}
}

func TestTypingRoundTripPreservesFalse(t *testing.T) {
	data, err := Encode(Typing{UserID: "u", IsTyping: false})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	typing := msg.(Typing)
	if typing.IsTyping {
		t.Fatal("expected isTyping=false to survive")
	}
}
