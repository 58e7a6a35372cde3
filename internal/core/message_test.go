package core

import "testing"

func TestToggleReactionAddRemove(t *testing.T) {
	msg := &ChatMessage{ID: "m1", Body: "hi", Kind: KindText}

	msg.ToggleReaction("👍", "u1")
	if !msg.ReactedBy("👍", "u1") {
		t.Fatalf("expected reaction to be applied: %+v", msg.Reactions)
	}
	if got := msg.Reactions["👍"]; len(got) != 1 || got[0] != "u1" {
		t.Fatalf("unexpected reaction set: %v", got)
	}

	// Second toggle removes the user and deletes the empty entry.
	msg.ToggleReaction("👍", "u1")
	if _, ok := msg.Reactions["👍"]; ok {
		t.Fatalf("expected emoji entry to be deleted, got %v", msg.Reactions)
	}
}

func TestToggleReactionPairwiseInverse(t *testing.T) {
	msg := &ChatMessage{ID: "m1"}
	msg.ToggleReaction("🎉", "a")
	msg.ToggleReaction("🎉", "b")

	msg.ToggleReaction("🎉", "a")
	msg.ToggleReaction("🎉", "a")

	got := msg.Reactions["🎉"]
	if len(got) != 2 {
		t.Fatalf("expected two reactors after double toggle, got %v", got)
	}
}

func TestToggleReactionKeepsOtherUsers(t *testing.T) {
	msg := &ChatMessage{ID: "m1"}
	msg.ToggleReaction("👍", "a")
	msg.ToggleReaction("👍", "b")
	msg.ToggleReaction("👍", "a")

	got := msg.Reactions["👍"]
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected only b to remain, got %v", got)
	}
}

func TestAvatarLabel(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"Alice", "A"},
		{"alice cooper", "AC"},
		{"  bob   marley  ", "BM"},
		{"", "?"},
	}
	for _, tt := range tests {
		if got := AvatarLabel(tt.name); got != tt.expected {
			t.Errorf("AvatarLabel(%q) = %q, want %q", tt.name, got, tt.expected)
		}
	}
}
