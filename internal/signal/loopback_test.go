package signal

import (
	"context"
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("expected a message")
		return Message{}
	}
}

func TestBusDirectRouting(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")
	c := bus.Connect("c")

	msg, err := NewMessage(TypeOffer, "b", "s1", SDP{SDP: "v=0"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := recvOne(t, b.Recv())
	if got.From != "a" || got.Type != TypeOffer {
		t.Fatalf("unexpected message: %+v", got)
	}
	var sdp SDP
	if err := DecodePayload(got, &sdp); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if sdp.SDP != "v=0" {
		t.Fatalf("payload mismatch: %+v", sdp)
	}

	select {
	case stray := <-c.Recv():
		t.Fatalf("c must not receive a directed message, got %+v", stray)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusBroadcastSkipsSender(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")
	c := bus.Connect("c")

	msg, _ := NewMessage(TypePeerJoined, "", "s1", PeerJoined{ID: "a", Name: "Alice"})
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, ch := range []Channel{b, c} {
		got := recvOne(t, ch.Recv())
		if got.Type != TypePeerJoined || got.From != "a" {
			t.Fatalf("unexpected broadcast: %+v", got)
		}
	}
	select {
	case stray := <-a.Recv():
		t.Fatalf("sender must not hear its own broadcast, got %+v", stray)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSendToUnknownPeerIsDropped(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")

	msg, _ := NewMessage(TypeOffer, "ghost", "s1", nil)
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("send to departed peer must not error: %v", err)
	}
}

func TestBusCloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	a := bus.Connect("a")
	b := bus.Connect("b")

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-b.Recv(); ok {
		t.Fatal("recv channel must be closed")
	}

	msg, _ := NewMessage(TypeOffer, "b", "s1", nil)
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("send after peer close: %v", err)
	}

	if err := b.Send(context.Background(), msg); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
