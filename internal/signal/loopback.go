package signal

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when sending on a closed signaling channel.
var ErrClosed = errors.New("signaling channel closed")

const loopbackBuffer = 64

// Bus is an in-process signaling fabric: every connected peer gets a Channel
// and messages route by To within one process. It stands in for a relay in
// tests and single-machine demos.
type Bus struct {
	mu    sync.RWMutex
	peers map[string]*busConn
}

// NewBus creates an empty loopback bus.
func NewBus() *Bus {
	return &Bus{peers: make(map[string]*busConn)}
}

// Connect registers a peer and returns its channel. Reconnecting an existing
// peer ID replaces the previous channel.
func (b *Bus) Connect(peerID string) Channel {
	conn := &busConn{
		bus:    b,
		peerID: peerID,
		recv:   make(chan Message, loopbackBuffer),
	}
	b.mu.Lock()
	if old, ok := b.peers[peerID]; ok {
		old.markClosed()
	}
	b.peers[peerID] = conn
	b.mu.Unlock()
	return conn
}

func (b *Bus) route(from string, msg Message) error {
	msg.From = from

	b.mu.RLock()
	defer b.mu.RUnlock()

	if msg.To != "" {
		target, ok := b.peers[msg.To]
		if !ok {
			// Unknown target: drop, matching relay behavior for a peer
			// that already left.
			return nil
		}
		target.deliver(msg)
		return nil
	}
	for id, peer := range b.peers {
		if id == from {
			continue
		}
		peer.deliver(msg)
	}
	return nil
}

func (b *Bus) disconnect(peerID string, conn *busConn) {
	b.mu.Lock()
	if cur, ok := b.peers[peerID]; ok && cur == conn {
		delete(b.peers, peerID)
	}
	b.mu.Unlock()
}

type busConn struct {
	bus    *Bus
	peerID string
	recv   chan Message

	mu     sync.Mutex
	closed bool
}

func (c *busConn) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.bus.route(c.peerID, msg)
}

func (c *busConn) Recv() <-chan Message {
	return c.recv
}

func (c *busConn) Close() error {
	c.bus.disconnect(c.peerID, c)
	c.markClosed()
	return nil
}

func (c *busConn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.recv)
	}
}

func (c *busConn) deliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.recv <- msg:
	default:
		// Drop on a full buffer; signaling is not replayed.
	}
}
