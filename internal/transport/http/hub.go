package http

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/meshmeet/internal/signal"
)

const peerSendBuffer = 64

// hubPeer is one connected websocket as the hub sees it.
type hubPeer struct {
	id      string
	session string
	send    chan signal.Message

	mu     sync.Mutex
	closed bool
}

func (p *hubPeer) deliver(msg signal.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- msg:
		return true
	default:
		// Slow consumer: signaling messages are droppable, peers
		// re-offer on failure.
		return false
	}
}

func (p *hubPeer) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// Hub routes signaling envelopes between the peers of each session. It never
// inspects payloads; the meeting nodes own all semantics.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*hubPeer
	log      *zerolog.Logger
}

// NewHub creates an empty routing hub.
func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[string]*hubPeer),
		log:      logger,
	}
}

func (h *Hub) register(sessionID, peerID string) *hubPeer {
	peer := &hubPeer{
		id:      peerID,
		session: sessionID,
		send:    make(chan signal.Message, peerSendBuffer),
	}

	h.mu.Lock()
	peers, ok := h.sessions[sessionID]
	if !ok {
		peers = make(map[string]*hubPeer)
		h.sessions[sessionID] = peers
	}
	if old, exists := peers[peerID]; exists {
		old.shutdown()
	}
	peers[peerID] = peer
	h.mu.Unlock()

	h.log.Debug().Str("session_id", sessionID).Str("peer_id", peerID).Msg("peer registered")
	return peer
}

func (h *Hub) unregister(peer *hubPeer) {
	h.mu.Lock()
	if peers, ok := h.sessions[peer.session]; ok {
		if cur, exists := peers[peer.id]; exists && cur == peer {
			delete(peers, peer.id)
		}
		if len(peers) == 0 {
			delete(h.sessions, peer.session)
		}
	}
	h.mu.Unlock()

	peer.shutdown()
	h.log.Debug().Str("session_id", peer.session).Str("peer_id", peer.id).Msg("peer unregistered")
}

// route delivers msg within the sender's session: directed when To is set,
// fan-out to everyone else otherwise.
func (h *Hub) route(from *hubPeer, msg signal.Message) {
	msg.From = from.id
	msg.Session = from.session

	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := h.sessions[from.session]
	if msg.To != "" {
		if target, ok := peers[msg.To]; ok {
			if !target.deliver(msg) {
				h.log.Warn().Str("peer_id", msg.To).Str("type", msg.Type).Msg("dropped signal for slow peer")
			}
		}
		return
	}
	for id, peer := range peers {
		if id == from.id {
			continue
		}
		if !peer.deliver(msg) {
			h.log.Warn().Str("peer_id", id).Str("type", msg.Type).Msg("dropped signal for slow peer")
		}
	}
}

// sessionSize reports how many peers are connected for a session.
func (h *Hub) sessionSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
