package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/rtc"
	"github.com/vovakirdan/meshmeet/internal/signal"
)

// recvLoop pumps the signaling channel until it closes. Malformed
// messages are dropped and logged, never fatal.
func (m *Manager) recvLoop(ch signal.Channel) {
	defer func() {
		m.mu.Lock()
		done := m.recvDone
		m.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()
	for msg := range ch.Recv() {
		if err := m.handleSignal(msg); err != nil {
			m.log.Warn().Err(err).Str("type", msg.Type).Str("from", msg.From).Msg("signal dropped")
		}
	}
}

func (m *Manager) handleSignal(msg signal.Message) error {
	switch msg.Type {
	case signal.TypeJoinRequest:
		return m.onJoinRequest(msg)
	case signal.TypeAdmitted:
		return m.onAdmitted(msg)
	case signal.TypeDenied:
		return m.onDenied(msg)
	case signal.TypePeerJoined:
		return m.onPeerJoined(msg)
	case signal.TypePeerLeft:
		return m.onPeerLeft(msg)
	case signal.TypeOffer:
		return m.onOffer(msg)
	case signal.TypeAnswer:
		return m.onAnswer(msg)
	case signal.TypeCandidate:
		return m.onCandidate(msg)
	case signal.TypeMute:
		return m.onMuted(msg)
	case signal.TypeRemove:
		return m.onRemoved(msg)
	case signal.TypeScreen:
		return m.onScreen(msg)
	default:
		return fmt.Errorf("unknown signal type %q", msg.Type)
	}
}

func (m *Manager) onJoinRequest(msg signal.Message) error {
	var req signal.JoinRequest
	if err := signal.DecodePayload(msg, &req); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.isHost || m.state != StateActive {
		m.mu.Unlock()
		return nil
	}
	approval := m.sess.RequireApproval
	if approval {
		m.waiting[msg.From] = waitingEntry{Name: req.Name, Since: time.Now()}
	}
	m.mu.Unlock()

	if approval {
		m.notify(req.Name+" is waiting to join", SeverityInfo)
		return nil
	}
	return m.admit(msg.From, req.Name)
}

// admit sends the roster snapshot to the waiting peer, announces it to
// everyone else and adds it to the host's roster. The admitted peer
// initiates the offers.
func (m *Manager) admit(peerID, name string) error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return nil
	}
	sessionID := m.sess.ID
	ch := m.signals
	var peers []signal.PeerInfo
	for id, p := range m.roster {
		info := signal.PeerInfo{ID: id, Name: p.Name, IsHost: p.IsHost}
		if id == core.LocalParticipantID {
			info.ID = m.selfID
		}
		peers = append(peers, info)
	}
	entry := core.NewParticipant(peerID, name)
	m.roster[peerID] = entry
	m.mu.Unlock()

	admitted, err := signal.NewMessage(signal.TypeAdmitted, peerID, sessionID, signal.Admitted{Peers: peers})
	if err != nil {
		return err
	}
	if err := ch.Send(context.Background(), admitted); err != nil {
		return fmt.Errorf("send admitted: %w", err)
	}
	joined, err := signal.NewMessage(signal.TypePeerJoined, "", sessionID, signal.PeerJoined{ID: peerID, Name: name})
	if err != nil {
		return err
	}
	if err := ch.Send(context.Background(), joined); err != nil {
		m.log.Warn().Err(err).Msg("announce peer")
	}
	m.notify(name+" joined", SeverityInfo)
	return nil
}

func (m *Manager) onAdmitted(msg signal.Message) error {
	var adm signal.Admitted
	if err := signal.DecodePayload(msg, &adm); err != nil {
		return err
	}
	m.mu.Lock()
	ch := m.admitCh
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case ch <- admitResult{roster: adm.Peers}:
	default:
	}
	return nil
}

func (m *Manager) onDenied(msg signal.Message) error {
	var den signal.Denied
	if err := signal.DecodePayload(msg, &den); err != nil {
		return err
	}
	reason := den.Reason
	if reason == "" {
		reason = "host declined"
	}
	m.mu.Lock()
	ch := m.admitCh
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case ch <- admitResult{denied: reason}:
	default:
	}
	return nil
}

func (m *Manager) onPeerJoined(msg signal.Message) error {
	var pj signal.PeerJoined
	if err := signal.DecodePayload(msg, &pj); err != nil {
		return err
	}
	m.mu.Lock()
	if m.state != StateActive || pj.ID == m.selfID {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.roster[pj.ID]; !ok {
		entry := core.NewParticipant(pj.ID, pj.Name)
		entry.IsHost = pj.IsHost
		m.roster[pj.ID] = entry
	}
	m.mu.Unlock()
	// The new peer offers to us; nothing to dial here.
	return nil
}

func (m *Manager) onPeerLeft(msg signal.Message) error {
	// Only the transport-stamped sender identifies the leaver; a
	// payload-carried ID would let any connected peer evict others.
	m.dropPeer(msg.From, "left")
	return nil
}

// dropPeer removes one remote participant and its connection.
func (m *Manager) dropPeer(peerID, why string) {
	m.mu.Lock()
	conn := m.conns[peerID]
	delete(m.conns, peerID)
	p := m.roster[peerID]
	delete(m.roster, peerID)
	delete(m.typing, peerID)
	coord := m.coord
	mon := m.deps.Monitor
	m.mu.Unlock()

	mon.Unwatch(peerID)
	if coord != nil {
		coord.Unregister(peerID)
	}
	if conn != nil {
		conn.Close()
	}
	if p != nil {
		m.notify(p.Name+" "+why, SeverityInfo)
	}
}

func (m *Manager) onOffer(msg signal.Message) error {
	var sdp signal.SDP
	if err := signal.DecodePayload(msg, &sdp); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return nil
	}
	conn, ok := m.conns[msg.From]
	m.mu.Unlock()
	if !ok {
		var err error
		conn, err = m.newConn(msg.From)
		if err != nil {
			return err
		}
	}

	answer, err := conn.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP})
	if err != nil {
		return fmt.Errorf("handle offer from %s: %w", msg.From, err)
	}
	reply, err := signal.NewMessage(signal.TypeAnswer, msg.From, msg.Session, signal.SDP{SDP: answer.SDP})
	if err != nil {
		return err
	}
	return m.send(reply)
}

func (m *Manager) onAnswer(msg signal.Message) error {
	var sdp signal.SDP
	if err := signal.DecodePayload(msg, &sdp); err != nil {
		return err
	}
	m.mu.Lock()
	conn, ok := m.conns[msg.From]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("answer from unknown peer %s", msg.From)
	}
	return conn.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP})
}

func (m *Manager) onCandidate(msg signal.Message) error {
	var cand signal.Candidate
	if err := signal.DecodePayload(msg, &cand); err != nil {
		return err
	}
	m.mu.Lock()
	conn, ok := m.conns[msg.From]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("candidate from unknown peer %s", msg.From)
	}
	return conn.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (m *Manager) onMuted(msg signal.Message) error {
	m.mu.Lock()
	host := m.hostPeerID()
	m.mu.Unlock()
	if msg.From != host {
		return nil
	}
	m.SetAudioEnabled(false)
	m.notify("You were muted by the host", SeverityWarning)
	return nil
}

func (m *Manager) onRemoved(msg signal.Message) error {
	m.mu.Lock()
	host := m.hostPeerID()
	m.mu.Unlock()
	if msg.From != host {
		return nil
	}
	m.notify("You were removed from the session", SeverityWarning)
	go m.Leave(context.Background())
	return nil
}

func (m *Manager) onScreen(msg signal.Message) error {
	var sc signal.Screen
	if err := signal.DecodePayload(msg, &sc); err != nil {
		return err
	}
	m.mu.Lock()
	if p, ok := m.roster[msg.From]; ok {
		p.ScreenSharing = sc.On
	}
	if conn, ok := m.conns[msg.From]; ok {
		conn.SetRemoteScreen(sc.On)
	}
	m.mu.Unlock()
	return nil
}

// hostPeerID returns the network ID of the session host as seen from
// this node. Caller holds m.mu.
func (m *Manager) hostPeerID() string {
	if m.sess == nil {
		return ""
	}
	if m.isHost {
		return m.selfID
	}
	return m.sess.HostID
}

// send ships one signaling message on the active channel.
func (m *Manager) send(msg signal.Message) error {
	m.mu.Lock()
	ch := m.signals
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Send(context.Background(), msg)
}

// newConn builds and registers the connection to one remote peer with
// all callbacks wired.
func (m *Manager) newConn(remoteID string) (Conn, error) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return nil, core.NewError(core.ErrCodeBadState, "no active session", core.ErrNotActive)
	}
	sessionID := m.sess.ID
	var tracks []webrtc.TrackLocal
	if m.stream != nil {
		tracks = m.stream.Tracks()
	}
	m.mu.Unlock()

	cb := rtc.Callbacks{
		OnStateChange: func(s rtc.State) { m.onConnState(remoteID, s) },
		OnMessage:     func(data []byte) { m.handleControl(remoteID, data) },
		OnRemoteTrack: func(kind webrtc.RTPCodecType, isScreen bool, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
			if kind == webrtc.RTPCodecTypeAudio {
				if extID, ok := rtc.AudioLevelExtensionID(recv); ok {
					m.monitor().Watch(remoteID, track, extID)
				}
			}
		},
		OnICE: func(cand webrtc.ICECandidateInit) {
			msg, err := signal.NewMessage(signal.TypeCandidate, remoteID, sessionID, signal.Candidate{
				Candidate:     cand.Candidate,
				SDPMid:        cand.SDPMid,
				SDPMLineIndex: cand.SDPMLineIndex,
			})
			if err == nil {
				if err := m.send(msg); err != nil {
					m.log.Warn().Err(err).Str("peer", remoteID).Msg("send candidate")
				}
			}
		},
	}

	conn, err := m.deps.NewConn(remoteID, tracks, cb)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", remoteID, err)
	}

	m.mu.Lock()
	m.conns[remoteID] = conn
	coord := m.coord
	m.mu.Unlock()
	if coord != nil {
		coord.Register(remoteID, conn.VideoSender(), conn.AudioSender())
	}
	return conn, nil
}

// dialPeer creates the connection and sends our offer.
func (m *Manager) dialPeer(ctx context.Context, remoteID string) error {
	conn, err := m.newConn(remoteID)
	if err != nil {
		return err
	}
	offer, err := conn.Offer()
	if err != nil {
		return fmt.Errorf("offer to %s: %w", remoteID, err)
	}
	m.mu.Lock()
	sessionID := ""
	if m.sess != nil {
		sessionID = m.sess.ID
	}
	ch := m.signals
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	msg, err := signal.NewMessage(signal.TypeOffer, remoteID, sessionID, signal.SDP{SDP: offer.SDP})
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}

// onConnState mirrors peer connection health into the roster. Failed
// and disconnected peers stay listed with a degraded status until they
// leave or are removed.
func (m *Manager) onConnState(remoteID string, s rtc.State) {
	m.mu.Lock()
	p, ok := m.roster[remoteID]
	if ok {
		switch s {
		case rtc.StateConnected:
			if p.Status == core.StatusAway {
				p.Status = core.StatusActive
			}
		case rtc.StateDisconnected, rtc.StateFailed:
			p.Status = core.StatusAway
		}
	}
	name := ""
	if p != nil {
		name = p.Name
	}
	m.mu.Unlock()

	switch s {
	case rtc.StateConnected:
		m.notify(name+" connected", SeveritySuccess)
	case rtc.StateFailed:
		m.notify("Connection to "+name+" failed", SeverityError)
	}
}

// Approve admits a waiting participant. Host only.
func (m *Manager) Approve(id string) error {
	m.mu.Lock()
	if !m.isHost {
		m.mu.Unlock()
		return core.NewError(core.ErrCodePermissionDenied, "only the host admits participants", core.ErrNotHost)
	}
	entry, ok := m.waiting[id]
	if !ok {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeNotFound, "no such waiting participant", nil)
	}
	delete(m.waiting, id)
	m.mu.Unlock()
	return m.admit(id, entry.Name)
}

// Deny refuses a waiting participant. Host only.
func (m *Manager) Deny(id, reason string) error {
	m.mu.Lock()
	if !m.isHost {
		m.mu.Unlock()
		return core.NewError(core.ErrCodePermissionDenied, "only the host admits participants", core.ErrNotHost)
	}
	_, ok := m.waiting[id]
	if !ok {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeNotFound, "no such waiting participant", nil)
	}
	delete(m.waiting, id)
	sessionID := m.sess.ID
	m.mu.Unlock()

	msg, err := signal.NewMessage(signal.TypeDenied, id, sessionID, signal.Denied{Reason: reason})
	if err != nil {
		return err
	}
	return m.send(msg)
}

// Mute asks a participant to mute their microphone. Host only. The
// host's roster marks the target muted right away; the target's own
// node detaches its audio when the signal lands.
func (m *Manager) Mute(id string) error {
	if err := m.hostSignal(id, signal.TypeMute, nil); err != nil {
		return err
	}
	m.mu.Lock()
	if p, ok := m.roster[id]; ok {
		p.AudioEnabled = false
		p.Status = core.StatusMuted
	}
	m.mu.Unlock()
	return nil
}

// Remove expels a participant from the session. Host only.
func (m *Manager) Remove(id string) error {
	if err := m.hostSignal(id, signal.TypeRemove, nil); err != nil {
		return err
	}
	m.dropPeer(id, "was removed")
	return nil
}

func (m *Manager) hostSignal(id, msgType string, payload any) error {
	m.mu.Lock()
	if !m.isHost {
		m.mu.Unlock()
		return core.NewError(core.ErrCodePermissionDenied, "only the host controls participants", core.ErrNotHost)
	}
	if _, ok := m.roster[id]; !ok {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeNotFound, "no such participant", nil)
	}
	sessionID := m.sess.ID
	m.mu.Unlock()

	msg, err := signal.NewMessage(msgType, id, sessionID, payload)
	if err != nil {
		return err
	}
	return m.send(msg)
}
