package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// State is the lifecycle of one peer connection. There is no automatic
// recovery: Disconnected and Failed are terminal until the session
// layer removes the peer.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const controlLabel = "control"

// DefaultConfig returns a configuration pointed at the given STUN/TURN
// URLs, falling back to Google's public STUN server.
func DefaultConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Peer wraps one webrtc.PeerConnection to a single remote participant:
// local tracks attached up front, an ordered reliable "control" data
// channel, and callbacks for state, messages, tracks and trickle ICE.
type Peer struct {
	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	remoteID string
	state    State

	control  *webrtc.DataChannel
	inbound  map[string]*webrtc.DataChannel
	videoSnd *webrtc.RTPSender
	audioSnd *webrtc.RTPSender

	remoteScreen bool

	onStateChange func(State)
	onMessage     func([]byte)
	onRemoteTrack func(kind webrtc.RTPCodecType, isScreen bool, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
	onICE         func(webrtc.ICECandidateInit)

	closeOnce sync.Once
	log       zerolog.Logger
}

// Callbacks must be set before the first negotiation so no events are
// lost.
type Callbacks struct {
	OnStateChange func(State)
	OnMessage     func([]byte)
	OnRemoteTrack func(kind webrtc.RTPCodecType, isScreen bool, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
	OnICE         func(webrtc.ICECandidateInit)
}

// NewPeer builds the connection, attaches the local tracks and opens
// the control channel. api carries the media engine populated by the
// device layer.
func NewPeer(api *webrtc.API, cfg webrtc.Configuration, remoteID string, tracks []webrtc.TrackLocal, cb Callbacks, logger zerolog.Logger) (*Peer, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:            pc,
		remoteID:      remoteID,
		state:         StateNew,
		inbound:       make(map[string]*webrtc.DataChannel),
		onStateChange: cb.OnStateChange,
		onMessage:     cb.OnMessage,
		onRemoteTrack: cb.OnRemoteTrack,
		onICE:         cb.OnICE,
		log:           logger.With().Str("module", "rtc").Str("remote", remoteID).Logger(),
	}

	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			p.videoSnd = sender
		case webrtc.RTPCodecTypeAudio:
			p.audioSnd = sender
		}
	}

	control, err := pc.CreateDataChannel(controlLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create control channel: %w", err)
	}
	p.control = control
	p.wireDataChannel(control)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.mu.Lock()
		p.inbound[channelKey(dc)] = dc
		p.mu.Unlock()
		p.wireDataChannel(dc)
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || p.onICE == nil {
			return
		}
		p.onICE(cand.ToJSON())
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.setState(StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			p.setState(StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			p.setState(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			p.setState(StateClosed)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		p.mu.Lock()
		isScreen := p.remoteScreen
		p.mu.Unlock()
		p.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if p.onRemoteTrack != nil {
			p.onRemoteTrack(track.Kind(), isScreen, track, recv)
		}
	})

	return p, nil
}

func channelKey(dc *webrtc.DataChannel) string {
	id := uint16(0)
	if dc.ID() != nil {
		id = *dc.ID()
	}
	return fmt.Sprintf("%s/%d", dc.Label(), id)
}

func (p *Peer) wireDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		p.log.Debug().Str("label", dc.Label()).Msg("data channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.onMessage != nil {
			p.onMessage(msg.Data)
		}
	})
}

// RemoteID returns the participant this peer connects to.
func (p *Peer) RemoteID() string {
	return p.remoteID
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	if p.state == StateClosed || p.state == s {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = s
	p.mu.Unlock()

	p.log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("peer state")
	if p.onStateChange != nil {
		p.onStateChange(s)
	}
}

// SetRemoteScreen marks whether the remote's video track currently
// carries a screen capture. Driven by control messages since track
// replacement does not renegotiate.
func (p *Peer) SetRemoteScreen(on bool) {
	p.mu.Lock()
	p.remoteScreen = on
	p.mu.Unlock()
}

// Offer creates and applies a local offer. ICE trickles through the
// OnICE callback.
func (p *Peer) Offer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	p.setState(StateNegotiating)
	return offer, nil
}

// HandleOffer applies a remote offer and returns the answer.
func (p *Peer) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	p.setState(StateNegotiating)
	return answer, nil
}

// HandleAnswer applies the remote answer to our pending offer.
func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddICECandidate feeds one trickled candidate.
func (p *Peer) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(cand)
}

// SendControl writes to the control channel. Messages sent before the
// channel opens or after it closes are dropped silently.
func (p *Peer) SendControl(data []byte) error {
	p.mu.Lock()
	dc := p.control
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return dc.Send(data)
}

// ControlOpen reports whether the control channel is usable.
func (p *Peer) ControlOpen() bool {
	p.mu.Lock()
	dc := p.control
	p.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// VideoSender exposes the local video RTPSender for track replacement.
// Nil when no local video track was attached.
func (p *Peer) VideoSender() *webrtc.RTPSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoSnd
}

// AudioSender exposes the local audio RTPSender for mute handling.
// Nil when no local audio track was attached.
func (p *Peer) AudioSender() *webrtc.RTPSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioSnd
}

// Close tears the connection down. Safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.setState(StateClosed)
		p.mu.Lock()
		control := p.control
		p.control = nil
		p.inbound = make(map[string]*webrtc.DataChannel)
		p.mu.Unlock()
		if control != nil {
			_ = control.Close()
		}
		if err := p.pc.Close(); err != nil {
			p.log.Debug().Err(err).Msg("peer connection close")
		}
	})
}

// AudioLevelExtensionID finds the negotiated header extension ID for
// the audio-level URI on a receiver. False when the extension was not
// negotiated.
func AudioLevelExtensionID(recv *webrtc.RTPReceiver) (uint8, bool) {
	for _, ext := range recv.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			return uint8(ext.ID), true
		}
	}
	return 0, false
}
