// Package session orchestrates one meeting from the local participant's
// point of view: admission, the peer-connection mesh, the roster, chat and
// media coordination. The Manager owns every per-session resource and
// guarantees Leave returns the process to a clean idle state.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/meshmeet/internal/audiolevel"
	"github.com/vovakirdan/meshmeet/internal/auth"
	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/media"
	"github.com/vovakirdan/meshmeet/internal/rtc"
	"github.com/vovakirdan/meshmeet/internal/signal"
	"github.com/vovakirdan/meshmeet/internal/store"
	"github.com/vovakirdan/meshmeet/internal/utils"
)

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Severity grades user-facing notifications.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier receives user-facing event messages. May be nil.
type Notifier func(msg string, severity Severity)

// Conn is one peer connection as the manager drives it. *rtc.Peer
// satisfies it through the wiring adapter.
type Conn interface {
	Offer() (webrtc.SessionDescription, error)
	HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	HandleAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	SendControl(data []byte) error
	ControlOpen() bool
	SetRemoteScreen(on bool)
	State() rtc.State
	VideoSender() media.TrackSender
	AudioSender() media.TrackSender
	Close()
}

// ConnFactory builds the connection to one remote participant with the
// local tracks attached.
type ConnFactory func(remoteID string, tracks []webrtc.TrackLocal, cb rtc.Callbacks) (Conn, error)

// LocalStream is the locally captured media attached to every
// connection. *device.Stream satisfies it.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	CameraTrack() webrtc.TrackLocal
	MicTrack() webrtc.TrackLocal
	SetVideoEnabled(enabled bool) bool
	SetAudioEnabled(enabled bool) bool
	Release()
}

// MediaSource acquires local capture. *device.Manager satisfies it
// through the wiring adapter.
type MediaSource interface {
	Acquire() (LocalStream, error)
	AcquireScreen() (media.ScreenTrack, func(), error)
}

// ConnectInfo identifies the participant opening a signaling channel.
// Name and Secret feed relay admission; the loopback bus ignores them.
type ConnectInfo struct {
	SessionID string
	PeerID    string
	Name      string
	Secret    string
}

// ConnectFunc opens the signaling channel for a session under the given
// peer identity.
type ConnectFunc func(ctx context.Context, info ConnectInfo) (signal.Channel, error)

// Deps are the manager's collaborators. Tests substitute fakes; wiring.go
// builds the real set.
type Deps struct {
	Store   store.Store
	Connect ConnectFunc
	NewConn ConnFactory
	Media   MediaSource
	Monitor *audiolevel.Monitor
	Notify  Notifier
	Logger  zerolog.Logger
}

// CreateOptions configures a new session.
type CreateOptions struct {
	Name            string
	HostName        string
	Secret          string
	RequireApproval bool
}

type waitingEntry struct {
	Name  string
	Since time.Time
}

type admitResult struct {
	roster []signal.PeerInfo
	denied string
	err    error
}

// Manager orchestrates one session at a time. All exported methods are
// safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	state State

	deps Deps
	log  zerolog.Logger

	sess     *core.Session
	selfID   string
	selfName string
	isHost   bool

	signals signal.Channel
	stream  LocalStream
	coord   *media.Coordinator

	roster  map[string]*core.Participant
	waiting map[string]waitingEntry
	conns   map[string]Conn

	chat      []core.ChatMessage
	chatSeen  map[string]bool
	unread    int
	typing    map[string]time.Time
	admitCh   chan admitResult
	recvDone  chan struct{}
}

// NewManager builds an idle manager.
func NewManager(deps Deps) *Manager {
	if deps.Monitor == nil {
		deps.Monitor = audiolevel.NewMonitor(deps.Logger)
	}
	return &Manager{
		state:    StateIdle,
		deps:     deps,
		log:      deps.Logger.With().Str("module", "session").Logger(),
		roster:   make(map[string]*core.Participant),
		waiting:  make(map[string]waitingEntry),
		conns:    make(map[string]Conn),
		chatSeen: make(map[string]bool),
		typing:   make(map[string]time.Time),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the active session's identifier, empty when idle.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.ID
}

// NetworkID returns the identifier this node carries on the signaling
// fabric, empty when idle.
func (m *Manager) NetworkID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// IsHost reports whether the local participant hosts the session.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

func (m *Manager) notify(msg string, sev Severity) {
	if m.deps.Notify != nil {
		m.deps.Notify(msg, sev)
	}
}

// Create provisions a session, acquires local media and enters it as
// host. Device failure aborts before anything is written.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (string, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return "", core.NewError(core.ErrCodeBadState, "a session is already active", nil)
	}
	m.state = StateInitializing
	m.mu.Unlock()

	stream, err := m.deps.Media.Acquire()
	if err != nil {
		m.resetToIdle()
		return "", err
	}

	id := utils.NewSessionID()
	selfID := utils.NewID()
	sess := core.Session{
		ID:              id,
		Name:            opts.Name,
		HostID:          selfID,
		RequireApproval: opts.RequireApproval,
		CreatedAt:       time.Now(),
	}
	if sess.Name == "" {
		sess.Name = "Meeting " + id
	}
	if opts.Secret != "" {
		hash, err := auth.HashSecret(opts.Secret)
		if err != nil {
			stream.Release()
			m.resetToIdle()
			return "", fmt.Errorf("hash secret: %w", err)
		}
		sess.SecretHash = hash
		sess.RequirePassword = true
	}
	if err := m.deps.Store.SaveSession(ctx, sess); err != nil {
		stream.Release()
		m.resetToIdle()
		return "", fmt.Errorf("save session: %w", err)
	}

	ch, err := m.deps.Connect(ctx, ConnectInfo{SessionID: id, PeerID: selfID, Name: opts.HostName, Secret: opts.Secret})
	if err != nil {
		_ = m.deps.Store.DeleteSession(ctx, id)
		stream.Release()
		m.resetToIdle()
		return "", fmt.Errorf("connect signaling: %w", err)
	}

	m.mu.Lock()
	m.sess = &sess
	m.selfID = selfID
	m.selfName = opts.HostName
	m.isHost = true
	m.signals = ch
	m.stream = stream
	m.coord = media.NewCoordinator(stream.CameraTrack(), stream.MicTrack(), m.log)
	self := core.NewParticipant(core.LocalParticipantID, opts.HostName)
	self.IsHost = true
	m.roster[core.LocalParticipantID] = self
	m.recvDone = make(chan struct{})
	m.state = StateActive
	m.mu.Unlock()

	go m.recvLoop(ch)
	m.log.Info().Str("session", id).Msg("session created")
	m.notify("Session created", SeveritySuccess)
	return id, nil
}

// Join enters an existing session. It blocks until the host admits or
// denies, or ctx expires. On any failure no connection survives.
func (m *Manager) Join(ctx context.Context, sessionID, secret, name string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return core.NewError(core.ErrCodeBadState, "a session is already active", nil)
	}
	m.state = StateInitializing
	m.mu.Unlock()

	sess, err := m.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		m.resetToIdle()
		if err == store.ErrNotFound {
			return core.NewError(core.ErrCodeNotFound, "session not found", core.ErrSessionNotFound)
		}
		return fmt.Errorf("lookup session: %w", err)
	}
	if sess.RequirePassword {
		if err := auth.CompareSecret(sess.SecretHash, secret); err != nil {
			m.resetToIdle()
			return core.NewError(core.ErrCodeInvalidPassword, "invalid session password", core.ErrInvalidPassword)
		}
	}

	stream, err := m.deps.Media.Acquire()
	if err != nil {
		m.resetToIdle()
		return err
	}

	selfID := utils.NewID()
	ch, err := m.deps.Connect(ctx, ConnectInfo{SessionID: sessionID, PeerID: selfID, Name: name, Secret: secret})
	if err != nil {
		stream.Release()
		m.resetToIdle()
		return fmt.Errorf("connect signaling: %w", err)
	}

	admitCh := make(chan admitResult, 1)
	m.mu.Lock()
	m.sess = sess
	m.selfID = selfID
	m.selfName = name
	m.isHost = false
	m.signals = ch
	m.stream = stream
	m.coord = media.NewCoordinator(stream.CameraTrack(), stream.MicTrack(), m.log)
	m.admitCh = admitCh
	m.recvDone = make(chan struct{})
	m.mu.Unlock()

	go m.recvLoop(ch)

	req, err := signal.NewMessage(signal.TypeJoinRequest, "", sessionID, signal.JoinRequest{Name: name})
	if err == nil {
		err = ch.Send(ctx, req)
	}
	if err != nil {
		m.teardown()
		return fmt.Errorf("send join request: %w", err)
	}

	var result admitResult
	select {
	case result = <-admitCh:
	case <-ctx.Done():
		m.teardown()
		return fmt.Errorf("waiting for admission: %w", ctx.Err())
	}
	if result.denied != "" {
		m.teardown()
		return core.NewError(core.ErrCodePermissionDenied, "admission denied: "+result.denied, nil)
	}
	if result.err != nil {
		m.teardown()
		return result.err
	}

	history, err := m.deps.Store.LoadChatHistory(ctx, sessionID)
	if err != nil {
		m.log.Warn().Err(err).Msg("chat hydration failed")
		history = nil
	}

	m.mu.Lock()
	m.admitCh = nil
	m.chat = history
	for _, msg := range history {
		m.chatSeen[msg.ID] = true
	}
	self := core.NewParticipant(core.LocalParticipantID, name)
	m.roster[core.LocalParticipantID] = self
	for _, p := range result.roster {
		if p.ID == selfID {
			continue
		}
		entry := core.NewParticipant(p.ID, p.Name)
		entry.IsHost = p.IsHost
		m.roster[p.ID] = entry
	}
	m.state = StateActive
	peers := result.roster
	m.mu.Unlock()

	// The joiner offers to every existing participant.
	for _, p := range peers {
		if p.ID == selfID {
			continue
		}
		if err := m.dialPeer(ctx, p.ID); err != nil {
			m.log.Warn().Err(err).Str("peer", p.ID).Msg("dial peer")
		}
	}

	m.log.Info().Str("session", sessionID).Int("peers", len(peers)).Msg("joined session")
	m.notify("Joined "+sess.Name, SeveritySuccess)
	return nil
}

// Leave tears the session down: announces departure, closes every
// connection, releases capture, stops monitoring and resets to idle.
// Calling it again, or without an active session, is a no-op.
func (m *Manager) Leave(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateLeaving {
		m.mu.Unlock()
		return
	}
	m.state = StateLeaving
	wasHost := m.isHost
	sess := m.sess
	ch := m.signals
	m.mu.Unlock()

	if ch != nil {
		// The transport stamps From, which is all peer-left carries.
		if msg, err := signal.NewMessage(signal.TypePeerLeft, "", sess.ID, nil); err == nil {
			_ = ch.Send(ctx, msg)
		}
	}
	if wasHost && sess != nil {
		if err := m.deps.Store.DeleteSession(ctx, sess.ID); err != nil {
			m.log.Warn().Err(err).Msg("delete session")
		}
	}
	m.teardown()
	m.log.Info().Msg("left session")
}

// teardown closes everything and resets to idle. Used from Leave and
// from failed joins.
func (m *Manager) teardown() {
	m.mu.Lock()
	conns := m.conns
	coord := m.coord
	stream := m.stream
	ch := m.signals
	m.conns = make(map[string]Conn)
	m.coord = nil
	m.stream = nil
	m.signals = nil
	m.sess = nil
	m.selfID = ""
	m.isHost = false
	m.roster = make(map[string]*core.Participant)
	m.waiting = make(map[string]waitingEntry)
	m.chat = nil
	m.chatSeen = make(map[string]bool)
	m.unread = 0
	m.typing = make(map[string]time.Time)
	m.admitCh = nil
	recvDone := m.recvDone
	m.recvDone = nil
	// Closing the monitor ends its decay loop for good, so the next
	// session gets a fresh one.
	mon := m.deps.Monitor
	m.deps.Monitor = audiolevel.NewMonitor(m.deps.Logger)
	m.state = StateIdle
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if coord != nil {
		coord.Close()
	}
	if stream != nil {
		stream.Release()
	}
	mon.Close()
	if ch != nil {
		_ = ch.Close()
		if recvDone != nil {
			select {
			case <-recvDone:
			case <-time.After(time.Second):
			}
		}
	}
}

// monitor returns the current audio level monitor. Teardown swaps it,
// so callers outside m.mu must go through here.
func (m *Manager) monitor() *audiolevel.Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deps.Monitor
}

func (m *Manager) resetToIdle() {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
}
