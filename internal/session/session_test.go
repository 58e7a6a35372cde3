package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/meshmeet/internal/audiolevel"
	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/media"
	"github.com/vovakirdan/meshmeet/internal/rtc"
	"github.com/vovakirdan/meshmeet/internal/signal"
	"github.com/vovakirdan/meshmeet/internal/store"
	"github.com/vovakirdan/meshmeet/internal/store/memory"
)

// fakeStream satisfies LocalStream without touching any hardware.
type fakeStream struct {
	mu       sync.Mutex
	camera   *fakeTrack
	mic      *fakeTrack
	video    bool
	audio    bool
	released int
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		camera: &fakeTrack{id: "camera", kind: webrtc.RTPCodecTypeVideo},
		mic:    &fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio},
		video:  true,
		audio:  true,
	}
}

func (f *fakeStream) Tracks() []webrtc.TrackLocal    { return nil }
func (f *fakeStream) CameraTrack() webrtc.TrackLocal { return f.camera }
func (f *fakeStream) MicTrack() webrtc.TrackLocal    { return f.mic }

func (f *fakeStream) SetVideoEnabled(enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.video == enabled {
		return false
	}
	f.video = enabled
	return true
}

func (f *fakeStream) SetAudioEnabled(enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audio == enabled {
		return false
	}
	f.audio = enabled
	return true
}

func (f *fakeStream) AudioEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

func (f *fakeStream) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeStream) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeTrack struct {
	id    string
	kind  webrtc.RTPCodecType
	ended func(error)
}

func (f *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (f *fakeTrack) ID() string                            { return f.id }
func (f *fakeTrack) RID() string                           { return "" }
func (f *fakeTrack) StreamID() string                      { return f.id }
func (f *fakeTrack) Kind() webrtc.RTPCodecType             { return f.kind }
func (f *fakeTrack) OnEnded(h func(error))                 { f.ended = h }

// fakeMedia satisfies MediaSource, optionally failing every Acquire.
type fakeMedia struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
	screens int
}

func (f *fakeMedia) Acquire() (LocalStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := newFakeStream()
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeMedia) AcquireScreen() (media.ScreenTrack, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	f.screens++
	return &fakeTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo}, func() {}, nil
}

func (f *fakeMedia) acquired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// fabric pairs fake connections so two managers exchange control
// messages in-process. A conn opens when its offer is answered.
type fabric struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFabric() *fabric {
	return &fabric{conns: make(map[string]*fakeConn)}
}

func (f *fabric) factory(selfID string) ConnFactory {
	return func(remoteID string, tracks []webrtc.TrackLocal, cb rtc.Callbacks) (Conn, error) {
		c := &fakeConn{
			fab: f, from: selfID, to: remoteID, cb: cb, state: rtc.StateNew,
			video: &fakeSender{}, audio: &fakeSender{},
		}
		f.mu.Lock()
		f.conns[selfID+"->"+remoteID] = c
		f.mu.Unlock()
		return c, nil
	}
}

func (f *fabric) conn(from, to string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[from+"->"+to]
}

type fakeSender struct {
	mu      sync.Mutex
	current webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = track
	return nil
}

func (s *fakeSender) track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

type fakeConn struct {
	fab   *fabric
	from  string
	to    string
	cb    rtc.Callbacks
	video *fakeSender
	audio *fakeSender

	mu     sync.Mutex
	open   bool
	closed bool
	state  rtc.State
	screen bool
}

func (c *fakeConn) peer() *fakeConn { return c.fab.conn(c.to, c.from) }

func (c *fakeConn) Offer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.state = rtc.StateNegotiating
	c.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer " + c.from}, nil
}

func (c *fakeConn) HandleOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.setOpen()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer " + c.from}, nil
}

func (c *fakeConn) HandleAnswer(webrtc.SessionDescription) error {
	c.setOpen()
	return nil
}

func (c *fakeConn) setOpen() {
	c.mu.Lock()
	if c.closed || c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.state = rtc.StateConnected
	c.mu.Unlock()
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(rtc.StateConnected)
	}
}

func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (c *fakeConn) SendControl(data []byte) error {
	c.mu.Lock()
	open := c.open && !c.closed
	c.mu.Unlock()
	if !open {
		return nil
	}
	p := c.peer()
	if p == nil {
		return nil
	}
	p.mu.Lock()
	cb := p.cb.OnMessage
	ok := p.open && !p.closed
	p.mu.Unlock()
	if ok && cb != nil {
		cb(data)
	}
	return nil
}

func (c *fakeConn) ControlOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *fakeConn) SetRemoteScreen(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.screen = on
}

func (c *fakeConn) State() rtc.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) VideoSender() media.TrackSender { return c.video }
func (c *fakeConn) AudioSender() media.TrackSender { return c.audio }

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.open = false
	c.state = rtc.StateClosed
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// node bundles one manager with its test collaborators.
type node struct {
	m     *Manager
	media *fakeMedia
	notes *noteLog
}

type noteLog struct {
	mu    sync.Mutex
	lines []string
}

func (n *noteLog) add(msg string, _ Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, msg)
}

func (n *noteLog) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.lines {
		if l == sub {
			return true
		}
	}
	return false
}

type testEnv struct {
	bus    *signal.Bus
	fab    *fabric
	store  store.Store
	serial int
}

func newEnv() *testEnv {
	return &testEnv{bus: signal.NewBus(), fab: newFabric(), store: memory.New()}
}

func (e *testEnv) node(t *testing.T) *node {
	t.Helper()
	e.serial++
	fm := &fakeMedia{}
	notes := &noteLog{}
	slot := &struct{ id string }{}
	deps := Deps{
		Store: e.store,
		Connect: func(ctx context.Context, info ConnectInfo) (signal.Channel, error) {
			slot.id = info.PeerID
			return e.bus.Connect(info.PeerID), nil
		},
		Media:   fm,
		Monitor: audiolevel.NewMonitor(zerolog.Nop()),
		Notify:  notes.add,
		Logger:  zerolog.Nop(),
	}
	m := NewManager(deps)
	// The factory needs the manager's network ID, which is generated at
	// create/join time; route through the slot captured by Connect.
	m.deps.NewConn = func(remoteID string, tracks []webrtc.TrackLocal, cb rtc.Callbacks) (Conn, error) {
		return e.fab.factory(slot.id)(remoteID, tracks, cb)
	}
	n := &node{m: m, media: fm, notes: notes}
	t.Cleanup(func() { m.Leave(context.Background()) })
	return n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func mustCreate(t *testing.T, n *node, opts CreateOptions) string {
	t.Helper()
	id, err := n.m.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func mustJoin(t *testing.T, n *node, id, secret, name string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.m.Join(ctx, id, secret, name); err != nil {
		t.Fatalf("Join(%s): %v", name, err)
	}
}

func TestCreateAndAutoAdmitJoin(t *testing.T) {
	env := newEnv()
	host := env.node(t)
	guest := env.node(t)

	id := mustCreate(t, host, CreateOptions{Name: "Standup", HostName: "Alice"})
	if host.m.State() != StateActive || !host.m.IsHost() {
		t.Fatalf("host state=%v isHost=%v", host.m.State(), host.m.IsHost())
	}

	mustJoin(t, guest, id, "", "Bob")
	if guest.m.State() != StateActive {
		t.Fatalf("guest state = %v, want active", guest.m.State())
	}

	waitFor(t, func() bool { return len(host.m.Roster()) == 2 }, "host roster to reach 2")
	waitFor(t, func() bool { return len(guest.m.Roster()) == 2 }, "guest roster to reach 2")

	// Both directions of the mesh edge come up.
	waitFor(t, func() bool {
		c := env.fab.conn(guest.m.NetworkID(), host.m.NetworkID())
		return c != nil && c.ControlOpen()
	}, "guest->host control channel")
	waitFor(t, func() bool {
		c := env.fab.conn(host.m.NetworkID(), guest.m.NetworkID())
		return c != nil && c.ControlOpen()
	}, "host->guest control channel")

	if !host.notes.contains("Bob joined") {
		t.Errorf("host missing join notification, got %v", host.notes.lines)
	}
}

func TestJoinRejectsWrongPassword(t *testing.T) {
	env := newEnv()
	host := env.node(t)
	guest := env.node(t)

	id := mustCreate(t, host, CreateOptions{HostName: "Alice", Secret: "s3cret"})

	err := guest.m.Join(context.Background(), id, "wrong", "Mallory")
	if code := core.ErrorCode(err); code != core.ErrCodeInvalidPassword {
		t.Fatalf("Join error code = %q, want invalid_password (err=%v)", code, err)
	}
	if guest.m.State() != StateIdle {
		t.Errorf("guest state = %v, want idle", guest.m.State())
	}
	if guest.media.acquired() != 0 {
		t.Errorf("media acquired %d times before password check", guest.media.acquired())
	}
}

func TestJoinUnknownSession(t *testing.T) {
	env := newEnv()
	guest := env.node(t)

	err := guest.m.Join(context.Background(), "nope12345", "", "Bob")
	if code := core.ErrorCode(err); code != core.ErrCodeNotFound {
		t.Fatalf("Join error code = %q, want not_found (err=%v)", code, err)
	}
}

func TestDeviceFailureLeavesNoConnections(t *testing.T) {
	env := newEnv()
	host := env.node(t)
	guest := env.node(t)

	id := mustCreate(t, host, CreateOptions{HostName: "Alice"})

	guest.media.err = core.NewError(core.ErrCodePermissionDenied, "media permission denied", errors.New("denied"))
	err := guest.m.Join(context.Background(), id, "", "Bob")
	if code := core.ErrorCode(err); code != core.ErrCodePermissionDenied {
		t.Fatalf("Join error code = %q, want permission_denied (err=%v)", code, err)
	}
	if guest.m.State() != StateIdle {
		t.Errorf("guest state = %v, want idle", guest.m.State())
	}
	env.fab.mu.Lock()
	conns := len(env.fab.conns)
	env.fab.mu.Unlock()
	if conns != 0 {
		t.Errorf("%d connections exist after failed join, want 0", conns)
	}
	waitFor(t, func() bool { return len(host.m.Roster()) == 1 }, "host roster to stay at 1")
}

func TestApprovalGatesAdmission(t *testing.T) {
	env := newEnv()
	host := env.node(t)
	guest := env.node(t)

	id := mustCreate(t, host, CreateOptions{HostName: "Alice", RequireApproval: true})

	joined := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		joined <- guest.m.Join(ctx, id, "", "Bob")
	}()

	waitFor(t, func() bool { return len(host.m.Waiting()) == 1 }, "guest to reach the waiting room")
	if len(host.m.Roster()) != 1 {
		t.Errorf("guest entered the roster before approval")
	}
	waitingID := host.m.Waiting()[0]
	if name := host.m.WaitingName(waitingID); name != "Bob" {
		t.Errorf("WaitingName = %q, want Bob", name)
	}

	if err := host.m.Approve(waitingID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := <-joined; err != nil {
		t.Fatalf("Join after approval: %v", err)
	}
	waitFor(t, func() bool { return len(host.m.Roster()) == 2 }, "roster after approval")
	if len(host.m.Waiting()) != 0 {
		t.Errorf("waiting room not cleared after approval")
	}
}

func TestDenyKeepsGuestOut(t *testing.T) {
	env := newEnv()
	host := env.node(t)
	guest := env.node(t)

	id := mustCreate(t, host, CreateOptions{HostName: "Alice", RequireApproval: true})

	joined := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		joined <- guest.m.Join(ctx, id, "", "Eve")
	}()

	waitFor(t, func() bool { return len(host.m.Waiting()) == 1 }, "guest to reach the waiting room")
	if err := host.m.Deny(host.m.Waiting()[0], "not invited"); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	err := <-joined
	if code := core.ErrorCode(err); code != core.ErrCodePermissionDenied {
		t.Fatalf("Join error code = %q, want permission_denied (err=%v)", code, err)
	}
	if guest.m.State() != StateIdle {
		t.Errorf("guest state = %v, want idle", guest.m.State())
	}
	if len(host.m.Roster()) != 1 {
		t.Errorf("denied guest appears in the roster")
	}
}

func TestNonHostCannotControlAdmission(t *testing.T) {
	env := newEnv()
	host := env.node(t)
	guest := env.node(t)

	id := mustCreate(t, host, CreateOptions{HostName: "Alice"})
	mustJoin(t, guest, id, "", "Bob")

	if code := core.ErrorCode(guest.m.Approve("whoever")); code != core.ErrCodePermissionDenied {
		t.Errorf("non-host Approve code = %q, want permission_denied", code)
	}
	if code := core.ErrorCode(guest.m.Mute("whoever")); code != core.ErrCodePermissionDenied {
		t.Errorf("non-host Mute code = %q, want permission_denied", code)
	}
	if code := core.ErrorCode(guest.m.Remove("whoever")); code != core.ErrCodePermissionDenied {
		t.Errorf("non-host Remove code = %q, want permission_denied", code)
	}
}

// threeParty brings up a host and two guests with all control channels
// open.
func threeParty(t *testing.T) (*testEnv, *node, *node, *node, string) {
	t.Helper()
	env := newEnv()
	host := env.node(t)
	g1 := env.node(t)
	g2 := env.node(t)

	id := mustCreate(t, host, CreateOptions{Name: "Standup", HostName: "Alice"})
	mustJoin(t, g1, id, "", "Bob")
	mustJoin(t, g2, id, "", "Carol")

	nodes := []*node{host, g1, g2}
	for _, n := range nodes {
		waitFor(t, func() bool { return len(n.m.Roster()) == 3 }, "roster to reach 3")
	}
	for _, a := range nodes {
		for _, b := range nodes {
			if a == b {
				continue
			}
			waitFor(t, func() bool {
				c := env.fab.conn(a.m.NetworkID(), b.m.NetworkID())
				return c != nil && c.ControlOpen()
			}, fmt.Sprintf("edge %s->%s", a.m.NetworkID(), b.m.NetworkID()))
		}
	}
	return env, host, g1, g2, id
}

func TestChatFanOutAndReactions(t *testing.T) {
	_, host, g1, g2, _ := threeParty(t)

	msg, err := host.m.SendChat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	for _, n := range []*node{g1, g2} {
		waitFor(t, func() bool { return len(n.m.Chat()) == 1 }, "chat to arrive")
		got := n.m.Chat()[0]
		if got.Body != "hi" || got.SenderName != "Alice" || got.Kind != core.KindText {
			t.Errorf("chat entry = %+v", got)
		}
		if n.m.Unread() != 1 {
			t.Errorf("unread = %d, want 1", n.m.Unread())
		}
	}
	if host.m.Unread() != 0 {
		t.Errorf("sender unread = %d, want 0", host.m.Unread())
	}

	// Bob reacts; everyone converges. Toggling again removes it.
	if err := g1.m.ToggleReaction(context.Background(), msg.ID, "👍"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	for _, n := range []*node{host, g1, g2} {
		waitFor(t, func() bool {
			c := n.m.Chat()
			return len(c) == 1 && len(c[0].Reactions["👍"]) == 1
		}, "reaction to converge")
	}
	if err := g1.m.ToggleReaction(context.Background(), msg.ID, "👍"); err != nil {
		t.Fatalf("ToggleReaction off: %v", err)
	}
	for _, n := range []*node{host, g1, g2} {
		waitFor(t, func() bool {
			c := n.m.Chat()
			return len(c) == 1 && len(c[0].Reactions) == 0
		}, "reaction removal to converge")
	}

	g1.m.MarkChatRead()
	if g1.m.Unread() != 0 {
		t.Errorf("unread after MarkChatRead = %d", g1.m.Unread())
	}
}

func TestFileShareBecomesChatEntry(t *testing.T) {
	_, host, g1, _, _ := threeParty(t)

	meta := core.FileMeta{Name: "notes.pdf", Size: 2048, URL: "https://files.example/notes.pdf"}
	if _, err := host.m.ShareFile(context.Background(), meta); err != nil {
		t.Fatalf("ShareFile: %v", err)
	}
	waitFor(t, func() bool { return len(g1.m.Chat()) == 1 }, "file entry to arrive")
	got := g1.m.Chat()[0]
	if got.Kind != core.KindFile || got.File == nil || got.File.Name != "notes.pdf" || got.File.Size != 2048 {
		t.Errorf("file chat entry = %+v", got)
	}
}

func TestTypingIndicator(t *testing.T) {
	_, host, g1, _, _ := threeParty(t)

	g1.m.SetTyping(true)
	waitFor(t, func() bool { return len(host.m.TypingPeers()) == 1 }, "typing indicator")
	g1.m.SetTyping(false)
	waitFor(t, func() bool { return len(host.m.TypingPeers()) == 0 }, "typing indicator clear")
}

func TestChatHydrationOnJoin(t *testing.T) {
	env := newEnv()
	host := env.node(t)
	g1 := env.node(t)

	id := mustCreate(t, host, CreateOptions{HostName: "Alice"})
	if _, err := host.m.SendChat(context.Background(), "before you arrived"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	mustJoin(t, g1, id, "", "Bob")
	if got := g1.m.Chat(); len(got) != 1 || got[0].Body != "before you arrived" {
		t.Fatalf("hydrated chat = %+v, want the pre-join message", got)
	}
	if g1.m.Unread() != 0 {
		t.Errorf("hydrated history counted as unread: %d", g1.m.Unread())
	}
}

func TestHostMuteReachesTarget(t *testing.T) {
	env, host, g1, g2, _ := threeParty(t)

	mic := g1.media.streams[0].mic
	toHost := env.fab.conn(g1.m.NetworkID(), host.m.NetworkID())
	toG2 := env.fab.conn(g1.m.NetworkID(), g2.m.NetworkID())
	if toHost.audio.track() != mic || toG2.audio.track() != mic {
		t.Fatal("guest audio not attached before mute")
	}

	if err := host.m.Mute(g1.m.NetworkID()); err != nil {
		t.Fatalf("Mute: %v", err)
	}

	// The target detaches its audio track from every connection, so no
	// frames reach any peer, and its own roster reads muted.
	waitFor(t, func() bool {
		return toHost.audio.track() == nil && toG2.audio.track() == nil
	}, "guest audio to detach from every connection")
	waitFor(t, func() bool {
		return !g1.media.streams[0].AudioEnabled()
	}, "guest microphone flag to clear")
	waitFor(t, func() bool {
		for _, p := range g1.m.Roster() {
			if p.ID == core.LocalParticipantID {
				return !p.AudioEnabled && p.Status == core.StatusMuted
			}
		}
		return false
	}, "guest roster entry to read muted")
	if !g1.notes.contains("You were muted by the host") {
		t.Errorf("guest missing mute notification, got %v", g1.notes.lines)
	}

	// The host's copy of the target flips immediately.
	for _, p := range host.m.Roster() {
		if p.ID == g1.m.NetworkID() {
			if p.AudioEnabled || p.Status != core.StatusMuted {
				t.Errorf("host view of muted guest = %+v", p)
			}
		}
	}
}

func TestLocalMuteDetachesAndRestores(t *testing.T) {
	env, host, g1, g2, _ := threeParty(t)

	mic := g1.media.streams[0].mic
	toHost := env.fab.conn(g1.m.NetworkID(), host.m.NetworkID())
	toG2 := env.fab.conn(g1.m.NetworkID(), g2.m.NetworkID())

	g1.m.SetAudioEnabled(false)
	if toHost.audio.track() != nil || toG2.audio.track() != nil {
		t.Error("muted guest still has audio attached")
	}

	g1.m.SetAudioEnabled(true)
	if toHost.audio.track() != mic || toG2.audio.track() != mic {
		t.Error("unmute did not reattach the mic")
	}

	camera := g1.media.streams[0].camera
	g1.m.SetVideoEnabled(false)
	if toHost.video.track() != nil {
		t.Error("disabled camera still attached")
	}
	g1.m.SetVideoEnabled(true)
	if toHost.video.track() != camera {
		t.Error("re-enable did not reattach the camera")
	}
}

func TestHostRemoveExpelsTarget(t *testing.T) {
	_, host, g1, g2, _ := threeParty(t)

	if err := host.m.Remove(g1.m.NetworkID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitFor(t, func() bool { return g1.m.State() == StateIdle }, "removed guest to go idle")
	waitFor(t, func() bool { return len(host.m.Roster()) == 2 }, "host roster to shrink")
	waitFor(t, func() bool { return len(g2.m.Roster()) == 2 }, "remaining guest roster to shrink")
}

func TestLeaveTearsEverythingDown(t *testing.T) {
	env, host, g1, g2, id := threeParty(t)

	g1.m.Leave(context.Background())
	if g1.m.State() != StateIdle {
		t.Fatalf("g1 state = %v, want idle", g1.m.State())
	}
	if g1.media.streams[0].Released() == 0 {
		t.Errorf("local stream not released on leave")
	}
	waitFor(t, func() bool { return len(host.m.Roster()) == 2 }, "host roster after g1 left")
	waitFor(t, func() bool { return len(g2.m.Roster()) == 2 }, "g2 roster after g1 left")

	// Host departure ends the session for good.
	host.m.Leave(context.Background())
	if _, err := env.store.GetSession(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("session metadata survives host leave: %v", err)
	}
	if host.media.streams[0].Released() == 0 {
		t.Errorf("host stream not released")
	}

	// Leave is idempotent.
	host.m.Leave(context.Background())
	g1.m.Leave(context.Background())
}

func TestLeaveClosesAudioMonitor(t *testing.T) {
	env := newEnv()
	host := env.node(t)
	mustCreate(t, host, CreateOptions{HostName: "Alice"})

	mon := host.m.monitor()
	mon.SetLevel("p1", 0.8)

	host.m.Leave(context.Background())

	if got := mon.ActiveLoops(); got != 0 {
		t.Errorf("ActiveLoops after leave = %d, want 0", got)
	}
	// A closed monitor drops samples; nothing feeds levels anymore.
	mon.SetLevel("p1", 0.8)
	if lvl := mon.Level("p1"); lvl != 0 {
		t.Errorf("closed monitor still accepts samples: level = %v", lvl)
	}
	if host.m.monitor() == mon {
		t.Error("monitor not replaced for the next session")
	}
}

func TestForgedPeerLeftIsIgnored(t *testing.T) {
	env, host, g1, g2, id := threeParty(t)

	// A token holder who never joined the mesh broadcasts a departure
	// naming someone else. Only the transport-stamped sender counts.
	intruder := env.bus.Connect("intruder")
	defer intruder.Close()
	msg := signal.Message{
		Type:    signal.TypePeerLeft,
		Session: id,
		Payload: json.RawMessage(fmt.Sprintf(`{"id":%q}`, g1.m.NetworkID())),
	}
	if err := intruder.Send(context.Background(), msg); err != nil {
		t.Fatalf("send forged peer-left: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	for _, n := range []*node{host, g1, g2} {
		if got := len(n.m.Roster()); got != 3 {
			t.Errorf("roster shrank to %d after forged peer-left", got)
		}
	}
	if env.fab.conn(host.m.NetworkID(), g1.m.NetworkID()).Closed() {
		t.Error("host closed its connection to the named peer")
	}
}

func TestScreenShareAnnouncement(t *testing.T) {
	env, host, g1, _, _ := threeParty(t)

	if err := host.m.StartScreenShare(); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if !host.m.ScreenSharing() {
		t.Error("ScreenSharing() = false after start")
	}
	waitFor(t, func() bool {
		for _, p := range g1.m.Roster() {
			if p.Name == "Alice" && p.ScreenSharing {
				return true
			}
		}
		return false
	}, "guest to see the host sharing")
	waitFor(t, func() bool {
		c := env.fab.conn(g1.m.NetworkID(), host.m.NetworkID())
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.screen
	}, "guest conn to flag the remote screen")

	host.m.StopScreenShare()
	if host.m.ScreenSharing() {
		t.Error("ScreenSharing() = true after stop")
	}
	waitFor(t, func() bool {
		for _, p := range g1.m.Roster() {
			if p.Name == "Alice" {
				return !p.ScreenSharing
			}
		}
		return false
	}, "guest to see the share end")
}

func TestMediaToggleUpdatesRoster(t *testing.T) {
	env := newEnv()
	host := env.node(t)
	mustCreate(t, host, CreateOptions{HostName: "Alice"})

	host.m.SetVideoEnabled(false)
	host.m.SetAudioEnabled(false)
	for _, p := range host.m.Roster() {
		if p.ID == core.LocalParticipantID {
			if p.VideoEnabled || p.AudioEnabled {
				t.Errorf("local toggles not reflected: %+v", p)
			}
		}
	}

	host.m.SetVideoEnabled(true)
	for _, p := range host.m.Roster() {
		if p.ID == core.LocalParticipantID && !p.VideoEnabled {
			t.Errorf("video re-enable not reflected")
		}
	}
}
