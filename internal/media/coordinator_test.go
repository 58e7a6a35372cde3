package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type fakeSender struct {
	current webrtc.TrackLocal
	calls   int
	fail    bool
}

func (f *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	f.calls++
	if f.fail {
		return errors.New("sender closed")
	}
	f.current = track
	return nil
}

type fakeScreen struct {
	id      string
	ended   func(error)
	release int
}

func (f *fakeScreen) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f *fakeScreen) Unbind(webrtc.TrackLocalContext) error { return nil }
func (f *fakeScreen) ID() string                            { return f.id }
func (f *fakeScreen) RID() string                           { return "" }
func (f *fakeScreen) StreamID() string                      { return "screen" }
func (f *fakeScreen) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeVideo }
func (f *fakeScreen) OnEnded(h func(error))                 { f.ended = h }

func newCamera(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "camera", "local")
	if err != nil {
		t.Fatalf("camera track: %v", err)
	}
	return track
}

func newMic(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "local")
	if err != nil {
		t.Fatalf("mic track: %v", err)
	}
	return track
}

func acquireFake(screen *fakeScreen) AcquireScreenFunc {
	return func() (ScreenTrack, func(), error) {
		return screen, func() { screen.release++ }, nil
	}
}

func TestShareSwapsEverySender(t *testing.T) {
	camera := newCamera(t)
	c := NewCoordinator(camera, nil, zerolog.Nop())

	senders := []*fakeSender{{}, {}, {}}
	for i, s := range senders {
		c.Register(string(rune('a'+i)), s, nil)
	}
	for _, s := range senders {
		if s.current != camera {
			t.Fatalf("sender should start on camera, got %v", s.current)
		}
	}

	screen := &fakeScreen{id: "display"}
	if err := c.StartScreenShare(acquireFake(screen)); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if !c.Sharing() {
		t.Fatal("Sharing() = false after start")
	}
	for _, s := range senders {
		if s.current != ScreenTrack(screen) {
			t.Errorf("sender not swapped to screen, got %v", s.current)
		}
	}

	c.StopScreenShare()
	if c.Sharing() {
		t.Fatal("Sharing() = true after stop")
	}
	for _, s := range senders {
		if s.current != camera {
			t.Errorf("sender not reverted to camera, got %v", s.current)
		}
	}
	if screen.release != 1 {
		t.Errorf("screen released %d times, want 1", screen.release)
	}
}

func TestShareWithNoSenders(t *testing.T) {
	c := NewCoordinator(newCamera(t), nil, zerolog.Nop())
	screen := &fakeScreen{id: "display"}
	if err := c.StartScreenShare(acquireFake(screen)); err != nil {
		t.Fatalf("StartScreenShare with zero senders: %v", err)
	}
	c.StopScreenShare()
	c.StopScreenShare()
	if screen.release != 1 {
		t.Errorf("release count = %d, want 1", screen.release)
	}
}

func TestSecondStartIsNoOp(t *testing.T) {
	c := NewCoordinator(newCamera(t), nil, zerolog.Nop())
	first := &fakeScreen{id: "one"}
	if err := c.StartScreenShare(acquireFake(first)); err != nil {
		t.Fatalf("first start: %v", err)
	}

	acquired := false
	err := c.StartScreenShare(func() (ScreenTrack, func(), error) {
		acquired = true
		return &fakeScreen{id: "two"}, func() {}, nil
	})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if acquired {
		t.Error("second start should not acquire a new capture")
	}
}

func TestAutoRevertOnCaptureEnd(t *testing.T) {
	camera := newCamera(t)
	c := NewCoordinator(camera, nil, zerolog.Nop())
	s := &fakeSender{}
	c.Register("a", s, nil)

	screen := &fakeScreen{id: "display"}
	if err := c.StartScreenShare(acquireFake(screen)); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if screen.ended == nil {
		t.Fatal("OnEnded hook not armed")
	}

	screen.ended(errors.New("capture stopped"))
	if c.Sharing() {
		t.Error("share should auto-revert when capture ends")
	}
	if s.current != camera {
		t.Errorf("sender should be back on camera, got %v", s.current)
	}
}

func TestStaleEndedHookDoesNotStopNewShare(t *testing.T) {
	c := NewCoordinator(newCamera(t), nil, zerolog.Nop())

	first := &fakeScreen{id: "one"}
	if err := c.StartScreenShare(acquireFake(first)); err != nil {
		t.Fatalf("first start: %v", err)
	}
	c.StopScreenShare()

	second := &fakeScreen{id: "two"}
	if err := c.StartScreenShare(acquireFake(second)); err != nil {
		t.Fatalf("second start: %v", err)
	}

	// The first capture's ended hook fires late; the new share stays up.
	first.ended(nil)
	if !c.Sharing() {
		t.Error("stale ended hook stopped the new share")
	}
}

func TestCameraSwapDuringShareIsDeferred(t *testing.T) {
	c := NewCoordinator(newCamera(t), nil, zerolog.Nop())
	s := &fakeSender{}
	c.Register("a", s, nil)

	screen := &fakeScreen{id: "display"}
	if err := c.StartScreenShare(acquireFake(screen)); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}

	newCam := newCamera(t)
	c.SetCamera(newCam)
	if s.current != ScreenTrack(screen) {
		t.Error("camera swap must not touch senders while sharing")
	}

	c.StopScreenShare()
	if s.current != newCam {
		t.Errorf("stop should reveal the new camera, got %v", s.current)
	}
}

func TestAudioMuteDetachesEverySender(t *testing.T) {
	mic := newMic(t)
	c := NewCoordinator(newCamera(t), mic, zerolog.Nop())

	senders := []*fakeSender{{}, {}}
	for i, s := range senders {
		c.Register(string(rune('a'+i)), nil, s)
	}
	for _, s := range senders {
		if s.current != mic {
			t.Fatalf("sender should start on mic, got %v", s.current)
		}
	}

	if !c.SetAudioEnabled(false) {
		t.Fatal("disable should report a change")
	}
	for _, s := range senders {
		if s.current != nil {
			t.Errorf("muted sender still carries %v", s.current)
		}
	}
	if c.SetAudioEnabled(false) {
		t.Error("second disable should report no change")
	}

	if !c.SetAudioEnabled(true) {
		t.Fatal("enable should report a change")
	}
	for _, s := range senders {
		if s.current != mic {
			t.Errorf("unmuted sender should be back on mic, got %v", s.current)
		}
	}
}

func TestVideoMuteDetachesAndRestores(t *testing.T) {
	camera := newCamera(t)
	c := NewCoordinator(camera, nil, zerolog.Nop())
	s := &fakeSender{}
	c.Register("a", s, nil)

	c.SetVideoEnabled(false)
	if s.current != nil {
		t.Errorf("disabled camera still attached: %v", s.current)
	}
	c.SetVideoEnabled(true)
	if s.current != camera {
		t.Errorf("re-enable should restore the camera, got %v", s.current)
	}
}

func TestVideoMuteDuringShareKeepsScreen(t *testing.T) {
	camera := newCamera(t)
	c := NewCoordinator(camera, nil, zerolog.Nop())
	s := &fakeSender{}
	c.Register("a", s, nil)

	screen := &fakeScreen{id: "display"}
	if err := c.StartScreenShare(acquireFake(screen)); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}

	c.SetVideoEnabled(false)
	if s.current != ScreenTrack(screen) {
		t.Error("camera mute must not interrupt the screen share")
	}

	// Ending the share while the camera is disabled leaves video dark.
	c.StopScreenShare()
	if s.current != nil {
		t.Errorf("stop with camera disabled should detach video, got %v", s.current)
	}

	c.SetVideoEnabled(true)
	if s.current != camera {
		t.Errorf("re-enable should restore the camera, got %v", s.current)
	}
}

func TestRegisterWhileMutedStaysDetached(t *testing.T) {
	mic := newMic(t)
	c := NewCoordinator(newCamera(t), mic, zerolog.Nop())
	c.SetAudioEnabled(false)

	late := &fakeSender{}
	c.Register("late", nil, late)
	if late.current != nil {
		t.Errorf("late sender should join muted, got %v", late.current)
	}

	c.SetAudioEnabled(true)
	if late.current != mic {
		t.Errorf("unmute should attach the mic, got %v", late.current)
	}
}

func TestRegisterDuringShareGetsScreen(t *testing.T) {
	c := NewCoordinator(newCamera(t), nil, zerolog.Nop())
	screen := &fakeScreen{id: "display"}
	if err := c.StartScreenShare(acquireFake(screen)); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}

	late := &fakeSender{}
	c.Register("late", late, nil)
	if late.current != ScreenTrack(screen) {
		t.Errorf("late sender should get the screen track, got %v", late.current)
	}
}
