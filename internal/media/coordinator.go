package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// TrackSender is the slice of *webrtc.RTPSender the coordinator drives.
// ReplaceTrack(nil) detaches the outgoing track without renegotiating.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// ScreenTrack is a local video track that can report when its source
// stops. mediadevices capture tracks satisfy it.
type ScreenTrack interface {
	webrtc.TrackLocal
	OnEnded(handler func(error))
}

// AcquireScreenFunc opens a screen capture and returns its track plus
// a release hook.
type AcquireScreenFunc func() (ScreenTrack, func(), error)

// Coordinator keeps the outgoing media slots consistent across every
// registered peer: all video senders carry the camera track or all
// carry the screen track, never a mix, and a disabled slot is detached
// from every sender so no frames leave the node while it reads muted.
type Coordinator struct {
	mu           sync.Mutex
	camera       webrtc.TrackLocal
	audio        webrtc.TrackLocal
	videoSenders map[string]TrackSender
	audioSenders map[string]TrackSender
	videoOn      bool
	audioOn      bool

	screen        ScreenTrack
	releaseScreen func()
	shareGen      int

	log zerolog.Logger
}

// NewCoordinator starts with both tracks active. Either may be nil for
// video-only or audio-only sessions.
func NewCoordinator(camera, audio webrtc.TrackLocal, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		camera:       camera,
		audio:        audio,
		videoSenders: make(map[string]TrackSender),
		audioSenders: make(map[string]TrackSender),
		videoOn:      true,
		audioOn:      true,
		log:          logger.With().Str("module", "media").Logger(),
	}
}

// Register adds a peer's senders and immediately aligns them with the
// active tracks, so a participant admitted mid-share (or mid-mute)
// sees the same thing everyone else does. Either sender may be nil.
func (c *Coordinator) Register(peerID string, video, audio TrackSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if video != nil {
		c.videoSenders[peerID] = video
		if err := video.ReplaceTrack(c.activeVideoLocked()); err != nil {
			c.log.Warn().Err(err).Str("peer", peerID).Msg("align video sender")
		}
	}
	if audio != nil {
		c.audioSenders[peerID] = audio
		if err := audio.ReplaceTrack(c.activeAudioLocked()); err != nil {
			c.log.Warn().Err(err).Str("peer", peerID).Msg("align audio sender")
		}
	}
}

// Unregister forgets a peer's senders. The senders themselves are torn
// down with their peer connection.
func (c *Coordinator) Unregister(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.videoSenders, peerID)
	delete(c.audioSenders, peerID)
}

// SetCamera swaps the camera track. Senders follow only when the
// camera is enabled and no share is active; the new camera becomes
// visible when the share ends or the camera is re-enabled.
func (c *Coordinator) SetCamera(track webrtc.TrackLocal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.camera = track
	if c.screen == nil && c.videoOn {
		c.fanOutLocked(c.videoSenders, track)
	}
}

// SetVideoEnabled toggles the camera slot: disabling detaches the
// camera from every sender, enabling reattaches it. A running screen
// share keeps flowing either way. Reports whether the state changed.
func (c *Coordinator) SetVideoEnabled(on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoOn == on {
		return false
	}
	c.videoOn = on
	if c.screen == nil {
		c.fanOutLocked(c.videoSenders, c.activeVideoLocked())
	}
	return true
}

// SetAudioEnabled toggles the microphone slot across every sender.
// Reports whether the state changed.
func (c *Coordinator) SetAudioEnabled(on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioOn == on {
		return false
	}
	c.audioOn = on
	c.fanOutLocked(c.audioSenders, c.activeAudioLocked())
	return true
}

// Sharing reports whether a screen share is active.
func (c *Coordinator) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// StartScreenShare acquires the screen and swaps every video sender to
// it. A second call while sharing is a no-op. The share auto-reverts
// when the capture ends from the platform side.
func (c *Coordinator) StartScreenShare(acquire AcquireScreenFunc) error {
	c.mu.Lock()
	if c.screen != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	track, release, err := acquire()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.screen != nil {
		// Lost the race to another start; drop the extra capture.
		c.mu.Unlock()
		release()
		return nil
	}
	c.screen = track
	c.releaseScreen = release
	c.shareGen++
	gen := c.shareGen
	c.fanOutLocked(c.videoSenders, track)
	c.mu.Unlock()

	track.OnEnded(func(err error) {
		c.log.Info().Err(err).Msg("screen capture ended")
		c.stopIfCurrent(gen)
	})
	c.log.Info().Msg("screen share started")
	return nil
}

// StopScreenShare reverts every video sender to the camera slot and
// releases the capture. Safe to call when no share is active.
func (c *Coordinator) StopScreenShare() {
	c.stopIfCurrent(0)
}

func (c *Coordinator) stopIfCurrent(gen int) {
	c.mu.Lock()
	if c.screen == nil || (gen != 0 && gen != c.shareGen) {
		c.mu.Unlock()
		return
	}
	release := c.releaseScreen
	c.screen = nil
	c.releaseScreen = nil
	c.fanOutLocked(c.videoSenders, c.activeVideoLocked())
	c.mu.Unlock()

	if release != nil {
		release()
	}
	c.log.Info().Msg("screen share stopped")
}

// Close ends any share and forgets all senders.
func (c *Coordinator) Close() {
	c.StopScreenShare()
	c.mu.Lock()
	c.videoSenders = make(map[string]TrackSender)
	c.audioSenders = make(map[string]TrackSender)
	c.mu.Unlock()
}

func (c *Coordinator) activeVideoLocked() webrtc.TrackLocal {
	if c.screen != nil {
		return c.screen
	}
	if !c.videoOn {
		return nil
	}
	return c.camera
}

func (c *Coordinator) activeAudioLocked() webrtc.TrackLocal {
	if !c.audioOn {
		return nil
	}
	return c.audio
}

func (c *Coordinator) fanOutLocked(senders map[string]TrackSender, track webrtc.TrackLocal) {
	for id, s := range senders {
		if err := s.ReplaceTrack(track); err != nil {
			c.log.Warn().Err(err).Str("peer", id).Msg("replace track")
		}
	}
}
