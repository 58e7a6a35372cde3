package device

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/meshmeet/internal/core"
)

// Kind distinguishes capture device classes.
type Kind string

const (
	KindCamera     Kind = "camera"
	KindMicrophone Kind = "microphone"
)

// Device describes one selectable capture device.
type Device struct {
	ID    string
	Label string
	Kind  Kind
}

// Options narrows what AcquireStream captures. Zero values mean
// "let the driver pick".
type Options struct {
	VideoDeviceID string
	AudioDeviceID string
	Width         int
	Height        int
	FrameRate     float32
	Video         bool
	Audio         bool
}

// Manager enumerates capture hardware and opens media streams with a
// fixed VP8+Opus codec selection.
type Manager struct {
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

// NewManager builds the codec selector once; every stream acquired
// through the manager shares it.
func NewManager(logger zerolog.Logger) (*Manager, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Manager{
		selector: selector,
		log:      logger.With().Str("module", "device").Logger(),
	}, nil
}

// PopulateEngine registers the manager's codecs on a webrtc.MediaEngine
// so peer connections negotiate the same formats the capture side encodes.
func (m *Manager) PopulateEngine(engine *webrtc.MediaEngine) error {
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register default codecs: %w", err)
	}
	m.selector.Populate(engine)
	return nil
}

// ListDevices returns the cameras and microphones currently visible to
// the drivers. Labels fall back to the device ID when the platform
// gives none.
func (m *Manager) ListDevices() []Device {
	var out []Device
	for _, info := range mediadevices.EnumerateDevices() {
		var kind Kind
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = KindCamera
		case mediadevices.AudioInput:
			kind = KindMicrophone
		default:
			continue
		}
		label := info.Label
		if label == "" {
			label = info.DeviceID
		}
		out = append(out, Device{ID: info.DeviceID, Label: label, Kind: kind})
	}
	return out
}

// AcquireStream opens the requested devices. Each call returns an
// independent Stream: releasing a preview stream never disturbs the
// stream attached to a live session.
func (m *Manager) AcquireStream(opts Options) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
	if opts.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			if opts.VideoDeviceID != "" {
				c.DeviceID = prop.String(opts.VideoDeviceID)
			}
			if opts.Width > 0 {
				c.Width = prop.Int(opts.Width)
			}
			if opts.Height > 0 {
				c.Height = prop.Int(opts.Height)
			}
			if opts.FrameRate > 0 {
				c.FrameRate = prop.Float(opts.FrameRate)
			}
		}
	}
	if opts.Audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			if opts.AudioDeviceID != "" {
				c.DeviceID = prop.String(opts.AudioDeviceID)
			}
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		m.log.Warn().Err(err).Msg("getUserMedia failed")
		return nil, Classify(err)
	}
	m.log.Debug().
		Int("video_tracks", len(ms.GetVideoTracks())).
		Int("audio_tracks", len(ms.GetAudioTracks())).
		Msg("stream acquired")
	return newStream(ms, m.log), nil
}

// AcquireScreen captures the display. The returned stream carries a
// single video track whose OnEnded hook fires when the user stops the
// capture from the platform side.
func (m *Manager) AcquireScreen() (*Stream, error) {
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: m.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("getDisplayMedia failed")
		return nil, Classify(err)
	}
	return newStream(ms, m.log), nil
}

// Classify maps driver failures onto the stable acquisition error codes.
// The drivers only expose string errors, so the match is textual.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not permitted"),
		strings.Contains(msg, "access denied"):
		return core.NewError(core.ErrCodePermissionDenied, "media permission denied", err)
	case strings.Contains(msg, "failed to find the best driver"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "no device"),
		strings.Contains(msg, "not found"):
		return core.NewError(core.ErrCodeNoDeviceFound, "no matching capture device", err)
	case strings.Contains(msg, "busy"),
		strings.Contains(msg, "already in use"):
		return core.NewError(core.ErrCodeDeviceBusy, "capture device is in use", err)
	default:
		return core.NewError(core.ErrCodeMediaError, "media acquisition failed", err)
	}
}

// Stream owns an acquired MediaStream. Enable flags are bookkeeping for
// the session layer; flipping them never tears down the capture, so
// re-enabling needs no renegotiation.
type Stream struct {
	mu           sync.Mutex
	ms           mediadevices.MediaStream
	videoEnabled bool
	audioEnabled bool
	released     bool
	log          zerolog.Logger
}

func newStream(ms mediadevices.MediaStream, logger zerolog.Logger) *Stream {
	return &Stream{
		ms:           ms,
		videoEnabled: len(ms.GetVideoTracks()) > 0,
		audioEnabled: len(ms.GetAudioTracks()) > 0,
		log:          logger,
	}
}

// Tracks returns every live track as webrtc.TrackLocal, ready to
// attach to a peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	var out []webrtc.TrackLocal
	for _, t := range s.ms.GetTracks() {
		out = append(out, t)
	}
	return out
}

// CameraTrack returns the first video track as webrtc.TrackLocal, or
// nil.
func (s *Stream) CameraTrack() webrtc.TrackLocal {
	if t := s.VideoTrack(); t != nil {
		return t
	}
	return nil
}

// MicTrack returns the first audio track as webrtc.TrackLocal, or nil.
func (s *Stream) MicTrack() webrtc.TrackLocal {
	if t := s.AudioTrack(); t != nil {
		return t
	}
	return nil
}

// VideoTrack returns the first video track, or nil when the stream is
// audio-only or already released.
func (s *Stream) VideoTrack() mediadevices.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	tracks := s.ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil
	}
	return tracks[0]
}

// AudioTrack returns the first audio track, or nil.
func (s *Stream) AudioTrack() mediadevices.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	tracks := s.ms.GetAudioTracks()
	if len(tracks) == 0 {
		return nil
	}
	return tracks[0]
}

// SetVideoEnabled records the camera toggle at the capture layer; the
// session's media coordinator detaches the track from the senders.
// Reports whether the state changed.
func (s *Stream) SetVideoEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.videoEnabled == enabled {
		return false
	}
	s.videoEnabled = enabled
	return true
}

// SetAudioEnabled records the microphone toggle at the capture layer.
// Reports whether the state changed.
func (s *Stream) SetAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.audioEnabled == enabled {
		return false
	}
	s.audioEnabled = enabled
	return true
}

// VideoEnabled reports the camera toggle state.
func (s *Stream) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled && !s.released
}

// AudioEnabled reports the microphone toggle state.
func (s *Stream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled && !s.released
}

// Released reports whether Release already ran.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release closes every track. Safe to call more than once.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	tracks := s.ms.GetTracks()
	s.mu.Unlock()

	for _, t := range tracks {
		if err := t.Close(); err != nil {
			s.log.Debug().Err(err).Str("track", t.ID()).Msg("track close")
		}
	}
}
