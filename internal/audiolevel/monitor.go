package audiolevel

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	decayInterval = 50 * time.Millisecond
	decayFactor   = 0.7
	silenceFloor  = 0.001
)

// Monitor tracks per-participant speaking levels in the 0..1 range.
// Levels decay toward zero between RTP samples so a participant who
// stops talking fades out instead of freezing at their last value.
type Monitor struct {
	mu      sync.Mutex
	levels  map[string]float64
	cancels map[string]context.CancelFunc
	loops   int

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	log       zerolog.Logger
}

// NewMonitor builds an idle monitor. The decay ticker starts on the
// first Watch or SetLevel.
func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		levels:  make(map[string]float64),
		cancels: make(map[string]context.CancelFunc),
		done:    make(chan struct{}),
		log:     logger.With().Str("module", "audiolevel").Logger(),
	}
}

func (m *Monitor) start() {
	m.startOnce.Do(func() {
		go m.decayLoop()
	})
}

func (m *Monitor) decayLoop() {
	ticker := time.NewTicker(decayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			for id, lvl := range m.levels {
				lvl *= decayFactor
				if lvl < silenceFloor {
					lvl = 0
				}
				m.levels[id] = lvl
			}
			m.mu.Unlock()
		}
	}
}

// Watch starts reading audio-level header extensions from track and
// feeding them into the participant's level. A second Watch for the
// same participant replaces the first. extID is the negotiated
// extension ID for the audio-level URI on the receiving transport.
func (m *Monitor) Watch(participantID string, track *webrtc.TrackRemote, extID uint8) {
	m.start()
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if old, ok := m.cancels[participantID]; ok {
		old()
	}
	m.cancels[participantID] = cancel
	m.loops++
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.loops--
			m.mu.Unlock()
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					m.log.Debug().Err(err).Str("participant", participantID).Msg("rtp read ended")
				}
				return
			}
			payload := pkt.GetExtension(extID)
			if payload == nil {
				continue
			}
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(payload); err != nil {
				continue
			}
			m.SetLevel(participantID, dbovToLinear(ext.Level))
		}
	}()
}

// dbovToLinear maps the extension's 0..127 -dBov value onto 0..1.
// 0 dBov is full scale, 127 is silence.
func dbovToLinear(level uint8) float64 {
	if level >= 127 {
		return 0
	}
	return math.Pow(10, -float64(level)/20)
}

// SetLevel feeds a level sample directly, clamped to 0..1. Used as the
// local-capture tap.
func (m *Monitor) SetLevel(participantID string, level float64) {
	m.start()
	level = math.Max(0, math.Min(1, level))
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return
	default:
	}
	if level > m.levels[participantID] {
		m.levels[participantID] = level
	}
}

// Level returns the current 0..1 level for a participant, zero if
// unknown.
func (m *Monitor) Level(participantID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[participantID]
}

// Unwatch stops the participant's read loop and forgets their level.
func (m *Monitor) Unwatch(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[participantID]; ok {
		cancel()
		delete(m.cancels, participantID)
	}
	delete(m.levels, participantID)
}

// ActiveLoops reports how many read loops are still running. Teardown
// checks drive to zero.
func (m *Monitor) ActiveLoops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loops
}

// Close stops every loop and the decay ticker. Subsequent calls are
// no-ops.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		for id, cancel := range m.cancels {
			cancel()
			delete(m.cancels, id)
		}
		m.levels = make(map[string]float64)
		m.mu.Unlock()
		close(m.done)
	})
}
