package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/meshmeet/internal/config"
	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/device"
	"github.com/vovakirdan/meshmeet/internal/media"
	"github.com/vovakirdan/meshmeet/internal/rtc"
	"github.com/vovakirdan/meshmeet/internal/signal"
	"github.com/vovakirdan/meshmeet/internal/store"
)

// DefaultDeps builds the production collaborator set: real capture
// through the device manager, pion peer connections sharing one media
// engine, and relay-backed signaling.
func DefaultDeps(cfg *config.Config, relayURL string, st store.Store, notify Notifier, logger zerolog.Logger) (Deps, error) {
	devices, err := device.NewManager(logger)
	if err != nil {
		return Deps{}, fmt.Errorf("device manager: %w", err)
	}

	engine := &webrtc.MediaEngine{}
	if err := devices.PopulateEngine(engine); err != nil {
		return Deps{}, fmt.Errorf("media engine: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(engine))
	webrtcCfg := rtc.DefaultConfig(cfg.ICEServers)

	return Deps{
		Store:   st,
		Connect: RelayConnect(relayURL, nil, logger),
		NewConn: func(remoteID string, tracks []webrtc.TrackLocal, cb rtc.Callbacks) (Conn, error) {
			peer, err := rtc.NewPeer(api, webrtcCfg, remoteID, tracks, cb, logger)
			if err != nil {
				return nil, err
			}
			return &peerConn{peer}, nil
		},
		Media:  &deviceSource{mgr: devices},
		Notify: notify,
		Logger: logger,
	}, nil
}

// peerConn adapts *rtc.Peer to the Conn interface; the only mismatch
// is the senders' concrete type.
type peerConn struct {
	*rtc.Peer
}

func (p *peerConn) VideoSender() media.TrackSender {
	if s := p.Peer.VideoSender(); s != nil {
		return s
	}
	return nil
}

func (p *peerConn) AudioSender() media.TrackSender {
	if s := p.Peer.AudioSender(); s != nil {
		return s
	}
	return nil
}

// deviceSource adapts *device.Manager to the MediaSource interface.
type deviceSource struct {
	mgr *device.Manager
}

func (d *deviceSource) Acquire() (LocalStream, error) {
	stream, err := d.mgr.AcquireStream(device.Options{Video: true, Audio: true})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (d *deviceSource) AcquireScreen() (media.ScreenTrack, func(), error) {
	stream, err := d.mgr.AcquireScreen()
	if err != nil {
		return nil, nil, err
	}
	track := stream.VideoTrack()
	if track == nil {
		stream.Release()
		return nil, nil, core.NewError(core.ErrCodeMediaError, "screen capture has no video track", nil)
	}
	return track, stream.Release, nil
}

// RelayConnect returns a ConnectFunc that trades credentials for a
// relay token and dials the websocket. client defaults to
// http.DefaultClient.
func RelayConnect(relayURL string, client *http.Client, logger zerolog.Logger) ConnectFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, info ConnectInfo) (signal.Channel, error) {
		token, err := fetchToken(ctx, client, relayURL, info)
		if err != nil {
			return nil, err
		}
		return signal.Dial(ctx, wsURL(relayURL)+"/ws", token, &logger)
	}
}

type relayTokenRequest struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
	Name      string `json:"name"`
	Secret    string `json:"secret"`
}

type relayTokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

func fetchToken(ctx context.Context, client *http.Client, relayURL string, info ConnectInfo) (string, error) {
	body, err := json.Marshal(relayTokenRequest{
		SessionID: info.SessionID,
		PeerID:    info.PeerID,
		Name:      info.Name,
		Secret:    info.Secret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relayURL+"/api/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	var tr relayTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return tr.Token, nil
	case http.StatusNotFound:
		return "", core.NewError(core.ErrCodeNotFound, "session not found", core.ErrSessionNotFound)
	case http.StatusUnauthorized:
		return "", core.NewError(core.ErrCodeInvalidPassword, "invalid session password", core.ErrInvalidPassword)
	default:
		if tr.Error == "" {
			tr.Error = resp.Status
		}
		return "", errors.New("token request failed: " + tr.Error)
	}
}

// wsURL rewrites an http(s) relay URL to its ws(s) equivalent.
func wsURL(relayURL string) string {
	switch {
	case len(relayURL) > 5 && relayURL[:5] == "https":
		return "wss" + relayURL[5:]
	case len(relayURL) > 4 && relayURL[:4] == "http":
		return "ws" + relayURL[4:]
	default:
		return relayURL
	}
}

// LoopbackConnect wires the manager to an in-process signaling bus, for
// single-process demos and tests.
func LoopbackConnect(bus *signal.Bus) ConnectFunc {
	return func(ctx context.Context, info ConnectInfo) (signal.Channel, error) {
		return bus.Connect(info.PeerID), nil
	}
}
