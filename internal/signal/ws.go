package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/meshmeet/internal/log"
)

// WSClient is the relay-backed signaling channel: one websocket per
// participant, JSON envelopes, identity carried by the admission token.
type WSClient struct {
	conn   *websocket.Conn
	recv   chan Message
	cancel context.CancelFunc
	logger *zerolog.Logger

	closeOnce sync.Once
}

// Dial connects to the relay's /ws endpoint. The token authenticates the
// peer and scopes it to one session; see transport/http for the server side.
func Dial(ctx context.Context, relayURL, token string, logger *zerolog.Logger) (*WSClient, error) {
	logger = log.OrDiscard(logger)

	conn, _, err := websocket.Dial(ctx, relayURL+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:   conn,
		recv:   make(chan Message, loopbackBuffer),
		cancel: cancel,
		logger: logger,
	}
	go c.readLoop(readCtx)
	return c, nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	defer close(c.recv)
	for {
		var msg Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			if !errors.Is(err, context.Canceled) {
				status := websocket.CloseStatus(err)
				if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
					c.logger.Warn().Err(err).Msg("signaling read loop closed")
				}
			}
			return
		}
		select {
		case c.recv <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *WSClient) Send(ctx context.Context, msg Message) error {
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("send signal %s: %w", msg.Type, err)
	}
	return nil
}

func (c *WSClient) Recv() <-chan Message {
	return c.recv
}

func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "leaving")
	})
	return nil
}
