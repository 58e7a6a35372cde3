package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/meshmeet/internal/auth"
	"github.com/vovakirdan/meshmeet/internal/signal"
)

// handleWS upgrades the connection and bridges it into the routing hub. The
// token query parameter carries the peer's signed session-scoped identity.
func (s *Server) handleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: "missing token"})
		return
	}
	claims, err := auth.ValidateToken(s.jwtConfig, token)
	if err != nil {
		s.log.Debug().Err(err).Msg("invalid ws token")
		c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	peer := s.hub.register(claims.SessionID, claims.PeerID)
	defer s.hub.unregister(peer)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.readLoop(ctx, conn, peer)
	}()
	go func() {
		errCh <- s.writeLoop(ctx, conn, peer)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if st := websocket.CloseStatus(err); st != 0 {
			status = st
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			status = websocket.StatusInternalError
			reason = err.Error()
			s.log.Warn().Err(err).Str("peer_id", peer.id).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, peer *hubPeer) error {
	for {
		var msg signal.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		s.hub.route(peer, msg)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, peer *hubPeer) error {
	for {
		select {
		case msg, ok := <-peer.send:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
