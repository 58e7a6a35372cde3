// Package http is the signaling relay: a small REST surface for session
// metadata and admission tokens, plus the websocket endpoint that routes
// negotiation traffic between the peers of a session.
package http

import (
	"errors"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/meshmeet/internal/auth"
	"github.com/vovakirdan/meshmeet/internal/config"
	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/store"
	"github.com/vovakirdan/meshmeet/internal/utils"
)

// ErrorResponse is the REST error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server bundles the relay's routing hub and handlers.
type Server struct {
	hub       *Hub
	store     store.Store
	jwtConfig *auth.JWTConfig
	cfg       *config.Config
	log       *zerolog.Logger
}

// NewServer builds the relay HTTP server.
func NewServer(st store.Store, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	s := &Server{
		hub:   NewHub(logger),
		store: st,
		jwtConfig: &auth.JWTConfig{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			TTL:      24 * time.Hour,
		},
		cfg: cfg,
		log: logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions/:id", s.handleGetSession)
		api.POST("/token", s.handleIssueToken)
	}

	router.GET("/ws", s.handleWS)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

type createSessionRequest struct {
	Name            string `json:"name"`
	Secret          string `json:"secret"`
	HostID          string `json:"host_id"`
	RequirePassword bool   `json:"require_password"`
	RequireApproval bool   `json:"require_approval"`
}

type sessionResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RequirePassword bool      `json:"require_password"`
	RequireApproval bool      `json:"require_approval"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.RequirePassword && req.Secret == "" {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "secret required when require_password is set"})
		return
	}

	sess := core.Session{
		ID:              utils.NewSessionID(),
		Name:            req.Name,
		HostID:          req.HostID,
		RequirePassword: req.RequirePassword,
		RequireApproval: req.RequireApproval,
		CreatedAt:       time.Now().UTC(),
	}
	if sess.Name == "" {
		sess.Name = "Meeting " + sess.ID
	}
	if req.Secret != "" {
		hash, err := auth.HashSecret(req.Secret)
		if err != nil {
			c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "failed to hash secret"})
			return
		}
		sess.SecretHash = hash
		sess.RequirePassword = true
	}

	if err := s.store.SaveSession(c.Request.Context(), sess); err != nil {
		s.log.Error().Err(err).Msg("save session")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "failed to persist session"})
		return
	}

	c.JSON(stdhttp.StatusCreated, sessionResponse{
		ID:              sess.ID,
		Name:            sess.Name,
		RequirePassword: sess.RequirePassword,
		RequireApproval: sess.RequireApproval,
		CreatedAt:       sess.CreatedAt,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: "session not found"})
			return
		}
		s.log.Error().Err(err).Msg("get session")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "failed to load session"})
		return
	}

	c.JSON(stdhttp.StatusOK, sessionResponse{
		ID:              sess.ID,
		Name:            sess.Name,
		RequirePassword: sess.RequirePassword,
		RequireApproval: sess.RequireApproval,
		CreatedAt:       sess.CreatedAt,
	})
}

type tokenRequest struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
	Name      string `json:"name"`
	Secret    string `json:"secret"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// handleIssueToken gates relay access: the session must exist and, when it
// requires a password, the supplied secret must match. Host approval is a
// separate, later step owned by the host node.
func (s *Server) handleIssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" || req.PeerID == "" {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	sess, err := s.store.GetSession(c.Request.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: core.ErrCodeNotFound})
			return
		}
		s.log.Error().Err(err).Msg("get session for token")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "failed to load session"})
		return
	}

	if sess.RequirePassword {
		if err := auth.CompareSecret(sess.SecretHash, req.Secret); err != nil {
			c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: core.ErrCodeInvalidPassword})
			return
		}
	}

	token, err := auth.GenerateToken(s.jwtConfig, req.PeerID, req.SessionID, req.Name)
	if err != nil {
		s.log.Error().Err(err).Msg("generate token")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "failed to issue token"})
		return
	}
	c.JSON(stdhttp.StatusOK, tokenResponse{Token: token})
}
