// Package app wires the signaling relay: store backend, HTTP server, and the
// session retention sweep.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/meshmeet/internal/config"
	"github.com/vovakirdan/meshmeet/internal/store"
	"github.com/vovakirdan/meshmeet/internal/store/memory"
	"github.com/vovakirdan/meshmeet/internal/store/sqlite"
	"github.com/vovakirdan/meshmeet/internal/store/valkey"
	transporthttp "github.com/vovakirdan/meshmeet/internal/transport/http"
)

const sweepInterval = 10 * time.Minute

// App bundles the relay server with its store.
type App struct {
	server          *stdhttp.Server
	store           store.Store
	shutdownTimeout time.Duration
	sessionTTL      time.Duration
	log             *zerolog.Logger
}

// New constructs the relay application with the provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("backend", cfg.StoreBackend).Msg("store initialized")

	server := transporthttp.NewServer(st, cfg, logger)

	return &App{
		server:          server,
		store:           st,
		shutdownTimeout: cfg.ShutdownTimeout,
		sessionTTL:      cfg.SessionTTL,
		log:             logger,
	}, nil
}

// OpenStore builds the configured store backend. Shared with the CLI's
// offline session commands.
func OpenStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory", "":
		return memory.New(), nil
	case "sqlite":
		st, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return st, nil
	case "valkey":
		st, err := valkey.New(cfg.ValkeyAddr)
		if err != nil {
			return nil, fmt.Errorf("init valkey store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.sweepLoop(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down relay")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// sweepLoop prunes session metadata older than the configured TTL. Sessions
// left behind by crashed hosts would otherwise accumulate forever.
func (a *App) sweepLoop(ctx context.Context) {
	if a.sessionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *App) sweepOnce(ctx context.Context) {
	sessions, err := a.store.ListSessions(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("session sweep list failed")
		return
	}
	cutoff := time.Now().Add(-a.sessionTTL)
	for _, sess := range sessions {
		if sess.CreatedAt.Before(cutoff) {
			if err := a.store.DeleteSession(ctx, sess.ID); err != nil {
				a.log.Warn().Err(err).Str("session_id", sess.ID).Msg("session sweep delete failed")
				continue
			}
			a.log.Info().Str("session_id", sess.ID).Msg("expired session pruned")
		}
	}
}

// cleanup closes the store and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
