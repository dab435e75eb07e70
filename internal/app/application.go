// Package app wires the chat server together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatline/internal/api"
	"chatline/internal/auth"
	"chatline/internal/broker"
	"chatline/internal/chat"
	"chatline/internal/config"
	"chatline/internal/database"
	"chatline/internal/session"
	"chatline/pkg/types"
)

// Application owns every long-lived component of the server.
type Application struct {
	config     *config.Config
	db         *database.Manager
	registry   *session.Registry
	broker     *broker.Broker[types.ServerMessage]
	verifier   *auth.Verifier
	chat       *chat.Handler
	api        *api.Server
	httpServer *http.Server
	log        zerolog.Logger

	stopOnce sync.Once
	stopErr  error
}

// NewApplication builds the components in dependency order:
// database, registry, broker, auth, chat handler, API, HTTP server.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid session configuration: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	db, err := database.NewManager(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	registry := session.NewRegistry(sessionCfg, logger)

	var opts []broker.Option
	if cfg.Broker.Parallelism > 1 {
		opts = append(opts, broker.WithParallelDelivery(cfg.Broker.Parallelism))
	}
	b := broker.New[types.ServerMessage](logger, opts...)

	limiter := chat.NewRateLimiter(cfg.Chat.RateLimit, cfg.Chat.RateBurst, nil)
	chatHandler := chat.NewHandler(registry, b, db, verifier, limiter, cfg.ChatConfig(), logger)
	apiServer := api.NewServer(registry, b, db, verifier, cfg.Auth.AdminToken, chatHandler, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		db:         db,
		registry:   registry,
		broker:     b,
		verifier:   verifier,
		chat:       chatHandler,
		api:        apiServer,
		httpServer: httpServer,
		log:        logger.With().Str("component", "app").Logger(),
	}, nil
}

// Run listens on the configured address and serves until ctx ends.
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then stops the application.
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.log.Info().Str("addr", ln.Addr().String()).Msg("chat server listening")
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
		defer cancel()
		return app.Stop(shutdownCtx)
	})

	return g.Wait()
}

// Stop shuts down in reverse dependency order: HTTP listener, sessions,
// chat pumps, database. Only the first call does any work.
func (app *Application) Stop(ctx context.Context) error {
	app.stopOnce.Do(func() {
		app.log.Info().Msg("shutting down")

		var errs []error
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := app.registry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}

		pumpsDone := make(chan struct{})
		go func() {
			app.chat.Wait()
			close(pumpsDone)
		}()
		select {
		case <-pumpsDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("chat pumps: %w", ctx.Err()))
		}

		if err := app.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}

		app.stopErr = errors.Join(errs...)
		if app.stopErr != nil {
			app.log.Warn().Err(app.stopErr).Msg("shutdown finished with errors")
		} else {
			app.log.Info().Msg("shutdown complete")
		}
	})
	return app.stopErr
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.api
}

// Verifier returns the token verifier, which also issues tokens.
func (app *Application) Verifier() *auth.Verifier {
	return app.verifier
}

// Addr returns the configured listen address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
