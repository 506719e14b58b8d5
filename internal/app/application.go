package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"emolearn/internal/api"
	"emolearn/internal/auth"
	"emolearn/internal/broadcast"
	"emolearn/internal/config"
	"emolearn/internal/snapshot"
	"emolearn/internal/store"
	"emolearn/internal/websocket"
	pkgdatabase "emolearn/pkg/database"
)

// Application coordinates all system components. The broadcast engine is
// constructed exactly once here and injected into the API server; no
// component reaches for a global accessor.
type Application struct {
	config     *config.Config
	store      *store.Manager
	registry   *websocket.Registry
	builder    *snapshot.Builder
	engine     *broadcast.Engine
	gate       *websocket.Gate
	apiServer  *api.Server
	httpServer *http.Server
}

// NewApplication wires all components in dependency order:
// Store → Snapshot → Registry → Engine → Gate → API → HTTP.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}

	storeManager, err := store.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	migrationManager := pkgdatabase.NewMigrationManager(storeManager.GetDB())
	if err := migrationManager.ApplyMigrations(); err != nil {
		_ = storeManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Info().Msg("Database migrations applied")

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		_ = storeManager.Close()
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	builder := snapshot.NewBuilder(storeManager, cfg.Snapshot)
	registry := websocket.NewRegistry()
	engine := broadcast.NewEngine(registry, storeManager, cfg.Snapshot, cfg.Database.Timeout)
	gate := websocket.NewGate(registry, authenticator, builder, cfg.WebSocket)
	apiServer := api.NewServer(storeManager, engine, registry, authenticator)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/metrics", apiServer)
	mux.HandleFunc(websocket.AdminPath, gate.HandleAdmin)
	mux.HandleFunc(websocket.StudentPath, gate.HandleStudent)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      storeManager,
		registry:   registry,
		builder:    builder,
		engine:     engine,
		gate:       gate,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start begins application execution: the engine first so queued
// broadcasts are processed before the HTTP server accepts connections.
func (app *Application) Start(ctx context.Context) error {
	log.Info().Str("addr", app.httpServer.Addr).Msg("Starting EmoLearn realtime service")

	if err := app.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broadcast engine: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.engine.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Info().Msg("EmoLearn realtime service started")
		return nil
	case <-ctx.Done():
		_ = app.engine.Stop()
		return ctx.Err()
	}
}

// Stop shuts the application down in reverse dependency order:
// HTTP → Engine → Store.
func (app *Application) Stop(ctx context.Context) error {
	log.Info().Msg("Shutting down EmoLearn realtime service")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := app.engine.Stop(); err != nil {
		log.Error().Err(err).Msg("Broadcast engine shutdown error")
	}

	if err := app.store.Close(); err != nil {
		log.Error().Err(err).Msg("Store shutdown error")
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

// GetAddr returns the server address for external connections.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
