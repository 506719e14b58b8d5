// Package fixtures provides the shared harness for end-to-end scenario
// tests: a fully wired service on a throwaway SQLite store plus WebSocket
// test clients for observing fan-out.
package fixtures

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"emolearn/internal/api"
	"emolearn/internal/auth"
	"emolearn/internal/broadcast"
	"emolearn/internal/config"
	"emolearn/internal/snapshot"
	"emolearn/internal/store"
	"emolearn/internal/websocket"
	dbconfig "emolearn/pkg/database"
	"emolearn/pkg/types"
)

// TestEnvironment wires the full realtime stack against a temporary store
// and serves it from an httptest server.
type TestEnvironment struct {
	Store    *store.Manager
	Registry *websocket.Registry
	Engine   *broadcast.Engine
	Auth     *auth.Authenticator
	Server   *httptest.Server
}

// SetupEnvironment builds and starts the stack. Everything is torn down via
// t.Cleanup in reverse order.
func SetupEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "scenario-test-secret"
	cfg.Database.Path = filepath.Join(t.TempDir(), "scenario.db")
	cfg.WebSocket.WriteTimeout = 2 * time.Second

	storeManager, err := store.NewManager(&dbconfig.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: 30 * time.Second,
		ConnMaxIdleTime: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { storeManager.Close() })

	if err := dbconfig.NewMigrationManager(storeManager.GetDB()).ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		t.Fatalf("Failed to create authenticator: %v", err)
	}

	registry := websocket.NewRegistry()
	builder := snapshot.NewBuilder(storeManager, cfg.Snapshot)
	engine := broadcast.NewEngine(registry, storeManager, cfg.Snapshot, cfg.Database.Timeout)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start broadcast engine: %v", err)
	}
	t.Cleanup(func() { engine.Stop() })

	gate := websocket.NewGate(registry, authenticator, builder, cfg.WebSocket)
	apiServer := api.NewServer(storeManager, engine, registry, authenticator)

	mux := http.NewServeMux()
	mux.HandleFunc(websocket.AdminPath, gate.HandleAdmin)
	mux.HandleFunc(websocket.StudentPath, gate.HandleStudent)
	mux.Handle("/", apiServer)

	server := httptest.NewServer(mux)
	t.Cleanup(func() { server.Close() })

	return &TestEnvironment{
		Store:    storeManager,
		Registry: registry,
		Engine:   engine,
		Auth:     authenticator,
		Server:   server,
	}
}

// MintToken issues a bearer token for the given identity.
func (env *TestEnvironment) MintToken(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := env.Auth.Mint(types.Identity{UserID: userID, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("Failed to mint token: %v", err)
	}
	return token
}

// SeedStudent inserts a student user with an optional progress aggregate.
func (env *TestEnvironment) SeedStudent(t *testing.T, userID, name string, overall float64) {
	t.Helper()
	ctx := context.Background()

	err := env.Store.UpsertUser(ctx, &types.User{
		ID:         userID,
		Name:       name,
		Email:      userID + "@example.com",
		Role:       types.RoleStudent,
		LastActive: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to seed student %s: %v", userID, err)
	}

	err = env.Store.UpsertProgress(ctx, &types.Progress{
		UserID:          userID,
		OverallProgress: overall,
		SubjectProgress: map[string]float64{},
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to seed progress for %s: %v", userID, err)
	}
}

// WaitForRegistration blocks until the identity appears on the channel.
func (env *TestEnvironment) WaitForRegistration(t *testing.T, userID string, kind types.ChannelKind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, exists := env.Registry.Get(userID, kind); exists {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Connection for %s never registered on %s channel", userID, kind)
}
