package websocket

import (
	"sync"
	"testing"
	"time"

	"emolearn/pkg/types"
)

func newRegisteredConnection(t *testing.T, userID, role string) *Connection {
	t.Helper()
	wsConn := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, testIdentity(userID, role), 10, time.Second)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	conn := newRegisteredConnection(t, "admin-1", types.RoleAdmin)

	if err := registry.Register(conn, types.ChannelAdmin); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, exists := registry.Get("admin-1", types.ChannelAdmin)
	if !exists || got != conn {
		t.Error("Registered connection not retrievable")
	}

	if _, exists := registry.Get("admin-1", types.ChannelStudent); exists {
		t.Error("Admin registration must not leak into the student channel")
	}
}

func TestRegistry_RegisterNilConnection(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(nil, types.ChannelAdmin); err != ErrNilConnection {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}
}

func TestRegistry_RegisterUnknownChannel(t *testing.T) {
	registry := NewRegistry()
	conn := newRegisteredConnection(t, "admin-1", types.RoleAdmin)

	if err := registry.Register(conn, types.ChannelKind("teacher")); err != ErrUnknownChannel {
		t.Errorf("Expected ErrUnknownChannel, got %v", err)
	}
}

func TestRegistry_DuplicateRegistrationReplaces(t *testing.T) {
	registry := NewRegistry()
	first := newRegisteredConnection(t, "student-1", types.RoleStudent)
	second := newRegisteredConnection(t, "student-1", types.RoleStudent)

	if err := registry.Register(first, types.ChannelStudent); err != nil {
		t.Fatalf("First register failed: %v", err)
	}
	if err := registry.Register(second, types.ChannelStudent); err != nil {
		t.Fatalf("Second register failed: %v", err)
	}

	got, exists := registry.Get("student-1", types.ChannelStudent)
	if !exists || got != second {
		t.Error("Later registration should replace the earlier one")
	}

	// The displaced handle is closed asynchronously.
	deadline := time.Now().Add(time.Second)
	for first.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if first.IsOpen() {
		t.Error("Displaced connection should be closed")
	}

	if registry.Stats()["student_connections"] != 1 {
		t.Errorf("Expected 1 student connection, got %d", registry.Stats()["student_connections"])
	}
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	registry := NewRegistry()
	conn := newRegisteredConnection(t, "student-1", types.RoleStudent)

	if err := registry.Register(conn, types.ChannelStudent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	registry.Unregister(conn, types.ChannelStudent)
	registry.Unregister(conn, types.ChannelStudent)
	registry.Unregister(nil, types.ChannelStudent)

	if _, exists := registry.Get("student-1", types.ChannelStudent); exists {
		t.Error("Connection should be gone after unregister")
	}
	if registry.Stats()["student_connections"] != 0 {
		t.Errorf("Expected 0 student connections, got %d", registry.Stats()["student_connections"])
	}
}

func TestRegistry_UnregisterStaleInstanceKeepsReplacement(t *testing.T) {
	registry := NewRegistry()
	stale := newRegisteredConnection(t, "student-1", types.RoleStudent)
	current := newRegisteredConnection(t, "student-1", types.RoleStudent)

	if err := registry.Register(stale, types.ChannelStudent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(current, types.ChannelStudent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// The stale connection's deferred cleanup must not evict the newer one.
	registry.Unregister(stale, types.ChannelStudent)

	got, exists := registry.Get("student-1", types.ChannelStudent)
	if !exists || got != current {
		t.Error("Stale unregister evicted the replacement connection")
	}
}

func TestRegistry_SendToMissingUserIsBenign(t *testing.T) {
	registry := NewRegistry()
	// Must not panic or error, but must report the dropped hand-off.
	if registry.SendTo("ghost", types.ChannelAdmin, types.Envelope{Type: types.MessageTypeNewEmotion}) {
		t.Error("SendTo reported success for a missing connection")
	}
}

func TestRegistry_SendToReportsHandOff(t *testing.T) {
	registry := NewRegistry()
	conn := newRegisteredConnection(t, "student-1", types.RoleStudent)

	if err := registry.Register(conn, types.ChannelStudent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !registry.SendTo("student-1", types.ChannelStudent, types.Envelope{Type: types.MessageTypeProgressUpdate}) {
		t.Error("SendTo reported a dropped send for an open connection")
	}
}

func TestRegistry_SendToClosedConnectionEvicts(t *testing.T) {
	registry := NewRegistry()
	conn := newRegisteredConnection(t, "admin-1", types.RoleAdmin)

	if err := registry.Register(conn, types.ChannelAdmin); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	conn.Close()

	if registry.SendTo("admin-1", types.ChannelAdmin, types.Envelope{Type: types.MessageTypeNewEmotion}) {
		t.Error("SendTo reported success for a closed connection")
	}

	if _, exists := registry.Get("admin-1", types.ChannelAdmin); exists {
		t.Error("Closed connection should be evicted on send")
	}
}

func TestRegistry_ForEachOpenSkipsAndEvictsClosed(t *testing.T) {
	registry := NewRegistry()
	open := newRegisteredConnection(t, "admin-1", types.RoleAdmin)
	closed := newRegisteredConnection(t, "admin-2", types.RoleAdmin)

	if err := registry.Register(open, types.ChannelAdmin); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(closed, types.ChannelAdmin); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	closed.Close()

	visited := make(map[string]bool)
	registry.ForEachOpen(types.ChannelAdmin, func(c *Connection) {
		visited[c.GetUserID()] = true
	})

	if !visited["admin-1"] {
		t.Error("Open connection not visited")
	}
	if visited["admin-2"] {
		t.Error("Closed connection should not be visited")
	}
	if _, exists := registry.Get("admin-2", types.ChannelAdmin); exists {
		t.Error("Closed connection should be evicted during iteration")
	}
}

func TestRegistry_Stats(t *testing.T) {
	registry := NewRegistry()

	admin := newRegisteredConnection(t, "admin-1", types.RoleAdmin)
	student1 := newRegisteredConnection(t, "student-1", types.RoleStudent)
	student2 := newRegisteredConnection(t, "student-2", types.RoleStudent)

	registry.Register(admin, types.ChannelAdmin)
	registry.Register(student1, types.ChannelStudent)
	registry.Register(student2, types.ChannelStudent)

	stats := registry.Stats()
	if stats["admin_connections"] != 1 {
		t.Errorf("Expected 1 admin connection, got %d", stats["admin_connections"])
	}
	if stats["student_connections"] != 2 {
		t.Errorf("Expected 2 student connections, got %d", stats["student_connections"])
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry()
	conn := newRegisteredConnection(t, "student-1", types.RoleStudent)
	registry.Register(conn, types.ChannelStudent)

	const numGoroutines = 20
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			registry.SendTo("student-1", types.ChannelStudent, types.Envelope{Type: types.MessageTypeProgressUpdate})
			registry.Get("student-1", types.ChannelStudent)
			registry.Stats()
			registry.ForEachOpen(types.ChannelStudent, func(*Connection) {})
		}()
	}
	wg.Wait()
}
