package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"emolearn/internal/auth"
	"emolearn/internal/config"
	"emolearn/pkg/types"
)

type fakeSnapshotBuilder struct {
	adminErr   error
	studentErr error

	lastStudentID string
}

func (b *fakeSnapshotBuilder) BuildAdminSnapshot(ctx context.Context) (*types.AdminSnapshot, error) {
	if b.adminErr != nil {
		return nil, b.adminErr
	}
	return &types.AdminSnapshot{
		Students: []types.StudentOverview{},
		Stats:    types.PlatformStats{TotalStudents: 3},
	}, nil
}

func (b *fakeSnapshotBuilder) BuildStudentSnapshot(ctx context.Context, userID string) (*types.StudentSnapshot, error) {
	b.lastStudentID = userID
	if b.studentErr != nil {
		return nil, b.studentErr
	}
	return &types.StudentSnapshot{
		Progress: &types.Progress{UserID: userID, OverallProgress: 42},
	}, nil
}

type gateHarness struct {
	registry *Registry
	auth     *auth.Authenticator
	builder  *fakeSnapshotBuilder
	server   *httptest.Server
}

func newGateHarness(t *testing.T) *gateHarness {
	t.Helper()

	authenticator, err := auth.NewAuthenticator("gate-test-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}

	registry := NewRegistry()
	builder := &fakeSnapshotBuilder{}
	wsConfig := &config.WebSocketConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   10,
	}
	gate := NewGate(registry, authenticator, builder, wsConfig)

	mux := http.NewServeMux()
	mux.HandleFunc(AdminPath, gate.HandleAdmin)
	mux.HandleFunc(StudentPath, gate.HandleStudent)

	server := httptest.NewServer(mux)
	t.Cleanup(func() { server.Close() })

	return &gateHarness{registry: registry, auth: authenticator, builder: builder, server: server}
}

func (h *gateHarness) mint(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := h.auth.Mint(types.Identity{UserID: userID, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	return token
}

func (h *gateHarness) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if token != "" {
		dialer.Subprotocols = []string{"jwt", token}
	}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", path, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var envelope types.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	return envelope
}

func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("Expected close code 1008, got %d", closeErr.Code)
	}
	if closeErr.Text != "Unauthorized" {
		t.Errorf("Expected close reason 'Unauthorized', got '%s'", closeErr.Text)
	}
}

func waitForRegistration(t *testing.T, registry *Registry, userID string, kind types.ChannelKind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, exists := registry.Get(userID, kind); exists {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Connection for %s never registered on %s channel", userID, kind)
}

func TestGate_AdminReceivesInitialData(t *testing.T) {
	h := newGateHarness(t)
	conn := h.dial(t, AdminPath, h.mint(t, "admin-1", types.RoleAdmin))

	envelope := readEnvelope(t, conn)
	if envelope.Type != types.MessageTypeInitialData {
		t.Errorf("Expected INITIAL_DATA first, got %s", envelope.Type)
	}

	data, ok := envelope.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected object data, got %T", envelope.Data)
	}
	stats, ok := data["stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected stats object, got %T", data["stats"])
	}
	if stats["totalStudents"] != float64(3) {
		t.Errorf("Expected totalStudents 3, got %v", stats["totalStudents"])
	}

	waitForRegistration(t, h.registry, "admin-1", types.ChannelAdmin)
}

func TestGate_StudentReceivesInitialStudentData(t *testing.T) {
	h := newGateHarness(t)
	conn := h.dial(t, StudentPath, h.mint(t, "student-7", types.RoleStudent))

	envelope := readEnvelope(t, conn)
	if envelope.Type != types.MessageTypeInitialStudentData {
		t.Errorf("Expected INITIAL_STUDENT_DATA first, got %s", envelope.Type)
	}

	waitForRegistration(t, h.registry, "student-7", types.ChannelStudent)
}

// The student channel's identity comes only from the verified token; path
// or query hints naming another user are ignored.
func TestGate_StudentChannelIdentityFromTokenOnly(t *testing.T) {
	h := newGateHarness(t)
	conn := h.dial(t, StudentPath+"?user_id=someone-else", h.mint(t, "student-7", types.RoleStudent))

	readEnvelope(t, conn)

	if h.builder.lastStudentID != "student-7" {
		t.Errorf("Snapshot built for '%s', expected token identity 'student-7'", h.builder.lastStudentID)
	}
	if _, exists := h.registry.Get("someone-else", types.ChannelStudent); exists {
		t.Error("Query-supplied identity must never be registered")
	}
	waitForRegistration(t, h.registry, "student-7", types.ChannelStudent)
}

func TestGate_MissingTokenClosedUnauthorized(t *testing.T) {
	h := newGateHarness(t)
	conn := h.dial(t, AdminPath, "")

	expectPolicyClose(t, conn)

	if h.registry.Stats()["admin_connections"] != 0 {
		t.Error("Unauthenticated connection must not be registered")
	}
}

func TestGate_GarbageTokenClosedUnauthorized(t *testing.T) {
	h := newGateHarness(t)
	conn := h.dial(t, StudentPath, "not-a-jwt")

	expectPolicyClose(t, conn)

	if h.registry.Stats()["student_connections"] != 0 {
		t.Error("Invalid credential must not be registered")
	}
}

func TestGate_StudentRoleRejectedOnAdminPath(t *testing.T) {
	h := newGateHarness(t)
	conn := h.dial(t, AdminPath, h.mint(t, "student-7", types.RoleStudent))

	expectPolicyClose(t, conn)

	stats := h.registry.Stats()
	if stats["admin_connections"] != 0 || stats["student_connections"] != 0 {
		t.Errorf("Rejected connection leaked into registry: %v", stats)
	}
}

func TestGate_AdminRoleAcceptedOnStudentPath(t *testing.T) {
	h := newGateHarness(t)
	conn := h.dial(t, StudentPath, h.mint(t, "admin-1", types.RoleAdmin))

	envelope := readEnvelope(t, conn)
	if envelope.Type != types.MessageTypeInitialStudentData {
		t.Errorf("Expected INITIAL_STUDENT_DATA, got %s", envelope.Type)
	}
	waitForRegistration(t, h.registry, "admin-1", types.ChannelStudent)
}

func TestGate_SnapshotFailureStillAdmits(t *testing.T) {
	h := newGateHarness(t)
	h.builder.adminErr = errors.New("store unavailable")

	conn := h.dial(t, AdminPath, h.mint(t, "admin-1", types.RoleAdmin))

	waitForRegistration(t, h.registry, "admin-1", types.ChannelAdmin)

	// No initial payload arrives; the read just times out.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected no initial payload after snapshot failure")
	}
}

func TestGate_DuplicateAdmissionReplaces(t *testing.T) {
	h := newGateHarness(t)
	token := h.mint(t, "admin-1", types.RoleAdmin)

	first := h.dial(t, AdminPath, token)
	readEnvelope(t, first)
	waitForRegistration(t, h.registry, "admin-1", types.ChannelAdmin)
	firstConn, _ := h.registry.Get("admin-1", types.ChannelAdmin)

	second := h.dial(t, AdminPath, token)
	readEnvelope(t, second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, exists := h.registry.Get("admin-1", types.ChannelAdmin); exists && conn != firstConn {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, exists := h.registry.Get("admin-1", types.ChannelAdmin)
	if !exists || conn == firstConn {
		t.Error("Second admission should replace the first connection")
	}
	if h.registry.Stats()["admin_connections"] != 1 {
		t.Errorf("Expected a single admin connection, got %d", h.registry.Stats()["admin_connections"])
	}
}

func TestBearerFromHandshake(t *testing.T) {
	cases := []struct {
		name   string
		header string
		token  string
	}{
		{"empty", "", ""},
		{"token only", "abc.def.ghi", "abc.def.ghi"},
		{"jwt marker then token", "jwt, abc.def.ghi", "abc.def.ghi"},
		{"marker only", "jwt", ""},
		{"whitespace", "  jwt ,  abc.def.ghi  ", "abc.def.ghi"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, StudentPath, nil)
			if tc.header != "" {
				r.Header.Set("Sec-WebSocket-Protocol", tc.header)
			}
			token, _ := bearerFromHandshake(r)
			if token != tc.token {
				t.Errorf("Expected token '%s', got '%s'", tc.token, token)
			}
		})
	}
}
