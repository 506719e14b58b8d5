package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"emolearn/internal/auth"
	"emolearn/internal/config"
	"emolearn/internal/metrics"
	"emolearn/pkg/types"
)

// Upgrade paths are fixed; anything else never reaches this handler and
// fails the upgrade at the mux.
const (
	AdminPath   = "/ws/admin"
	StudentPath = "/ws/student"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is delegated to the deployment's proxy layer.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// SnapshotBuilder assembles the one-shot payload sent immediately after
// admission, before any broadcast-triggered message.
type SnapshotBuilder interface {
	BuildAdminSnapshot(ctx context.Context) (*types.AdminSnapshot, error)
	BuildStudentSnapshot(ctx context.Context, userID string) (*types.StudentSnapshot, error)
}

// Gate authenticates upgrade requests on the two fixed paths and admits
// connections into the appropriate registry. The bearer token travels in
// the WebSocket sub-protocol field because browser WebSocket APIs cannot
// set custom headers on the handshake.
type Gate struct {
	registry *Registry
	auth     *auth.Authenticator
	snapshot SnapshotBuilder
	wsConfig *config.WebSocketConfig
}

// NewGate creates an upgrade gate.
func NewGate(registry *Registry, authenticator *auth.Authenticator, snapshot SnapshotBuilder, wsConfig *config.WebSocketConfig) *Gate {
	return &Gate{
		registry: registry,
		auth:     authenticator,
		snapshot: snapshot,
		wsConfig: wsConfig,
	}
}

// HandleAdmin admits admin dashboard connections on /ws/admin. Only a
// credential decoding to the admin role is accepted.
func (g *Gate) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	g.handleUpgrade(w, r, types.ChannelAdmin)
}

// HandleStudent admits student dashboard connections on /ws/student. Any
// valid credential is accepted; the channel's identity comes entirely from
// the token, never from a path or query parameter.
func (g *Gate) HandleStudent(w http.ResponseWriter, r *http.Request) {
	g.handleUpgrade(w, r, types.ChannelStudent)
}

func (g *Gate) handleUpgrade(w http.ResponseWriter, r *http.Request, kind types.ChannelKind) {
	token, protocol := bearerFromHandshake(r)

	// The upgrade always completes first so the closure below reaches the
	// client as a proper close frame rather than an HTTP error the browser
	// WebSocket API cannot inspect.
	var responseHeader http.Header
	if protocol != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{protocol}}
	}

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("WebSocket upgrade failed")
		return
	}

	identity, err := g.auth.Verify(token)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected upgrade: invalid credential")
		closeUnauthorized(conn)
		return
	}

	if kind == types.ChannelAdmin && identity.Role != types.RoleAdmin {
		log.Warn().Str("user", identity.UserID).Str("role", identity.Role).Msg("Rejected admin channel: not an admin")
		closeUnauthorized(conn)
		return
	}

	wsConn := NewConnection(conn, identity, g.wsConfig.BufferSize, g.wsConfig.WriteTimeout)

	// Snapshot is built and queued before registration so no broadcast
	// triggered by a concurrent mutation can overtake the initial payload.
	g.sendSnapshot(r.Context(), wsConn, kind)

	if err := g.registry.Register(wsConn, kind); err != nil {
		log.Error().Err(err).Str("user", identity.UserID).Msg("Failed to register connection")
		_ = wsConn.Close()
		return
	}

	log.Info().Str("user", identity.UserID).Str("channel", string(kind)).Msg("Connection admitted")

	go g.runLifecycle(wsConn)
}

// bearerFromHandshake extracts the token from the sub-protocol list. A
// client may offer "jwt, <token>"; the literal "jwt" marker is skipped.
func bearerFromHandshake(r *http.Request) (token, protocol string) {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return "", ""
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "jwt" {
			continue
		}
		return part, part
	}
	return "", ""
}

// closeUnauthorized completes the policy-violation closure: code 1008 with
// reason "Unauthorized", then the underlying handle is torn down. The
// connection is never registered.
func closeUnauthorized(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthorized")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

func (g *Gate) sendSnapshot(ctx context.Context, conn *Connection, kind types.ChannelKind) {
	switch kind {
	case types.ChannelAdmin:
		snapshot, err := g.snapshot.BuildAdminSnapshot(ctx)
		if err != nil {
			// Abandoned silently from the connection's point of view; the
			// dashboard falls back to its REST fetch.
			log.Error().Err(err).Str("user", conn.GetUserID()).Msg("Admin snapshot build failed")
			metrics.StoreReadFailures.WithLabelValues("admin_snapshot").Inc()
			return
		}
		if err := conn.WriteJSON(types.Envelope{Type: types.MessageTypeInitialData, Data: snapshot}); err != nil {
			log.Warn().Err(err).Str("user", conn.GetUserID()).Msg("Failed to send initial admin data")
			return
		}
		metrics.EnvelopesSent.WithLabelValues(types.MessageTypeInitialData).Inc()

	case types.ChannelStudent:
		snapshot, err := g.snapshot.BuildStudentSnapshot(ctx, conn.GetUserID())
		if err != nil {
			log.Error().Err(err).Str("user", conn.GetUserID()).Msg("Student snapshot build failed")
			metrics.StoreReadFailures.WithLabelValues("student_snapshot").Inc()
			return
		}
		if err := conn.WriteJSON(types.Envelope{Type: types.MessageTypeInitialStudentData, Data: snapshot}); err != nil {
			log.Warn().Err(err).Str("user", conn.GetUserID()).Msg("Failed to send initial student data")
			return
		}
		metrics.EnvelopesSent.WithLabelValues(types.MessageTypeInitialStudentData).Inc()
	}
}

// runLifecycle owns the connection until it closes or errors: ping/pong
// heartbeat, read-deadline enforcement, and unconditional deregistration
// from both channels on exit (cheap and idempotent either way).
func (g *Gate) runLifecycle(conn *Connection) {
	defer func() {
		g.registry.Unregister(conn, types.ChannelAdmin)
		g.registry.Unregister(conn, types.ChannelStudent)
		_ = conn.Close()
		log.Info().Str("user", conn.GetUserID()).Msg("Connection closed")
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(g.wsConfig.ReadTimeout)); err != nil {
		log.Debug().Err(err).Msg("Failed to set read deadline")
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(g.wsConfig.ReadTimeout))
	})

	ticker := time.NewTicker(g.wsConfig.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(g.wsConfig.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	// Subscribers never send domain frames; the read loop exists to drive
	// pong handling and to observe the close.
	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("user", conn.GetUserID()).Msg("WebSocket read error")
			}
			return
		}
	}
}
