package websocket

import (
	"sync"

	"github.com/rs/zerolog/log"

	"emolearn/internal/metrics"
	"emolearn/pkg/types"
)

// Registry holds the two independent connection maps: admin viewers and
// student viewers, each keyed by user ID with at most one live connection
// per identity. Pure connection tracking; fan-out decisions live in the
// broadcast engine. The mutex is never held across a store read.
type Registry struct {
	mu       sync.RWMutex
	admins   map[string]*Connection
	students map[string]*Connection
}

// NewRegistry creates a registry with both channel maps initialized.
func NewRegistry() *Registry {
	return &Registry{
		admins:   make(map[string]*Connection),
		students: make(map[string]*Connection),
	}
}

func (r *Registry) channel(kind types.ChannelKind) (map[string]*Connection, bool) {
	switch kind {
	case types.ChannelAdmin:
		return r.admins, true
	case types.ChannelStudent:
		return r.students, true
	default:
		return nil, false
	}
}

// Register admits a connection into the named channel. A later connection
// for the same identity replaces the map entry; the displaced handle is
// closed asynchronously so registration never blocks on its teardown.
func (r *Registry) Register(conn *Connection, kind types.ChannelKind) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	channel, ok := r.channel(kind)
	if !ok {
		return ErrUnknownChannel
	}

	userID := conn.GetUserID()
	if existing, exists := channel[userID]; exists && existing != conn {
		go func() {
			if err := existing.Close(); err != nil {
				log.Debug().Err(err).Str("user", userID).Msg("Failed to close replaced connection")
			}
		}()
	} else if !exists {
		metrics.OpenConnections.WithLabelValues(string(kind)).Inc()
	}

	channel[userID] = conn
	return nil
}

// Unregister removes a connection from the named channel. Idempotent, and
// instance-checked: a stale connection's deferred cleanup cannot evict the
// newer connection that replaced it.
func (r *Registry) Unregister(conn *Connection, kind types.ChannelKind) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	channel, ok := r.channel(kind)
	if !ok {
		return
	}

	userID := conn.GetUserID()
	registered, exists := channel[userID]
	if !exists || registered != conn {
		return
	}

	delete(channel, userID)
	metrics.OpenConnections.WithLabelValues(string(kind)).Dec()
}

// SendTo pushes one envelope to the identity's connection on the named
// channel and reports whether it was handed off to the writer. A missing
// or closed handle is benign: logged, counted, and the stale entry evicted
// lazily. Never an error to the caller.
func (r *Registry) SendTo(userID string, kind types.ChannelKind, v interface{}) bool {
	r.mu.RLock()
	channel, ok := r.channel(kind)
	if !ok {
		r.mu.RUnlock()
		return false
	}
	conn, exists := channel[userID]
	r.mu.RUnlock()

	if !exists {
		log.Debug().Str("user", userID).Str("channel", string(kind)).Msg("No open connection for send")
		metrics.DroppedSends.WithLabelValues(string(kind)).Inc()
		return false
	}

	if !conn.IsOpen() {
		r.evict(conn, kind)
		metrics.DroppedSends.WithLabelValues(string(kind)).Inc()
		return false
	}

	if err := conn.WriteJSON(v); err != nil {
		log.Debug().Err(err).Str("user", userID).Str("channel", string(kind)).Msg("Send failed, evicting connection")
		r.evict(conn, kind)
		metrics.DroppedSends.WithLabelValues(string(kind)).Inc()
		return false
	}

	return true
}

// ForEachOpen calls fn for every open connection on the named channel.
// The connection set is snapshotted under the read lock so fn runs without
// holding it; closed handles found along the way are evicted.
func (r *Registry) ForEachOpen(kind types.ChannelKind, fn func(conn *Connection)) {
	r.mu.RLock()
	channel, ok := r.channel(kind)
	if !ok {
		r.mu.RUnlock()
		return
	}
	conns := make([]*Connection, 0, len(channel))
	for _, conn := range channel {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if !conn.IsOpen() {
			r.evict(conn, kind)
			continue
		}
		fn(conn)
	}
}

// Get returns the registered connection for an identity, if any.
func (r *Registry) Get(userID string, kind types.ChannelKind) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channel, ok := r.channel(kind)
	if !ok {
		return nil, false
	}
	conn, exists := channel[userID]
	return conn, exists
}

// Stats returns registry counts for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"admin_connections":   len(r.admins),
		"student_connections": len(r.students),
	}
}

func (r *Registry) evict(conn *Connection, kind types.ChannelKind) {
	r.Unregister(conn, kind)
	go func() {
		_ = conn.Close()
	}()
}
