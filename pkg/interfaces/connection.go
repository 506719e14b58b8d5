package interfaces

// Connection represents an admitted WebSocket client connection.
// Implementations must serialize writes internally; callers may invoke
// WriteJSON from any goroutine.
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe).
	WriteJSON(v interface{}) error

	// Close closes the connection and releases its resources. Safe to call
	// more than once.
	Close() error

	// GetUserID returns the connected user's ID.
	GetUserID() string

	// GetRole returns the user's role ("admin" or "student").
	GetRole() string

	// IsOpen reports whether the connection can still accept writes.
	// A false result at send time is benign; the registry evicts the
	// entry lazily.
	IsOpen() bool
}
