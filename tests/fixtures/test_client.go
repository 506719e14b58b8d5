package fixtures

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"emolearn/pkg/types"
)

// TestClient is a WebSocket subscriber used by scenario tests to observe
// what the server pushes.
type TestClient struct {
	UserID string

	conn      *websocket.Conn
	envelopes chan types.Envelope
	closeErr  chan error

	mu     sync.Mutex
	closed bool
}

// DialChannel connects a test client to the given channel path, presenting
// the token as a WebSocket sub-protocol. The dial itself succeeds even for
// rejected credentials; the rejection arrives as a close frame.
func DialChannel(t *testing.T, env *TestEnvironment, path, userID, token string) *TestClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(env.Server.URL, "http") + path
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if token != "" {
		dialer.Subprotocols = []string{"jwt", token}
	}

	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", path, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	client := &TestClient{
		UserID:    userID,
		conn:      conn,
		envelopes: make(chan types.Envelope, 100),
		closeErr:  make(chan error, 1),
	}
	go client.readLoop()
	t.Cleanup(func() { client.Close() })

	return client
}

func (tc *TestClient) readLoop() {
	for {
		tc.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, payload, err := tc.conn.ReadMessage()
		if err != nil {
			select {
			case tc.closeErr <- err:
			default:
			}
			return
		}

		var envelope types.Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			continue
		}

		select {
		case tc.envelopes <- envelope:
		default:
		}
	}
}

// NextEnvelope returns the next pushed envelope, failing the test if none
// arrives within the timeout.
func (tc *TestClient) NextEnvelope(t *testing.T, timeout time.Duration) types.Envelope {
	t.Helper()
	select {
	case envelope := <-tc.envelopes:
		return envelope
	case err := <-tc.closeErr:
		t.Fatalf("Connection closed while waiting for envelope: %v", err)
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for envelope")
	}
	return types.Envelope{}
}

// WaitForType discards envelopes until one of the wanted type arrives.
func (tc *TestClient) WaitForType(t *testing.T, msgType string, timeout time.Duration) types.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %s envelope", msgType)
		}
		select {
		case envelope := <-tc.envelopes:
			if envelope.Type == msgType {
				return envelope
			}
		case err := <-tc.closeErr:
			t.Fatalf("Connection closed while waiting for %s: %v", msgType, err)
		case <-time.After(remaining):
			t.Fatalf("Timed out waiting for %s envelope", msgType)
		}
	}
}

// ExpectSilence asserts that no envelope arrives within the window.
func (tc *TestClient) ExpectSilence(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case envelope := <-tc.envelopes:
		t.Fatalf("Expected no envelope, got %s", envelope.Type)
	case <-time.After(window):
	}
}

// ExpectPolicyClose asserts the server closed the connection with code 1008
// and reason "Unauthorized".
func (tc *TestClient) ExpectPolicyClose(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case err := <-tc.closeErr:
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
	case envelope := <-tc.envelopes:
		t.Fatalf("Expected closure, got %s envelope", envelope.Type)
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for policy close")
	}
}

// Close tears down the client side of the connection.
func (tc *TestClient) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil
	}
	tc.closed = true
	return tc.conn.Close()
}

// DataObject decodes an envelope's data payload as a JSON object.
func DataObject(t *testing.T, envelope types.Envelope) map[string]interface{} {
	t.Helper()
	data, ok := envelope.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected object data in %s envelope, got %T", envelope.Type, envelope.Data)
	}
	return data
}

// FieldString extracts a string field from a decoded data object.
func FieldString(t *testing.T, data map[string]interface{}, key string) string {
	t.Helper()
	value, ok := data[key].(string)
	if !ok {
		t.Fatalf("Expected string field '%s', got %T (%v)", key, data[key], data[key])
	}
	return value
}

// FieldNumber extracts a numeric field from a decoded data object.
func FieldNumber(t *testing.T, data map[string]interface{}, key string) float64 {
	t.Helper()
	value, ok := data[key].(float64)
	if !ok {
		t.Fatalf("Expected numeric field '%s', got %T (%v)", key, data[key], data[key])
	}
	return value
}
