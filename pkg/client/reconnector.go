// Package client provides a reconnecting WebSocket subscriber for the
// EmoLearn realtime channels. Dashboards use it to stay attached to
// /ws/admin or /ws/student across server restarts and network blips.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"emolearn/pkg/types"
)

// State describes the subscriber's connection lifecycle.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

var (
	ErrSubscriberClosed = errors.New("subscriber is closed")
	ErrNoTokenSource    = errors.New("token source is required")
	ErrNoURL            = errors.New("server URL is required")
)

// TokenSource returns the bearer token to present on the next connection
// attempt. It is called once per attempt so callers can rotate tokens.
type TokenSource func() (string, error)

// Options configures a Subscriber.
type Options struct {
	// URL is the full WebSocket endpoint, e.g. ws://host:8080/ws/student.
	URL string

	// TokenSource supplies the credential for each dial attempt.
	TokenSource TokenSource

	// ReconnectBaseDelay is the delay before the first retry. Defaults to 1s.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the exponential backoff. Defaults to 30s.
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects before the
	// subscriber gives up permanently. The initial dial does not count, so
	// a subscriber that never connects makes MaxReconnectAttempts+1 dials
	// in total. Defaults to 5.
	MaxReconnectAttempts int

	// HandshakeTimeout bounds each dial. Defaults to 10s.
	HandshakeTimeout time.Duration

	// OnEnvelope receives every decoded server message.
	OnEnvelope func(types.Envelope)

	// OnStateChange is invoked whenever the lifecycle state changes.
	OnStateChange func(State)
}

type dialFunc func(ctx context.Context, url string, header http.Header, subprotocols []string) (*websocket.Conn, error)

// Subscriber maintains a WebSocket subscription with bounded
// exponential-backoff reconnection.
type Subscriber struct {
	opts Options
	dial dialFunc

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriber validates opts and returns an idle subscriber. Call Start
// to begin connecting.
func NewSubscriber(opts Options) (*Subscriber, error) {
	if opts.URL == "" {
		return nil, ErrNoURL
	}
	if opts.TokenSource == nil {
		return nil, ErrNoTokenSource
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 30 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Subscriber{
		opts:   opts,
		dial:   gorillaDial(opts.HandshakeTimeout),
		state:  StateDisconnected,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

func gorillaDial(handshakeTimeout time.Duration) dialFunc {
	return func(ctx context.Context, url string, header http.Header, subprotocols []string) (*websocket.Conn, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     subprotocols,
		}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return conn, err
	}
}

// Start launches the connect/read loop. It returns immediately.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriberClosed
	}
	s.mu.Unlock()

	go s.run()
	return nil
}

// State reports the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the subscriber has permanently stopped, either via
// Close or after exhausting its reconnect attempts.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close permanently stops the subscriber. Further callbacks are suppressed.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (s *Subscriber) run() {
	defer close(s.done)
	defer s.setState(StateDisconnected)

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		conn, err := s.connect()
		if err != nil {
			attempt++
			log.Warn().Err(err).Int("attempt", attempt).Str("url", s.opts.URL).
				Msg("Connection attempt failed")
			// The initial dial is attempt 1; only the reconnects after it
			// count against the ceiling.
			if attempt > s.opts.MaxReconnectAttempts {
				log.Error().Int("reconnects", attempt-1).Str("url", s.opts.URL).
					Msg("Giving up after exhausting reconnect attempts")
				return
			}
			s.setState(StateDisconnected)
			if !s.sleep(s.backoffDelay(attempt)) {
				return
			}
			continue
		}

		attempt = 0
		s.setState(StateConnected)
		s.readLoop(conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		closed := s.closed
		s.mu.Unlock()
		conn.Close()
		if closed {
			return
		}
		s.setState(StateDisconnected)
	}
}

func (s *Subscriber) connect() (*websocket.Conn, error) {
	token, err := s.opts.TokenSource()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain token: %w", err)
	}

	conn, err := s.dial(s.ctx, s.opts.URL, nil, []string{"jwt", token})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrSubscriberClosed
	}
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

func (s *Subscriber) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				log.Debug().Err(err).Msg("Read loop ended")
			}
			return
		}

		var envelope types.Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			log.Warn().Err(err).Msg("Discarding malformed server message")
			continue
		}

		s.mu.Lock()
		closed := s.closed
		handler := s.opts.OnEnvelope
		s.mu.Unlock()
		if !closed && handler != nil {
			handler(envelope)
		}
	}
}

// backoffDelay computes the delay before the given attempt number
// (1-based): base doubled per prior failure, capped at the max.
func (s *Subscriber) backoffDelay(attempt int) time.Duration {
	delay := s.opts.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.opts.ReconnectMaxDelay {
			return s.opts.ReconnectMaxDelay
		}
	}
	if delay > s.opts.ReconnectMaxDelay {
		return s.opts.ReconnectMaxDelay
	}
	return delay
}

// sleep waits for d unless the subscriber is closed first.
func (s *Subscriber) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Subscriber) setState(next State) {
	s.mu.Lock()
	if s.closed && next != StateDisconnected {
		s.mu.Unlock()
		return
	}
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	handler := s.opts.OnStateChange
	suppressed := s.closed
	s.mu.Unlock()

	if handler != nil && !suppressed {
		handler(next)
	}
}
