package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"emolearn/internal/config"
	"emolearn/internal/metrics"
	"emolearn/internal/websocket"
	"emolearn/pkg/interfaces"
	"emolearn/pkg/types"
)

type requestKind int

const (
	requestProgressUpdate requestKind = iota
	requestStudentProgressUpdate
	requestNewEmotion
)

// request is one queued fan-out job. Queue order is invocation order; the
// single run goroutine gives per-connection sends the natural-send-order
// guarantee and nothing more.
type request struct {
	kind   requestKind
	userID string
	event  *types.EmotionEvent
}

// Engine fans domain events out to the two channels. Every operation
// re-reads the minimal fresh state it needs from the store before sending;
// there is no cache, no diffing, and no retry — a failed read abandons the
// whole broadcast and no partial payload is ever sent.
type Engine struct {
	requests    chan *request
	shutdownCh  chan struct{}
	registry    *websocket.Registry
	store       interfaces.Store
	bounds      *config.SnapshotConfig
	readTimeout time.Duration

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewEngine creates a broadcast engine. It is constructed once per process
// by the application wiring and handed to every caller that needs it.
func NewEngine(registry *websocket.Registry, store interfaces.Store, bounds *config.SnapshotConfig, readTimeout time.Duration) *Engine {
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	return &Engine{
		requests:    make(chan *request, 1000),
		shutdownCh:  make(chan struct{}),
		registry:    registry,
		store:       store,
		bounds:      bounds,
		readTimeout: readTimeout,
	}
}

// Start begins engine processing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrEngineAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	log.Info().Msg("Starting broadcast engine")

	e.wg.Add(1)
	go e.run(ctx)

	return nil
}

// Stop shuts the engine down and waits for the run loop to drain.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrEngineNotRunning
	}
	e.running = false
	e.mu.Unlock()

	log.Info().Msg("Stopping broadcast engine")

	select {
	case <-e.shutdownCh:
	default:
		close(e.shutdownCh)
	}

	e.wg.Wait()
	return nil
}

// BroadcastProgressUpdate queues a full fan-out for a progress-affecting
// mutation: STUDENT_UPDATED to every admin, PROGRESS_UPDATE to the user's
// own student connection if open.
func (e *Engine) BroadcastProgressUpdate(userID string) error {
	return e.enqueue(&request{kind: requestProgressUpdate, userID: userID})
}

// BroadcastStudentProgressUpdate queues the narrower student-only refresh,
// used when the caller only cares about the user's own view.
func (e *Engine) BroadcastStudentProgressUpdate(userID string) error {
	return e.enqueue(&request{kind: requestStudentProgressUpdate, userID: userID})
}

// BroadcastNewEmotion queues fan-out of a new emotion observation to every
// admin and the subject's own student connection.
func (e *Engine) BroadcastNewEmotion(event *types.EmotionEvent) error {
	if event == nil {
		return ErrNilEvent
	}
	return e.enqueue(&request{kind: requestNewEmotion, userID: event.UserID, event: event})
}

func (e *Engine) enqueue(req *request) error {
	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return ErrEngineNotRunning
	}
	e.mu.RUnlock()

	select {
	case e.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	defer log.Debug().Msg("Broadcast engine stopped")

	for {
		select {
		case req := <-e.requests:
			e.handle(ctx, req)

		case <-e.shutdownCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, req *request) {
	readCtx, cancel := context.WithTimeout(ctx, e.readTimeout)
	defer cancel()

	switch req.kind {
	case requestProgressUpdate:
		e.handleProgressUpdate(readCtx, req.userID, true)
	case requestStudentProgressUpdate:
		e.handleProgressUpdate(readCtx, req.userID, false)
	case requestNewEmotion:
		e.handleNewEmotion(readCtx, req.event)
	}
}

// handleProgressUpdate re-reads the user's aggregate and pushes the
// refreshed payloads. All reads happen before the first send so a failure
// abandons the broadcast without anything partial on the wire. A relevant
// connection closing between read and send is benign; the registry treats
// it as a dropped send.
func (e *Engine) handleProgressUpdate(ctx context.Context, userID string, includeAdmins bool) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		e.abandon("progress_update", userID, err)
		return
	}

	progress, err := e.store.GetProgress(ctx, userID)
	if err != nil {
		e.abandon("progress_update", userID, err)
		return
	}

	detail, err := e.store.GetDetailedSubjectProgress(ctx, userID)
	if err != nil {
		e.abandon("progress_update", userID, err)
		return
	}
	progress.DetailedSubjectProgress = detail

	emotions, err := e.store.RecentEmotionsForUser(ctx, userID, e.bounds.RecentEmotions)
	if err != nil {
		e.abandon("progress_update", userID, err)
		return
	}

	activity, err := e.store.RecentActivity(ctx, userID, e.bounds.RecentActivity)
	if err != nil {
		e.abandon("progress_update", userID, err)
		return
	}

	if includeAdmins {
		update := types.StudentUpdate{
			ID:             user.ID,
			Name:           user.Name,
			Email:          user.Email,
			LastActive:     user.LastActive,
			Progress:       progress,
			RecentEmotions: emotions,
		}
		envelope := types.Envelope{Type: types.MessageTypeStudentUpdated, Data: update}
		e.registry.ForEachOpen(types.ChannelAdmin, func(conn *websocket.Connection) {
			if err := conn.WriteJSON(envelope); err != nil {
				log.Debug().Err(err).Str("admin", conn.GetUserID()).Msg("Failed to push student update")
				return
			}
			metrics.EnvelopesSent.WithLabelValues(types.MessageTypeStudentUpdated).Inc()
		})
	}

	if e.registry.SendTo(userID, types.ChannelStudent, types.Envelope{
		Type: types.MessageTypeProgressUpdate,
		Data: types.ProgressUpdate{
			Progress:       progress,
			RecentEmotions: emotions,
			RecentActivity: activity,
		},
	}) {
		metrics.EnvelopesSent.WithLabelValues(types.MessageTypeProgressUpdate).Inc()
	}
}

// handleNewEmotion resolves the subject's display identity and pushes the
// NEW_EMOTION envelope to every admin and the subject's own connection.
func (e *Engine) handleNewEmotion(ctx context.Context, event *types.EmotionEvent) {
	user, err := e.store.GetUser(ctx, event.UserID)
	if err != nil {
		e.abandon("new_emotion", event.UserID, err)
		return
	}

	record := types.EmotionRecord{
		EmotionEvent: *event,
		Student: types.StudentRef{
			ID:    user.ID,
			Name:  user.Name,
			Email: user.Email,
		},
	}
	envelope := types.Envelope{Type: types.MessageTypeNewEmotion, Data: record}

	e.registry.ForEachOpen(types.ChannelAdmin, func(conn *websocket.Connection) {
		if err := conn.WriteJSON(envelope); err != nil {
			log.Debug().Err(err).Str("admin", conn.GetUserID()).Msg("Failed to push emotion")
			return
		}
		metrics.EnvelopesSent.WithLabelValues(types.MessageTypeNewEmotion).Inc()
	})

	if e.registry.SendTo(event.UserID, types.ChannelStudent, envelope) {
		metrics.EnvelopesSent.WithLabelValues(types.MessageTypeNewEmotion).Inc()
	}
}

// abandon logs a failed store read and drops the broadcast. No retry, no
// queued redelivery, nothing partial sent; clients reconcile through the
// REST API.
func (e *Engine) abandon(operation, userID string, err error) {
	log.Error().Err(err).Str("operation", operation).Str("user", userID).Msg("Broadcast abandoned: store read failed")
	metrics.StoreReadFailures.WithLabelValues(operation).Inc()
}
