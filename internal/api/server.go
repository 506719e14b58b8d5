package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"emolearn/internal/auth"
	"emolearn/pkg/interfaces"
	"emolearn/pkg/types"
)

// Registry is the read-only view of connection state the API exposes on
// the health endpoint.
type Registry interface {
	Stats() map[string]int
}

// Server is the REST surface the dashboards and the emotion detector call.
// Mutation handlers invoke the broadcaster after their write commits; the
// broadcaster is injected here once at wiring time, so no handler needs a
// global accessor.
type Server struct {
	store       interfaces.Store
	broadcaster interfaces.Broadcaster
	registry    Registry
	auth        *auth.Authenticator
	router      *http.ServeMux
}

// NewServer creates the API server and sets up routing.
func NewServer(store interfaces.Store, broadcaster interfaces.Broadcaster, registry Registry, authenticator *auth.Authenticator) *Server {
	s := &Server{
		store:       store,
		broadcaster: broadcaster,
		registry:    registry,
		auth:        authenticator,
		router:      http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/students", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleStudents), types.RoleAdmin))))
	s.router.Handle("/api/students/", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleStudentByID)))))
	s.router.Handle("/api/progress", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleProgress)))))
	s.router.Handle("/api/quiz-submissions", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleQuizSubmission)))))
	s.router.Handle("/api/emotions", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleEmotions)))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler for integration with the HTTP server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type contextKey string

const identityKey contextKey = "identity"

// authMiddleware verifies the Authorization bearer token and stashes the
// decoded identity on the request context. When roles are given, the
// identity's role must match one of them.
func (s *Server) authMiddleware(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		identity, err := s.auth.Verify(token)
		if err != nil {
			s.sendError(w, "Invalid or missing token", http.StatusUnauthorized)
			return
		}

		if len(roles) > 0 {
			allowed := false
			for _, role := range roles {
				if identity.Role == role {
					allowed = true
					break
				}
			}
			if !allowed {
				s.sendError(w, "Insufficient role", http.StatusForbidden)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func callerIdentity(r *http.Request) (types.Identity, bool) {
	identity, ok := r.Context().Value(identityKey).(types.Identity)
	return identity, ok
}

// Request/Response types for JSON serialization
type ProgressRequest struct {
	UserID          string             `json:"userId"`
	OverallProgress float64            `json:"overallProgress"`
	SubjectProgress map[string]float64 `json:"subjectProgress"`
	Subject         string             `json:"subject"`
	Detail          string             `json:"detail"`
}

type QuizSubmissionRequest struct {
	UserID     string  `json:"userId"`
	Subject    string  `json:"subject"`
	ModuleID   string  `json:"moduleId"`
	Score      float64 `json:"score"`
	Completion float64 `json:"completion"`
}

type EmotionRequest struct {
	UserID     string  `json:"userId"`
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context"`
}

type StudentListResponse struct {
	Students []*types.User `json:"students"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/students - list student users (admin only)
func (s *Server) handleStudents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		students, err := s.store.ListUsersByRole(r.Context(), types.RoleStudent)
		if err != nil {
			s.sendError(w, "Failed to list students", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(StudentListResponse{Students: students})
	case http.MethodPost:
		s.upsertStudent(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/students - create or update a student record (admin only)
func (s *Server) upsertStudent(w http.ResponseWriter, r *http.Request) {
	var user types.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if !types.IsValidUserID(user.ID) {
		s.sendError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}
	if !types.IsValidRole(user.Role) {
		s.sendError(w, "Invalid role", http.StatusBadRequest)
		return
	}
	if user.LastActive.IsZero() {
		user.LastActive = time.Now().UTC()
	}

	if err := s.store.UpsertUser(r.Context(), &user); err != nil {
		s.sendError(w, "Failed to store user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "User stored"})
}

// GET /api/students/{id}/progress - progress aggregate for one student.
// Admins may read any student; a student may only read itself.
func (s *Server) handleStudentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/students/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "progress" {
		s.sendError(w, "Not found", http.StatusNotFound)
		return
	}
	userID := parts[0]

	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity, ok := callerIdentity(r)
	if !ok || (identity.Role != types.RoleAdmin && identity.UserID != userID) {
		s.sendError(w, "Forbidden", http.StatusForbidden)
		return
	}

	progress, err := s.store.GetProgress(r.Context(), userID)
	if err != nil {
		s.sendError(w, "Failed to get progress", http.StatusInternalServerError)
		return
	}

	detail, err := s.store.GetDetailedSubjectProgress(r.Context(), userID)
	if err != nil {
		s.sendError(w, "Failed to get progress detail", http.StatusInternalServerError)
		return
	}
	progress.DetailedSubjectProgress = detail

	_ = json.NewEncoder(w).Encode(progress)
}

// POST /api/progress - record a progress mutation, then fan it out to the
// admin channel and the affected student's own connection.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	userID, ok := s.resolveSubject(w, r, req.UserID)
	if !ok {
		return
	}

	progress := &types.Progress{
		UserID:          userID,
		OverallProgress: req.OverallProgress,
		SubjectProgress: req.SubjectProgress,
		UpdatedAt:       time.Now().UTC(),
	}
	if progress.SubjectProgress == nil {
		progress.SubjectProgress = make(map[string]float64)
	}

	if err := s.store.UpsertProgress(r.Context(), progress); err != nil {
		s.sendError(w, "Failed to store progress", http.StatusInternalServerError)
		return
	}

	s.recordActivity(r.Context(), userID, "progress_update", req.Subject, req.Detail)

	if err := s.broadcaster.BroadcastProgressUpdate(userID); err != nil {
		// The write committed; a full broadcast queue only costs freshness.
		log.Warn().Err(err).Str("user", userID).Msg("Progress broadcast not queued")
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "Progress updated"})
}

// POST /api/quiz-submissions - record a quiz result and refresh only the
// student's own view.
func (s *Server) handleQuizSubmission(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QuizSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	userID, ok := s.resolveSubject(w, r, req.UserID)
	if !ok {
		return
	}
	if req.Subject == "" || req.ModuleID == "" {
		s.sendError(w, "Subject and module ID are required", http.StatusBadRequest)
		return
	}

	progress, err := s.store.GetProgress(r.Context(), userID)
	if err != nil {
		s.sendError(w, "Failed to read progress", http.StatusInternalServerError)
		return
	}

	progress.SubjectProgress[req.Subject] = req.Completion
	progress.OverallProgress = averageProgress(progress.SubjectProgress)
	progress.UpdatedAt = time.Now().UTC()
	progress.DetailedSubjectProgress = []types.SubjectDetail{{
		Subject:     req.Subject,
		ModuleID:    req.ModuleID,
		Completion:  req.Completion,
		Score:       req.Score,
		CompletedAt: progress.UpdatedAt,
	}}

	if err := s.store.UpsertProgress(r.Context(), progress); err != nil {
		s.sendError(w, "Failed to store progress", http.StatusInternalServerError)
		return
	}

	s.recordActivity(r.Context(), userID, "quiz_submission", req.Subject,
		fmt.Sprintf("module %s scored %.0f%%", req.ModuleID, req.Score))

	if err := s.broadcaster.BroadcastStudentProgressUpdate(userID); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("Quiz broadcast not queued")
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "Quiz submission recorded"})
}

// POST /api/emotions - log an emotion observation from the webcam detector
// and fan it out.
func (s *Server) handleEmotions(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EmotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	userID, ok := s.resolveSubject(w, r, req.UserID)
	if !ok {
		return
	}

	event := &types.EmotionEvent{
		ID:         uuid.New().String(),
		UserID:     userID,
		Emotion:    req.Emotion,
		Confidence: req.Confidence,
		Context:    req.Context,
		Timestamp:  time.Now().UTC(),
	}
	if err := event.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.InsertEmotion(r.Context(), event); err != nil {
		s.sendError(w, "Failed to store emotion", http.StatusInternalServerError)
		return
	}

	if err := s.store.TouchLastActive(r.Context(), userID, event.Timestamp); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("Failed to touch last active")
	}

	if err := s.broadcaster.BroadcastNewEmotion(event); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("Emotion broadcast not queued")
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(event)
}

// resolveSubject determines which user a mutation applies to. A student
// caller always mutates itself regardless of the body's userId; an admin
// may name any user.
func (s *Server) resolveSubject(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	identity, ok := callerIdentity(r)
	if !ok {
		s.sendError(w, "Missing identity", http.StatusUnauthorized)
		return "", false
	}

	if identity.Role != types.RoleAdmin {
		return identity.UserID, true
	}

	if requested == "" {
		s.sendError(w, "User ID is required", http.StatusBadRequest)
		return "", false
	}
	if !types.IsValidUserID(requested) {
		s.sendError(w, "Invalid user ID", http.StatusBadRequest)
		return "", false
	}
	return requested, true
}

func (s *Server) recordActivity(ctx context.Context, userID, action, subject, detail string) {
	entry := &types.ActivityEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Action:    action,
		Subject:   subject,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.InsertActivity(ctx, entry); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("Failed to record activity")
	}
	if err := s.store.TouchLastActive(ctx, userID, entry.Timestamp); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("Failed to touch last active")
	}
}

// GET /health - service and store health plus registry counts.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: s.registry.Stats(),
	}

	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func averageProgress(subjects map[string]float64) float64 {
	if len(subjects) == 0 {
		return 0
	}
	var sum float64
	for _, v := range subjects {
		sum += v
	}
	return sum / float64(len(subjects))
}
