package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	dbconfig "emolearn/pkg/database"
	"emolearn/pkg/interfaces"
	"emolearn/pkg/types"
)

// Bound on the activity feed embedded in a progress aggregate. Wider feeds
// go through RecentActivity directly.
const progressActivityLimit = 10

// Manager implements the Store interface over SQLite. Reads run
// concurrently against the pool; all writes funnel through a single
// goroutine, which is what keeps SQLite happy under WAL.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the store and starts the writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Warn().Err(err).Msg("Store write failed, retrying in 5 seconds")
				time.Sleep(5 * time.Second)
				err = op.operation(m.db)
				if err != nil {
					log.Error().Err(err).Msg("Store write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Debug().Msg("Store write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("store is shutting down")
	}
}

// GetUser returns the display identity for a user id.
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	query := `
		SELECT id, name, email, role, last_active
		FROM users
		WHERE id = ?
	`

	var user types.User
	err := m.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Role,
		&user.LastActive,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	return &user, nil
}

// ListUsersByRole returns every user carrying the given role, ordered by
// name for stable dashboard listings.
func (m *Manager) ListUsersByRole(ctx context.Context, role string) ([]*types.User, error) {
	query := `
		SELECT id, name, email, role, last_active
		FROM users
		WHERE role = ?
		ORDER BY name ASC
	`

	rows, err := m.db.QueryContext(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("failed to query users by role: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.User
	for rows.Next() {
		var user types.User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.Role, &user.LastActive); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, &user)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	return users, nil
}

// GetProgress returns the progress aggregate for a user. A user with no
// progress row gets a zero-valued aggregate, not an error, so a brand-new
// student still produces a valid snapshot.
func (m *Manager) GetProgress(ctx context.Context, userID string) (*types.Progress, error) {
	progress := &types.Progress{
		UserID:          userID,
		SubjectProgress: make(map[string]float64),
	}

	query := `
		SELECT overall_progress, subject_progress, updated_at
		FROM progress
		WHERE user_id = ?
	`

	var subjectJSON string
	err := m.db.QueryRowContext(ctx, query, userID).Scan(
		&progress.OverallProgress,
		&subjectJSON,
		&progress.UpdatedAt,
	)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(subjectJSON), &progress.SubjectProgress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subject progress: %w", err)
		}
	}

	activity, err := m.RecentActivity(ctx, userID, progressActivityLimit)
	if err != nil {
		return nil, err
	}
	progress.RecentActivity = activity

	return progress, nil
}

// GetDetailedSubjectProgress returns the per-module history, most recent
// first.
func (m *Manager) GetDetailedSubjectProgress(ctx context.Context, userID string) ([]types.SubjectDetail, error) {
	query := `
		SELECT subject, module_id, completion, score, completed_at
		FROM subject_progress
		WHERE user_id = ?
		ORDER BY completed_at DESC
	`

	rows, err := m.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subject progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var details []types.SubjectDetail
	for rows.Next() {
		var d types.SubjectDetail
		if err := rows.Scan(&d.Subject, &d.ModuleID, &d.Completion, &d.Score, &d.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subject progress row: %w", err)
		}
		details = append(details, d)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subject progress rows: %w", err)
	}

	return details, nil
}

const emotionSelect = `
	SELECT e.id, e.user_id, e.emotion, e.confidence, e.context, e.timestamp,
	       u.id, u.name, u.email
	FROM emotion_events e
	JOIN users u ON u.id = e.user_id
`

func scanEmotionRows(rows *sql.Rows) ([]types.EmotionRecord, error) {
	var records []types.EmotionRecord
	for rows.Next() {
		var rec types.EmotionRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.Emotion,
			&rec.Confidence,
			&rec.Context,
			&rec.Timestamp,
			&rec.Student.ID,
			&rec.Student.Name,
			&rec.Student.Email,
		); err != nil {
			return nil, fmt.Errorf("failed to scan emotion row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating emotion rows: %w", err)
	}

	return records, nil
}

// RecentEmotionsForUser returns up to limit emotion records for one user,
// most recent first, with display identity resolved.
func (m *Manager) RecentEmotionsForUser(ctx context.Context, userID string, limit int) ([]types.EmotionRecord, error) {
	query := emotionSelect + `
		WHERE e.user_id = ?
		ORDER BY e.timestamp DESC
		LIMIT ?
	`

	rows, err := m.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query user emotions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEmotionRows(rows)
}

// RecentEmotionsGlobal returns up to limit emotion records platform wide,
// most recent first, with display identity resolved.
func (m *Manager) RecentEmotionsGlobal(ctx context.Context, limit int) ([]types.EmotionRecord, error) {
	query := emotionSelect + `
		ORDER BY e.timestamp DESC
		LIMIT ?
	`

	rows, err := m.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query global emotions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEmotionRows(rows)
}

// RecentActivity returns up to limit activity entries for a user, most
// recent first.
func (m *Manager) RecentActivity(ctx context.Context, userID string, limit int) ([]types.ActivityEntry, error) {
	query := `
		SELECT id, user_id, action, subject, detail, timestamp
		FROM activity_log
		WHERE user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := m.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []types.ActivityEntry
	for rows.Next() {
		var e types.ActivityEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Subject, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		entries = append(entries, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity rows: %w", err)
	}

	return entries, nil
}

// CountUsersByRole returns the number of users carrying the role.
func (m *Manager) CountUsersByRole(ctx context.Context, role string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE role = ?", role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// CountActiveSince returns the number of student users active since t.
func (m *Manager) CountActiveSince(ctx context.Context, t time.Time) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE role = ? AND last_active >= ?",
		types.RoleStudent, t,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active users: %w", err)
	}
	return count, nil
}

// AverageOverallProgress returns the mean overall progress across student
// users with a progress row; zero when none exist.
func (m *Manager) AverageOverallProgress(ctx context.Context) (float64, error) {
	var avg float64
	err := m.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(p.overall_progress), 0)
		FROM progress p
		JOIN users u ON u.id = p.user_id
		WHERE u.role = ?
	`, types.RoleStudent).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to average progress: %w", err)
	}
	return avg, nil
}

// UpsertUser creates or updates a user row.
func (m *Manager) UpsertUser(ctx context.Context, user *types.User) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO users (id, name, email, role, last_active)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				email = excluded.email,
				role = excluded.role,
				last_active = excluded.last_active
		`
		if _, err := db.ExecContext(ctx, query, user.ID, user.Name, user.Email, user.Role, user.LastActive); err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// UpsertProgress replaces a user's progress aggregate and appends any
// detailed entries it carries.
func (m *Manager) UpsertProgress(ctx context.Context, progress *types.Progress) error {
	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		subjectJSON, err := json.Marshal(progress.SubjectProgress)
		if err != nil {
			return fmt.Errorf("failed to marshal subject progress: %w", err)
		}

		updatedAt := progress.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}

		query := `
			INSERT INTO progress (user_id, overall_progress, subject_progress, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				overall_progress = excluded.overall_progress,
				subject_progress = excluded.subject_progress,
				updated_at = excluded.updated_at
		`
		if _, err := tx.ExecContext(ctx, query, progress.UserID, progress.OverallProgress, string(subjectJSON), updatedAt); err != nil {
			return fmt.Errorf("failed to upsert progress: %w", err)
		}

		for _, d := range progress.DetailedSubjectProgress {
			completedAt := d.CompletedAt
			if completedAt.IsZero() {
				completedAt = updatedAt
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO subject_progress (user_id, subject, module_id, completion, score, completed_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, progress.UserID, d.Subject, d.ModuleID, d.Completion, d.Score, completedAt); err != nil {
				return fmt.Errorf("failed to insert subject progress: %w", err)
			}
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit progress upsert: %w", err)
		}

		return nil
	})
}

// InsertEmotion appends an emotion observation.
func (m *Manager) InsertEmotion(ctx context.Context, event *types.EmotionEvent) error {
	return m.executeWrite(func(db *sql.DB) error {
		timestamp := event.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now().UTC()
		}

		query := `
			INSERT INTO emotion_events (id, user_id, emotion, confidence, context, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		if _, err := db.ExecContext(ctx, query, event.ID, event.UserID, event.Emotion, event.Confidence, event.Context, timestamp); err != nil {
			return fmt.Errorf("failed to insert emotion: %w", err)
		}
		return nil
	})
}

// InsertActivity appends an activity entry.
func (m *Manager) InsertActivity(ctx context.Context, entry *types.ActivityEntry) error {
	return m.executeWrite(func(db *sql.DB) error {
		timestamp := entry.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now().UTC()
		}

		query := `
			INSERT INTO activity_log (id, user_id, action, subject, detail, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		if _, err := db.ExecContext(ctx, query, entry.ID, entry.UserID, entry.Action, entry.Subject, entry.Detail, timestamp); err != nil {
			return fmt.Errorf("failed to insert activity: %w", err)
		}
		return nil
	})
}

// TouchLastActive stamps a user's last-active time.
func (m *Manager) TouchLastActive(ctx context.Context, userID string, t time.Time) error {
	return m.executeWrite(func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, "UPDATE users SET last_active = ? WHERE id = ?", t, userID); err != nil {
			return fmt.Errorf("failed to touch last active: %w", err)
		}
		return nil
	})
}

// HealthCheck validates store connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying connection pool for migrations.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
