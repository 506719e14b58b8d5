package interfaces

import (
	"context"
	"time"

	"emolearn/pkg/types"
)

// Store is the read-model document store the realtime layer builds its
// payloads from. Every read is point-in-time; nothing is cached between
// calls.
type Store interface {
	// GetUser returns the display identity for a user id.
	GetUser(ctx context.Context, userID string) (*types.User, error)

	// ListUsersByRole returns every user carrying the given role.
	ListUsersByRole(ctx context.Context, role string) ([]*types.User, error)

	// GetProgress returns the progress aggregate for a user, including the
	// bounded recent-activity feed. A user with no recorded progress gets a
	// zero-valued aggregate, not an error.
	GetProgress(ctx context.Context, userID string) (*types.Progress, error)

	// GetDetailedSubjectProgress returns the per-module history for a user,
	// most recent first.
	GetDetailedSubjectProgress(ctx context.Context, userID string) ([]types.SubjectDetail, error)

	// RecentEmotionsForUser returns up to limit emotion records for one
	// user, most recent first, with display identity resolved.
	RecentEmotionsForUser(ctx context.Context, userID string, limit int) ([]types.EmotionRecord, error)

	// RecentEmotionsGlobal returns up to limit emotion records platform
	// wide, most recent first, with display identity resolved.
	RecentEmotionsGlobal(ctx context.Context, limit int) ([]types.EmotionRecord, error)

	// RecentActivity returns up to limit activity entries for a user, most
	// recent first.
	RecentActivity(ctx context.Context, userID string, limit int) ([]types.ActivityEntry, error)

	// CountUsersByRole returns the number of users carrying the role.
	CountUsersByRole(ctx context.Context, role string) (int, error)

	// CountActiveSince returns the number of student users active since t.
	CountActiveSince(ctx context.Context, t time.Time) (int, error)

	// AverageOverallProgress returns the mean overall progress across all
	// student users with a progress row.
	AverageOverallProgress(ctx context.Context) (float64, error)

	// UpsertUser creates or updates a user row.
	UpsertUser(ctx context.Context, user *types.User) error

	// UpsertProgress replaces a user's progress aggregate and appends the
	// detailed entries it carries.
	UpsertProgress(ctx context.Context, progress *types.Progress) error

	// InsertEmotion appends an emotion observation.
	InsertEmotion(ctx context.Context, event *types.EmotionEvent) error

	// InsertActivity appends an activity entry.
	InsertActivity(ctx context.Context, entry *types.ActivityEntry) error

	// TouchLastActive stamps a user's last-active time.
	TouchLastActive(ctx context.Context, userID string, t time.Time) error

	// HealthCheck validates store connectivity.
	HealthCheck(ctx context.Context) error
}

// Broadcaster is the fan-out engine non-core request handlers call after a
// mutation commits. Implementations re-read fresh state per call and treat
// missing connections at send time as benign.
type Broadcaster interface {
	// BroadcastProgressUpdate pushes STUDENT_UPDATED to every admin
	// connection and PROGRESS_UPDATE to the affected student if open.
	BroadcastProgressUpdate(userID string) error

	// BroadcastStudentProgressUpdate pushes PROGRESS_UPDATE to the affected
	// student only.
	BroadcastStudentProgressUpdate(userID string) error

	// BroadcastNewEmotion pushes NEW_EMOTION to every admin connection and
	// to the subject student if open.
	BroadcastNewEmotion(event *types.EmotionEvent) error
}
