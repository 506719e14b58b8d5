package snapshot

import (
	"context"
	"fmt"
	"time"

	"emolearn/internal/config"
	"emolearn/pkg/interfaces"
	"emolearn/pkg/types"
)

// Builder assembles the full-state payloads sent once, immediately after a
// connection is admitted. Every build is a point-in-time read against the
// store; nothing is cached or paginated. The admin build costs O(number of
// students) queries, which is fine at dashboard scale.
type Builder struct {
	store  interfaces.Store
	bounds *config.SnapshotConfig
}

// NewBuilder creates a snapshot builder over the store.
func NewBuilder(store interfaces.Store, bounds *config.SnapshotConfig) *Builder {
	return &Builder{
		store:  store,
		bounds: bounds,
	}
}

// BuildAdminSnapshot assembles the INITIAL_DATA payload: every student
// with their progress aggregate, recent emotions, and emotion histogram,
// plus platform-wide stats.
func (b *Builder) BuildAdminSnapshot(ctx context.Context) (*types.AdminSnapshot, error) {
	students, err := b.store.ListUsersByRole(ctx, types.RoleStudent)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}

	overviews := make([]types.StudentOverview, 0, len(students))
	for _, student := range students {
		overview, err := b.buildStudentOverview(ctx, student)
		if err != nil {
			return nil, err
		}
		overviews = append(overviews, *overview)
	}

	stats, err := b.buildPlatformStats(ctx)
	if err != nil {
		return nil, err
	}

	return &types.AdminSnapshot{
		Students: overviews,
		Stats:    *stats,
	}, nil
}

func (b *Builder) buildStudentOverview(ctx context.Context, student *types.User) (*types.StudentOverview, error) {
	progress, err := b.store.GetProgress(ctx, student.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress for %s: %w", student.ID, err)
	}

	emotions, err := b.store.RecentEmotionsForUser(ctx, student.ID, b.bounds.RecentEmotions)
	if err != nil {
		return nil, fmt.Errorf("failed to get emotions for %s: %w", student.ID, err)
	}

	return &types.StudentOverview{
		ID:               student.ID,
		Name:             student.Name,
		Email:            student.Email,
		LastActive:       student.LastActive,
		Progress:         progress,
		RecentEmotions:   emotions,
		EmotionFrequency: EmotionHistogram(emotions),
	}, nil
}

func (b *Builder) buildPlatformStats(ctx context.Context) (*types.PlatformStats, error) {
	total, err := b.store.CountUsersByRole(ctx, types.RoleStudent)
	if err != nil {
		return nil, fmt.Errorf("failed to count students: %w", err)
	}

	active, err := b.store.CountActiveSince(ctx, time.Now().Add(-b.bounds.ActiveWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count active students: %w", err)
	}

	average, err := b.store.AverageOverallProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to average progress: %w", err)
	}

	recent, err := b.store.RecentEmotionsGlobal(ctx, b.bounds.GlobalEmotions)
	if err != nil {
		return nil, fmt.Errorf("failed to get global emotions: %w", err)
	}

	return &types.PlatformStats{
		TotalStudents:    total,
		ActiveStudents:   active,
		AverageProgress:  average,
		EmotionFrequency: EmotionHistogram(recent),
		RecentEmotions:   recent,
	}, nil
}

// BuildStudentSnapshot assembles the INITIAL_STUDENT_DATA payload for one
// user: progress aggregate with detailed per-module history, bounded
// recent emotions and activity, most recent first.
func (b *Builder) BuildStudentSnapshot(ctx context.Context, userID string) (*types.StudentSnapshot, error) {
	progress, err := b.store.GetProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress for %s: %w", userID, err)
	}

	detail, err := b.store.GetDetailedSubjectProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get detailed progress for %s: %w", userID, err)
	}
	progress.DetailedSubjectProgress = detail

	emotions, err := b.store.RecentEmotionsForUser(ctx, userID, b.bounds.RecentEmotions)
	if err != nil {
		return nil, fmt.Errorf("failed to get emotions for %s: %w", userID, err)
	}

	activity, err := b.store.RecentActivity(ctx, userID, b.bounds.RecentActivity)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity for %s: %w", userID, err)
	}

	return &types.StudentSnapshot{
		Progress:       progress,
		Emotions:       emotions,
		RecentActivity: activity,
	}, nil
}

// EmotionHistogram computes a simple frequency count over emotion records.
func EmotionHistogram(records []types.EmotionRecord) map[string]int {
	histogram := make(map[string]int)
	for _, rec := range records {
		histogram[rec.Emotion]++
	}
	return histogram
}
