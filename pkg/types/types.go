package types

import (
	"time"
)

// Envelope type constants. The type field fully determines the shape of the
// data payload; consumers dispatch on it.
const (
	MessageTypeInitialData        = "INITIAL_DATA"
	MessageTypeInitialStudentData = "INITIAL_STUDENT_DATA"
	MessageTypeStudentUpdated     = "STUDENT_UPDATED"
	MessageTypeProgressUpdate     = "PROGRESS_UPDATE"
	MessageTypeNewEmotion         = "NEW_EMOTION"
)

// Role constants form a closed set; only RoleAdmin may register on the
// admin channel.
const (
	RoleAdmin   = "admin"
	RoleStudent = "student"
)

// ChannelKind selects one of the two independent connection registries.
type ChannelKind string

const (
	ChannelAdmin   ChannelKind = "admin"
	ChannelStudent ChannelKind = "student"
)

// Identity is the {userId, role} pair decoded from a caller's signed
// credential at connection time.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Envelope wraps every pushed message.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// User is the display identity resolved from the store.
type User struct {
	ID         string    `json:"_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	LastActive time.Time `json:"lastActive"`
}

// SubjectDetail is one per-module entry of a student's detailed progress
// history, most recent first.
type SubjectDetail struct {
	Subject     string    `json:"subject"`
	ModuleID    string    `json:"moduleId"`
	Completion  float64   `json:"completion"`
	Score       float64   `json:"score"`
	CompletedAt time.Time `json:"completedAt"`
}

// Progress is the read-model aggregate fetched fresh from the store on
// every snapshot build and broadcast. It is never cached or diffed.
type Progress struct {
	UserID                  string             `json:"userId"`
	OverallProgress         float64            `json:"overallProgress"`
	SubjectProgress         map[string]float64 `json:"subjectProgress"`
	DetailedSubjectProgress []SubjectDetail    `json:"detailedSubjectProgress"`
	RecentActivity          []ActivityEntry    `json:"recentActivity"`
	UpdatedAt               time.Time          `json:"updatedAt"`
}

// EmotionEvent is a single webcam-derived emotion observation.
type EmotionEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence"`
	Context    string    `json:"context"`
	Timestamp  time.Time `json:"timestamp"`
}

// EmotionRecord is an emotion event with its subject's display identity
// resolved, the form every outgoing payload carries.
type EmotionRecord struct {
	EmotionEvent
	Student StudentRef `json:"student"`
}

// StudentRef is the resolved display identity attached to outgoing
// emotion records and student updates.
type StudentRef struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ActivityEntry is one row of a student's recent activity feed.
type ActivityEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// StudentOverview is the per-student section of the admin snapshot.
type StudentOverview struct {
	ID               string          `json:"_id"`
	Name             string          `json:"name"`
	Email            string          `json:"email"`
	LastActive       time.Time       `json:"lastActive"`
	Progress         *Progress       `json:"progress"`
	RecentEmotions   []EmotionRecord `json:"recentEmotions"`
	EmotionFrequency map[string]int  `json:"emotionFrequency"`
}

// PlatformStats aggregates platform-wide counts for the admin snapshot.
type PlatformStats struct {
	TotalStudents    int             `json:"totalStudents"`
	ActiveStudents   int             `json:"activeStudents"`
	AverageProgress  float64         `json:"averageProgress"`
	EmotionFrequency map[string]int  `json:"emotionFrequency"`
	RecentEmotions   []EmotionRecord `json:"recentEmotions"`
}

// AdminSnapshot is the INITIAL_DATA payload sent once to a newly admitted
// admin connection.
type AdminSnapshot struct {
	Students []StudentOverview `json:"students"`
	Stats    PlatformStats     `json:"stats"`
}

// StudentSnapshot is the INITIAL_STUDENT_DATA payload sent once to a newly
// admitted student connection.
type StudentSnapshot struct {
	Progress       *Progress       `json:"progress"`
	Emotions       []EmotionRecord `json:"emotions"`
	RecentActivity []ActivityEntry `json:"recentActivity"`
}

// StudentUpdate is the STUDENT_UPDATED payload pushed to admin connections
// after a progress-affecting mutation.
type StudentUpdate struct {
	ID             string          `json:"_id"`
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	LastActive     time.Time       `json:"lastActive"`
	Progress       *Progress       `json:"progress"`
	RecentEmotions []EmotionRecord `json:"recentEmotions"`
}

// ProgressUpdate is the PROGRESS_UPDATE payload pushed to the affected
// student's own connection.
type ProgressUpdate struct {
	Progress       *Progress       `json:"progress"`
	RecentEmotions []EmotionRecord `json:"recentEmotions"`
	RecentActivity []ActivityEntry `json:"recentActivity"`
}
