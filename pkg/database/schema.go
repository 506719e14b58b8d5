package database

// schemaMigrations is the embedded migration set for the read-model store.
// Versions order lexically; never edit an applied migration, append a new
// one instead.
var schemaMigrations = []Migration{
	{
		Version:     "001_create_users",
		Description: "User display identities and roles",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				email TEXT NOT NULL,
				role TEXT NOT NULL CHECK (role IN ('admin', 'student')),
				last_active DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
			CREATE INDEX IF NOT EXISTS idx_users_last_active ON users(last_active);
		`,
	},
	{
		Version:     "002_create_progress",
		Description: "Per-user progress aggregates",
		SQL: `
			CREATE TABLE IF NOT EXISTS progress (
				user_id TEXT PRIMARY KEY REFERENCES users(id),
				overall_progress REAL NOT NULL DEFAULT 0,
				subject_progress TEXT NOT NULL DEFAULT '{}',
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		Version:     "003_create_subject_progress",
		Description: "Detailed per-module progress history",
		SQL: `
			CREATE TABLE IF NOT EXISTS subject_progress (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL REFERENCES users(id),
				subject TEXT NOT NULL,
				module_id TEXT NOT NULL,
				completion REAL NOT NULL DEFAULT 0,
				score REAL NOT NULL DEFAULT 0,
				completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_subject_progress_user_time
				ON subject_progress(user_id, completed_at DESC);
		`,
	},
	{
		Version:     "004_create_emotion_events",
		Description: "Webcam-derived emotion observations",
		SQL: `
			CREATE TABLE IF NOT EXISTS emotion_events (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users(id),
				emotion TEXT NOT NULL,
				confidence REAL NOT NULL,
				context TEXT NOT NULL DEFAULT '',
				timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_emotion_events_user_time
				ON emotion_events(user_id, timestamp DESC);
			CREATE INDEX IF NOT EXISTS idx_emotion_events_time
				ON emotion_events(timestamp DESC);
		`,
	},
	{
		Version:     "005_create_activity_log",
		Description: "Per-user activity feed",
		SQL: `
			CREATE TABLE IF NOT EXISTS activity_log (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users(id),
				action TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				detail TEXT NOT NULL DEFAULT '',
				timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_activity_log_user_time
				ON activity_log(user_id, timestamp DESC);
		`,
	},
}
