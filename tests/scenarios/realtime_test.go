package scenarios

import (
	"net/http"
	"testing"
	"time"

	"emolearn/internal/websocket"
	"emolearn/pkg/types"
	"emolearn/tests/fixtures"
)

// An admitted admin receives the full-platform snapshot before anything
// else.
func TestAdminAdmissionReceivesInitialData(t *testing.T) {
	env := fixtures.SetupEnvironment(t)
	env.SeedStudent(t, "student-1", "Ada", 40)
	env.SeedStudent(t, "student-2", "Charlie", 60)

	admin := fixtures.DialChannel(t, env, websocket.AdminPath, "admin-1", env.MintToken(t, "admin-1", types.RoleAdmin))

	envelope := admin.NextEnvelope(t, 2*time.Second)
	if envelope.Type != types.MessageTypeInitialData {
		t.Fatalf("Expected INITIAL_DATA first, got %s", envelope.Type)
	}

	data := fixtures.DataObject(t, envelope)
	stats, ok := data["stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected stats object, got %T", data["stats"])
	}
	if got := stats["totalStudents"]; got != float64(2) {
		t.Errorf("Expected totalStudents 2, got %v", got)
	}
	if got := stats["averageProgress"]; got != float64(50) {
		t.Errorf("Expected averageProgress 50, got %v", got)
	}

	students, ok := data["students"].([]interface{})
	if !ok || len(students) != 2 {
		t.Errorf("Expected 2 student overviews, got %v", data["students"])
	}

	env.WaitForRegistration(t, "admin-1", types.ChannelAdmin)
}

// An admitted student receives its own snapshot, scoped by the token
// identity alone.
func TestStudentAdmissionReceivesOwnSnapshot(t *testing.T) {
	env := fixtures.SetupEnvironment(t)
	env.SeedStudent(t, "student-1", "Ada", 62.5)
	env.SeedStudent(t, "student-2", "Charlie", 10)

	student := fixtures.DialChannel(t, env, websocket.StudentPath, "student-1", env.MintToken(t, "student-1", types.RoleStudent))

	envelope := student.NextEnvelope(t, 2*time.Second)
	if envelope.Type != types.MessageTypeInitialStudentData {
		t.Fatalf("Expected INITIAL_STUDENT_DATA first, got %s", envelope.Type)
	}

	data := fixtures.DataObject(t, envelope)
	progress, ok := data["progress"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected progress object, got %T", data["progress"])
	}
	if fixtures.FieldString(t, progress, "userId") != "student-1" {
		t.Errorf("Snapshot scoped to wrong user: %v", progress["userId"])
	}
	if fixtures.FieldNumber(t, progress, "overallProgress") != 62.5 {
		t.Errorf("Expected overall 62.5, got %v", progress["overallProgress"])
	}
}

// The student channel identity comes only from the verified token; a query
// parameter naming another user changes nothing.
func TestStudentChannelIdentityFromTokenOnly(t *testing.T) {
	env := fixtures.SetupEnvironment(t)
	env.SeedStudent(t, "student-1", "Ada", 30)
	env.SeedStudent(t, "student-2", "Charlie", 90)

	student := fixtures.DialChannel(t, env,
		websocket.StudentPath+"?user_id=student-2",
		"student-1",
		env.MintToken(t, "student-1", types.RoleStudent))

	envelope := student.NextEnvelope(t, 2*time.Second)
	data := fixtures.DataObject(t, envelope)
	progress := data["progress"].(map[string]interface{})
	if fixtures.FieldString(t, progress, "userId") != "student-1" {
		t.Errorf("Snapshot must follow the token identity, got %v", progress["userId"])
	}

	env.WaitForRegistration(t, "student-1", types.ChannelStudent)
	if _, exists := env.Registry.Get("student-2", types.ChannelStudent); exists {
		t.Error("Query-supplied identity must never be registered")
	}
}

// A progress mutation fans out to every admin as STUDENT_UPDATED, and to
// the affected student's own connection as PROGRESS_UPDATE.
func TestProgressUpdateFanOut(t *testing.T) {
	env := fixtures.SetupEnvironment(t)
	env.SeedStudent(t, "student-1", "Ada", 40)

	admin := fixtures.DialChannel(t, env, websocket.AdminPath, "admin-1", env.MintToken(t, "admin-1", types.RoleAdmin))
	admin.NextEnvelope(t, 2*time.Second)
	student := fixtures.DialChannel(t, env, websocket.StudentPath, "student-1", env.MintToken(t, "student-1", types.RoleStudent))
	student.NextEnvelope(t, 2*time.Second)
	env.WaitForRegistration(t, "admin-1", types.ChannelAdmin)
	env.WaitForRegistration(t, "student-1", types.ChannelStudent)

	fixtures.PostExpectStatus(t, env, "/api/progress", env.MintToken(t, "admin-1", types.RoleAdmin), map[string]interface{}{
		"userId":          "student-1",
		"overallProgress": 75,
		"subjectProgress": map[string]float64{"math": 75},
		"subject":         "math",
	}, http.StatusOK)

	adminEnvelope := admin.WaitForType(t, types.MessageTypeStudentUpdated, 2*time.Second)
	adminData := fixtures.DataObject(t, adminEnvelope)
	if fixtures.FieldString(t, adminData, "_id") != "student-1" {
		t.Errorf("Expected update for student-1, got %v", adminData["_id"])
	}
	if fixtures.FieldString(t, adminData, "name") != "Ada" {
		t.Errorf("Expected resolved display name, got %v", adminData["name"])
	}

	studentEnvelope := student.WaitForType(t, types.MessageTypeProgressUpdate, 2*time.Second)
	studentData := fixtures.DataObject(t, studentEnvelope)
	progress, ok := studentData["progress"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected progress object, got %T", studentData["progress"])
	}
	if fixtures.FieldNumber(t, progress, "overallProgress") != 75 {
		t.Errorf("Expected fresh overall 75, got %v", progress["overallProgress"])
	}
}

// A quiz submission refreshes only the student's own view.
func TestQuizSubmissionSkipsAdminChannel(t *testing.T) {
	env := fixtures.SetupEnvironment(t)
	env.SeedStudent(t, "student-1", "Ada", 40)

	admin := fixtures.DialChannel(t, env, websocket.AdminPath, "admin-1", env.MintToken(t, "admin-1", types.RoleAdmin))
	admin.NextEnvelope(t, 2*time.Second)
	student := fixtures.DialChannel(t, env, websocket.StudentPath, "student-1", env.MintToken(t, "student-1", types.RoleStudent))
	student.NextEnvelope(t, 2*time.Second)
	env.WaitForRegistration(t, "student-1", types.ChannelStudent)

	fixtures.PostExpectStatus(t, env, "/api/quiz-submissions", env.MintToken(t, "student-1", types.RoleStudent), map[string]interface{}{
		"subject":    "math",
		"moduleId":   "mod-3",
		"score":      92,
		"completion": 100,
	}, http.StatusCreated)

	student.WaitForType(t, types.MessageTypeProgressUpdate, 2*time.Second)
	admin.ExpectSilence(t, 300*time.Millisecond)
}

// An emotion observation fans out as NEW_EMOTION with the student's display
// identity resolved.
func TestEmotionFanOut(t *testing.T) {
	env := fixtures.SetupEnvironment(t)
	env.SeedStudent(t, "student-1", "Ada", 40)

	admin := fixtures.DialChannel(t, env, websocket.AdminPath, "admin-1", env.MintToken(t, "admin-1", types.RoleAdmin))
	admin.NextEnvelope(t, 2*time.Second)
	student := fixtures.DialChannel(t, env, websocket.StudentPath, "student-1", env.MintToken(t, "student-1", types.RoleStudent))
	student.NextEnvelope(t, 2*time.Second)
	env.WaitForRegistration(t, "admin-1", types.ChannelAdmin)
	env.WaitForRegistration(t, "student-1", types.ChannelStudent)

	fixtures.PostExpectStatus(t, env, "/api/emotions", env.MintToken(t, "student-1", types.RoleStudent), map[string]interface{}{
		"emotion":    "confused",
		"confidence": 0.82,
		"context":    "module-3-quiz",
	}, http.StatusCreated)

	for name, client := range map[string]*fixtures.TestClient{"admin": admin, "student": student} {
		envelope := client.WaitForType(t, types.MessageTypeNewEmotion, 2*time.Second)
		data := fixtures.DataObject(t, envelope)
		if fixtures.FieldString(t, data, "emotion") != "confused" {
			t.Errorf("%s: expected emotion 'confused', got %v", name, data["emotion"])
		}
		studentRef, ok := data["student"].(map[string]interface{})
		if !ok {
			t.Fatalf("%s: expected resolved student object, got %T", name, data["student"])
		}
		if fixtures.FieldString(t, studentRef, "name") != "Ada" {
			t.Errorf("%s: expected resolved name 'Ada', got %v", name, studentRef["name"])
		}
	}
}

// Broadcasts survive the absence of the affected student's connection and
// still reach admins.
func TestBroadcastWithoutStudentConnection(t *testing.T) {
	env := fixtures.SetupEnvironment(t)
	env.SeedStudent(t, "student-1", "Ada", 40)

	admin := fixtures.DialChannel(t, env, websocket.AdminPath, "admin-1", env.MintToken(t, "admin-1", types.RoleAdmin))
	admin.NextEnvelope(t, 2*time.Second)
	env.WaitForRegistration(t, "admin-1", types.ChannelAdmin)

	fixtures.PostExpectStatus(t, env, "/api/progress", env.MintToken(t, "admin-1", types.RoleAdmin), map[string]interface{}{
		"userId":          "student-1",
		"overallProgress": 80,
	}, http.StatusOK)

	envelope := admin.WaitForType(t, types.MessageTypeStudentUpdated, 2*time.Second)
	if fixtures.FieldString(t, fixtures.DataObject(t, envelope), "_id") != "student-1" {
		t.Error("Admin fan-out should proceed without the student connected")
	}
}
