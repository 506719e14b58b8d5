package types

import (
	"strings"
	"testing"
)

func TestIsValidUserID(t *testing.T) {
	valid := []string{"a", "student-1", "User_42", strings.Repeat("x", 50)}
	for _, id := range valid {
		if !IsValidUserID(id) {
			t.Errorf("Expected '%s' to be valid", id)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "path/id", strings.Repeat("x", 51)}
	for _, id := range invalid {
		if IsValidUserID(id) {
			t.Errorf("Expected '%s' to be invalid", id)
		}
	}
}

func TestIsValidRole(t *testing.T) {
	if !IsValidRole(RoleAdmin) || !IsValidRole(RoleStudent) {
		t.Error("Known roles should be valid")
	}
	if IsValidRole("teacher") || IsValidRole("") {
		t.Error("Unknown roles should be invalid")
	}
}

func TestIsValidMessageType(t *testing.T) {
	for _, msgType := range []string{
		MessageTypeInitialData,
		MessageTypeInitialStudentData,
		MessageTypeStudentUpdated,
		MessageTypeProgressUpdate,
		MessageTypeNewEmotion,
	} {
		if !IsValidMessageType(msgType) {
			t.Errorf("Expected '%s' to be valid", msgType)
		}
	}
	if IsValidMessageType("HEARTBEAT") {
		t.Error("Undefined envelope types must be rejected")
	}
}

func TestEmotionEventValidate(t *testing.T) {
	valid := EmotionEvent{UserID: "student-1", Emotion: "happy", Confidence: 0.5}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid event, got %v", err)
	}

	cases := []struct {
		name  string
		event EmotionEvent
		want  error
	}{
		{"bad user id", EmotionEvent{UserID: "no spaces", Emotion: "happy", Confidence: 0.5}, ErrInvalidUserID},
		{"empty emotion", EmotionEvent{UserID: "student-1", Confidence: 0.5}, ErrInvalidEmotion},
		{"long emotion", EmotionEvent{UserID: "student-1", Emotion: strings.Repeat("a", 51), Confidence: 0.5}, ErrInvalidEmotion},
		{"negative confidence", EmotionEvent{UserID: "student-1", Emotion: "happy", Confidence: -0.1}, ErrInvalidConfidence},
		{"confidence above one", EmotionEvent{UserID: "student-1", Emotion: "happy", Confidence: 1.1}, ErrInvalidConfidence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.event.Validate(); err != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestIdentityValidate(t *testing.T) {
	good := Identity{UserID: "admin-1", Role: RoleAdmin}
	if err := good.Validate(); err != nil {
		t.Errorf("Expected valid identity, got %v", err)
	}

	bad := Identity{UserID: "admin-1", Role: "superuser"}
	if err := bad.Validate(); err != ErrInvalidRole {
		t.Errorf("Expected ErrInvalidRole, got %v", err)
	}
}
