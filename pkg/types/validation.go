package types

import (
	"regexp"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements.
// The 1-50 character limit keeps ids safe for storage keys and UI display.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRole checks that a role belongs to the closed role set.
func IsValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleStudent:
		return true
	default:
		return false
	}
}

// IsValidMessageType checks if the envelope type is one of the allowed
// types; undefined types must never enter the fan-out path.
func IsValidMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeInitialData,
		MessageTypeInitialStudentData,
		MessageTypeStudentUpdated,
		MessageTypeProgressUpdate,
		MessageTypeNewEmotion:
		return true
	default:
		return false
	}
}

// Validate ensures an emotion event meets all requirements before it is
// stored or broadcast.
func (e *EmotionEvent) Validate() error {
	if !IsValidUserID(e.UserID) {
		return ErrInvalidUserID
	}
	if e.Emotion == "" || len(e.Emotion) > 50 {
		return ErrInvalidEmotion
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return ErrInvalidConfidence
	}
	return nil
}

// Validate ensures an identity decoded from a credential is usable.
func (i *Identity) Validate() error {
	if !IsValidUserID(i.UserID) {
		return ErrInvalidUserID
	}
	if !IsValidRole(i.Role) {
		return ErrInvalidRole
	}
	return nil
}
