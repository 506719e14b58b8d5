package auth

import (
	"strings"
	"testing"
	"time"

	"emolearn/pkg/types"
)

func TestAuthenticator_RequiresSecret(t *testing.T) {
	if _, err := NewAuthenticator(""); err == nil {
		t.Error("Expected error for empty secret")
	}
}

func TestAuthenticator_MintAndVerify(t *testing.T) {
	a, err := NewAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}

	identity := types.Identity{UserID: "student1", Role: types.RoleStudent}
	token, err := a.Mint(identity, time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	decoded, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if decoded != identity {
		t.Errorf("Decoded identity %+v, expected %+v", decoded, identity)
	}
}

func TestAuthenticator_RejectsEmptyToken(t *testing.T) {
	a, _ := NewAuthenticator("test-secret")

	if _, err := a.Verify(""); err != ErrEmptyToken {
		t.Errorf("Expected ErrEmptyToken, got %v", err)
	}
}

func TestAuthenticator_RejectsWrongSecret(t *testing.T) {
	issuer, _ := NewAuthenticator("issuer-secret")
	verifier, _ := NewAuthenticator("other-secret")

	token, err := issuer.Mint(types.Identity{UserID: "student1", Role: types.RoleStudent}, time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if _, err := verifier.Verify(token); err == nil {
		t.Error("Expected verification failure for wrong secret")
	}
}

func TestAuthenticator_RejectsExpiredToken(t *testing.T) {
	a, _ := NewAuthenticator("test-secret")

	token, err := a.Mint(types.Identity{UserID: "student1", Role: types.RoleStudent}, -time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if _, err := a.Verify(token); err == nil {
		t.Error("Expected verification failure for expired token")
	}
}

func TestAuthenticator_RejectsGarbage(t *testing.T) {
	a, _ := NewAuthenticator("test-secret")

	if _, err := a.Verify("not.a.token"); err == nil {
		t.Error("Expected verification failure for malformed token")
	}
}

func TestAuthenticator_RejectsInvalidRoleClaim(t *testing.T) {
	a, _ := NewAuthenticator("test-secret")

	if _, err := a.Mint(types.Identity{UserID: "student1", Role: "superuser"}, time.Minute); err == nil {
		t.Error("Expected Mint to reject unknown role")
	}
}

func TestAuthenticator_VerifyErrorMentionsInvalidToken(t *testing.T) {
	a, _ := NewAuthenticator("test-secret")

	_, err := a.Verify("garbage")
	if err == nil || !strings.Contains(err.Error(), "invalid or expired token") {
		t.Errorf("Expected wrapped ErrInvalidToken, got %v", err)
	}
}
