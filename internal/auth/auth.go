package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"emolearn/pkg/types"
)

var (
	ErrEmptyToken   = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims carries the identity the dashboards authenticate with. The role
// is embedded in the signed token, never taken from the request path.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens against the shared signing
// secret and mints tokens for tooling and tests.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for the given signing secret.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

// Verify decodes and validates a token, returning the identity it carries.
// Any failure (bad signature, wrong algorithm, expiry, malformed claims)
// collapses to ErrInvalidToken; callers close the connection with a policy
// violation either way.
func (a *Authenticator) Verify(tokenStr string) (types.Identity, error) {
	if tokenStr == "" {
		return types.Identity{}, ErrEmptyToken
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	identity := types.Identity{UserID: claims.UserID, Role: claims.Role}
	if err := identity.Validate(); err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return identity, nil
}

// Mint issues a signed token for an identity. Used by the dev tooling and
// the test fixtures; token issuance for real users lives outside this
// service.
func (a *Authenticator) Mint(identity types.Identity, ttl time.Duration) (string, error) {
	if err := identity.Validate(); err != nil {
		return "", err
	}

	claims := &Claims{
		UserID: identity.UserID,
		Role:   identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
