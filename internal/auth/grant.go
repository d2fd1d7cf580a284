// Package auth mints and validates join grants: short-lived tokens proving
// a client was admitted to a meeting. The WebSocket endpoint requires one.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidGrant = errors.New("invalid grant")

// GrantClaims binds a grant to one user and one meeting.
type GrantClaims struct {
	UserKey    string `json:"user_key"`
	MeetingKey string `json:"meeting_key"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// GrantService issues and validates join grants.
type GrantService struct {
	secret []byte
	ttl    time.Duration
}

// NewGrantService creates a grant service. ttl <= 0 defaults to 12 hours.
func NewGrantService(secret string, ttl time.Duration) *GrantService {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &GrantService{secret: []byte(secret), ttl: ttl}
}

// Issue mints a grant for an admitted participant.
func (s *GrantService) Issue(userKey, meetingKey, role string) (string, error) {
	claims := GrantClaims{
		UserKey:    userKey,
		MeetingKey: meetingKey,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a grant and returns its claims.
func (s *GrantService) Validate(tokenString string) (*GrantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &GrantClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidGrant
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidGrant
	}
	claims, ok := token.Claims.(*GrantClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidGrant
	}
	return claims, nil
}
