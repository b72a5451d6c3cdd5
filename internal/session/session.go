package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken   = errors.New("empty token")
	ErrInvalidToken = errors.New("invalid token")
)

// Session is the authenticated identity the sync core runs under. The token is
// opaque to this package except for the user id claim it carries.
type Session struct {
	Token     string
	UserID    int64
	Email     string
	Role      string
	ExpiresAt time.Time
}

type claims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Parse derives a Session from a bearer token. The signature is not verified;
// the server does that on every request.
func Parse(token string) (*Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrEmptyToken
	}
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.UserID <= 0 {
		return nil, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	s := &Session{
		Token:  token,
		UserID: c.UserID,
		Email:  c.Email,
		Role:   c.Role,
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s, nil
}

func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
