package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, c claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return token
}

func TestParseReadsUserClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signToken(t, claims{
		UserID: 5,
		Email:  "five@example.com",
		Role:   "member",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	sess, err := Parse("Bearer " + token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if sess.UserID != 5 || sess.Email != "five@example.com" || sess.Role != "member" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.Token != token {
		t.Fatalf("expected bearer prefix to be stripped")
	}
	if !sess.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %s, got %s", exp, sess.ExpiresAt)
	}
	if sess.Expired(time.Now()) {
		t.Fatalf("expected session to be live")
	}
	if !sess.Expired(exp.Add(time.Second)) {
		t.Fatalf("expected session to be expired after exp")
	}
}

func TestParseRejectsMissingUserID(t *testing.T) {
	token := signToken(t, claims{Email: "nobody@example.com"})
	if _, err := Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("   "); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	if _, err := Parse("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNilSessionIsExpired(t *testing.T) {
	var sess *Session
	if !sess.Expired(time.Now()) {
		t.Fatalf("expected nil session to report expired")
	}
}
