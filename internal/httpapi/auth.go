package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeAdmin checks the bearer token against the configured admin token.
// An empty admin token leaves the API open.
func authorizeAdmin(authHeader, adminToken string) *authError {
	if adminToken == "" {
		return nil
	}
	raw, err := parseBearer(authHeader)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(raw), []byte(adminToken)) != 1 {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "invalid admin token",
		}
	}
	return nil
}

func parseBearer(authHeader string) (string, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return "", &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	return raw, nil
}
