package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context key for the authenticated subject
type contextKey string

const subjectContextKey contextKey = "subject"

// IssueToken signs an HS256 token for subject that expires after ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("empty signing secret")
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// parseToken validates tokenString and returns its subject.
func parseToken(secret, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>". The
// WebSocket endpoint also accepts ?token= because browsers cannot set headers
// on the handshake.
func bearerToken(req *http.Request, allowQuery bool) (string, error) {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		if allowQuery {
			if t := req.URL.Query().Get("token"); t != "" {
				return t, nil
			}
		}
		return "", errors.New("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}

// withAuth requires a valid JWT when a secret is configured and is a
// pass-through otherwise.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.JWTSecret == "" {
			next.ServeHTTP(w, req)
			return
		}

		allowQuery := req.URL.Path == "/ws/audio"
		tokenString, err := bearerToken(req, allowQuery)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}

		subject, err := parseToken(r.cfg.JWTSecret, tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		ctx := context.WithValue(req.Context(), subjectContextKey, subject)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// authSubject returns the authenticated subject, or "" when auth is off.
func authSubject(ctx context.Context) string {
	s, _ := ctx.Value(subjectContextKey).(string)
	return s
}
