// Package session holds the backend access token for the life of the
// client session and answers the coordinator's auth checks locally, so an
// expired token fails fast instead of burning a round trip.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no session token set")
	ErrTokenExpired = errors.New("session token expired")
)

// Session is a concurrency-safe holder for the backend access token.
type Session struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	timeFunc  func() time.Time
}

// New creates an empty session.
func New() *Session {
	return &Session{timeFunc: func() time.Time { return time.Now().UTC() }}
}

// WithNow allows injecting deterministic time for tests.
func (s *Session) WithNow(now func() time.Time) *Session {
	s.timeFunc = now
	return s
}

// SetToken stores a backend-issued JWT. The signature is the backend's
// business; only the exp claim is read here, unverified, to know when the
// token stops being worth sending.
func (s *Session) SetToken(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return err
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	s.mu.Unlock()
	return nil
}

// Token returns the current token, or an error if none is set or it has
// expired.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return "", ErrNoToken
	}
	if !s.expiresAt.IsZero() && s.expiresAt.Before(s.timeFunc()) {
		return "", ErrTokenExpired
	}
	return s.token, nil
}

// Clear drops the stored token.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// Authenticated reports whether a usable token is present.
func (s *Session) Authenticated() bool {
	_, err := s.Token()
	return err == nil
}
