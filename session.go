package dchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// SessionProvider supplies the access credential attached to the real-time
// connection and refreshes it after the server rejects it.
type SessionProvider interface {
	AccessToken() string
	Refresh(ctx context.Context) (string, error)
}

// RefreshFunc obtains a fresh access token from the identity service.
type RefreshFunc func(ctx context.Context, current string) (string, error)

// TokenSession is a goroutine-safe, session-scoped credential holder.
// Concurrent Refresh calls share a single round-trip.
type TokenSession struct {
	mu      sync.RWMutex
	token   string
	refresh RefreshFunc
	group   singleflight.Group
}

// NewTokenSession creates a session holding token. refresh may be nil, in
// which case Refresh always fails.
func NewTokenSession(token string, refresh RefreshFunc) *TokenSession {
	return &TokenSession{token: token, refresh: refresh}
}

// AccessToken returns the current token, or "" when none is stored.
func (s *TokenSession) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the stored token.
func (s *TokenSession) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Clear forgets the stored token.
func (s *TokenSession) Clear() {
	s.SetToken("")
}

// Refresh asks the identity service for a new token and stores it.
func (s *TokenSession) Refresh(ctx context.Context) (string, error) {
	if s.refresh == nil {
		return "", errors.New("session: no refresher configured")
	}
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		token, err := s.refresh(ctx, s.AccessToken())
		if err != nil {
			return "", err
		}
		if token == "" {
			return "", errors.New("session: refresher returned an empty token")
		}
		s.SetToken(token)
		return token, nil
	})
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	return v.(string), nil
}

// TokenClaims is the subset of access-token claims the chat core reads.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token carried an expiry that has passed.
func (c TokenClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ParseTokenClaims reads subject and expiry from a JWT without verifying its
// signature; the real-time server is the party that verifies it. The subject
// falls back to a "userId" or "id" claim.
func ParseTokenClaims(token string) (TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenClaims{}, fmt.Errorf("parse token: %w", err)
	}

	var out TokenClaims
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		out.Subject = sub
	} else {
		for _, key := range []string{"userId", "id"} {
			switch v := claims[key].(type) {
			case string:
				out.Subject = v
			case float64:
				out.Subject = fmt.Sprintf("%.0f", v)
			}
			if out.Subject != "" {
				break
			}
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
