// Package session provides the bearer credential attached to every call to
// the remote backend. The token is issued out of band (login in the web app)
// and handed to diarysync once; it is kept in the local store.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/repositories/metadata"
)

// Claims mirrors what the backend puts into access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// Session is a parsed, not yet expired access token.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Parse decodes token without verifying its signature: only the backend
// holds the key, the client needs the user id and expiry. Any problem is
// reported as common.ErrNoSession.
func Parse(token string, now time.Time) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, common.ErrNoSession
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrNoSession, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: token has no subject", common.ErrNoSession)
	}

	s := &Session{Token: token, UserID: userID}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(s.ExpiresAt) {
			return nil, fmt.Errorf("%w: %w", common.ErrNoSession, jwt.ErrTokenExpired)
		}
	}
	return s, nil
}

// Provider loads the current session from the metadata repository.
type Provider struct {
	repo metadata.Repository
	now  func() time.Time

	mu     sync.Mutex
	cached *Session
}

func NewProvider(repo metadata.Repository) *Provider {
	return &Provider{repo: repo, now: time.Now}
}

// Login validates and stores token.
func (p *Provider) Login(ctx context.Context, token string) (*Session, error) {
	s, err := Parse(token, p.now())
	if err != nil {
		return nil, err
	}
	if err := p.repo.Set(ctx, common.MetaSessionToken, []byte(s.Token)); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
	}

	p.mu.Lock()
	p.cached = s
	p.mu.Unlock()
	return s, nil
}

func (p *Provider) Logout(ctx context.Context) error {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()

	if err := p.repo.Delete(ctx, common.MetaSessionToken); err != nil {
		return fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
	}
	return nil
}

// Current returns the session or an error wrapping common.ErrNoSession.
func (p *Provider) Current(ctx context.Context) (*Session, error) {
	now := p.now()

	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()
	if cached != nil && (cached.ExpiresAt.IsZero() || now.Before(cached.ExpiresAt)) {
		return cached, nil
	}

	raw, err := p.repo.Get(ctx, common.MetaSessionToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrNoSession, err)
	}
	if raw == nil {
		return nil, common.ErrNoSession
	}

	s, err := Parse(string(raw), now)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cached = s
	p.mu.Unlock()
	return s, nil
}

// UserID is a convenience for callers that only need the owner id.
func (p *Provider) UserID(ctx context.Context) (string, error) {
	s, err := p.Current(ctx)
	if err != nil {
		return "", err
	}
	return s.UserID, nil
}
