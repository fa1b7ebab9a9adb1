// Package remote is the authenticated request contract towards the backend:
// every call carries the bearer token of the current session and is bounded
// by a timeout.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/session"
)

const (
	entriesPath = "/functions/entries"
	healthPath  = "/functions/health"
)

// TokenSource yields the session used to authenticate outbound calls.
type TokenSource interface {
	Current(ctx context.Context) (*session.Session, error)
}

type Client struct {
	baseURL string
	tokens  TokenSource
	timeout time.Duration
	http    *http.Client
}

// NewClient builds a client for baseURL. A nil transport means
// http.DefaultTransport.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		timeout: timeout,
		http:    &http.Client{Transport: transport},
	}
}

type entryRequest struct {
	ClientID  string         `json:"client_id"`
	UserID    string         `json:"user_id"`
	Payload   models.Payload `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// SubmitEntry delivers one pending entry. The entry id doubles as the
// idempotency key so a redelivery after a lost acknowledgement is not stored
// twice by the backend.
func (c *Client) SubmitEntry(ctx context.Context, e *models.PendingEntry) error {
	s, err := c.tokens.Current(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(entryRequest{
		ClientID:  e.ID,
		UserID:    e.UserID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrValidation, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+entriesPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(common.IdempotencyKeyHeader, e.ID)
	req.Header.Set(common.AuthorizationHeader, "Bearer "+s.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Ping checks that the backend answers at all. Any HTTP response counts as
// reachable; only transport failures are errors.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	if s, err := c.tokens.Current(ctx); err == nil {
		req.Header.Set(common.AuthorizationHeader, "Bearer "+s.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// AuthTransport adds the session bearer token to requests sent to the
// backend host. Requests without a session go out unauthenticated and the
// backend decides.
type AuthTransport struct {
	Base   http.RoundTripper
	Tokens TokenSource
	Host   string
}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Host != "" && req.URL.Host != t.Host {
		return base.RoundTrip(req)
	}
	if req.Header.Get(common.AuthorizationHeader) != "" {
		return base.RoundTrip(req)
	}
	s, err := t.Tokens.Current(req.Context())
	if err != nil {
		return base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set(common.AuthorizationHeader, "Bearer "+s.Token)
	return base.RoundTrip(req)
}
