// Package rest implements the AuthAPI and NotificationAPI collaborators over
// HTTP. Status codes map onto the domain error taxonomy: 400/401 from the
// token endpoint mean the refresh token is rejected, everything else is a
// transport failure. Notification calls run behind a circuit breaker so a
// flapping backend is not hammered by badge polling.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"notifsync/internal/domain"
)

const httpCallTimeout = 10 * time.Second

// Client talks to the backing API at baseURL.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string) *Client {
	settings := gobreaker.Settings{
		Name:    "notifications",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: httpCallTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Renew exchanges a refresh token for a new token pair and its user.
func (c *Client) Renew(ctx context.Context, refreshToken string) (domain.TokenPair, *domain.User, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/renew", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return domain.TokenPair{}, nil, &domain.TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TokenPair{}, nil, &domain.TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TokenPair{}, nil, &domain.TransportError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		reason := fmt.Errorf("renew failed with status %d: %s", resp.StatusCode, string(body))
		// 400/401 mean the refresh token itself is invalid or expired.
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return domain.TokenPair{}, nil, &domain.AuthError{Err: reason}
		}
		return domain.TokenPair{}, nil, &domain.TransportError{Err: reason}
	}

	var result struct {
		AccessToken  string      `json:"accessToken"`
		RefreshToken string      `json:"refreshToken"`
		User         domain.User `json:"user"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.TokenPair{}, nil, &domain.TransportError{Err: err}
	}

	pair := domain.TokenPair{AccessToken: result.AccessToken, RefreshToken: result.RefreshToken}
	user := result.User
	return pair, &user, nil
}

// CurrentUser fetches the identity behind an access token.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*domain.User, error) {
	var user domain.User
	if err := c.getJSON(ctx, "/users/me", accessToken, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListAll fetches the full notification list, newest first.
func (c *Client) ListAll(ctx context.Context, accessToken string) ([]domain.Notification, error) {
	var items []domain.Notification
	err := c.withBreaker(func() error {
		return c.getJSON(ctx, "/notifications", accessToken, &items)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UnreadCount fetches the authoritative unread counter.
func (c *Client) UnreadCount(ctx context.Context, accessToken string) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	err := c.withBreaker(func() error {
		return c.getJSON(ctx, "/notifications/unread-count", accessToken, &result)
	})
	if err != nil {
		return 0, err
	}
	return result.Count, nil
}

// MarkRead persists the read state of a single notification.
func (c *Client) MarkRead(ctx context.Context, accessToken, id string) error {
	return c.withBreaker(func() error {
		return c.post(ctx, "/notifications/"+url.PathEscape(id)+"/read", accessToken)
	})
}

// MarkAllRead persists the read state of the whole feed.
func (c *Client) MarkAllRead(ctx context.Context, accessToken string) error {
	return c.withBreaker(func() error {
		return c.post(ctx, "/notifications/read-all", accessToken)
	})
}

// withBreaker runs op through the circuit breaker. An open breaker surfaces
// as a transport failure like any other.
func (c *Client) withBreaker(op func() error) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, op()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &domain.TransportError{Err: err}
	}
	return err
}

func (c *Client) getJSON(ctx context.Context, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &domain.TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &domain.TransportError{Err: fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.TransportError{Err: err}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return &domain.TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &domain.TransportError{Err: fmt.Errorf("POST %s returned status %d", path, resp.StatusCode)}
	}
	return nil
}
