package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifsync/internal/config"
	"notifsync/internal/domain"
	"notifsync/internal/ledger"
	"notifsync/internal/push"
	"notifsync/internal/session"
)

// fakeSession implements sessionController.
type fakeSession struct {
	mu        sync.Mutex
	snapshot  session.Snapshot
	setCalls  []string // "access refresh"
	loggedOut bool
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeSession) SetTokens(ctx context.Context, access, refresh string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, access+" "+refresh)
	return nil
}

func (f *fakeSession) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

// fakePush implements pushObserver.
type fakePush struct{ state push.State }

func (f *fakePush) State() push.State { return f.state }

// fakeNotificationAPI backs a real ledger in these tests.
type fakeNotificationAPI struct {
	items []domain.Notification
	fail  bool
}

func (f *fakeNotificationAPI) ListAll(ctx context.Context, token string) ([]domain.Notification, error) {
	if f.fail {
		return nil, &domain.TransportError{Err: errors.New("down")}
	}
	return f.items, nil
}

func (f *fakeNotificationAPI) UnreadCount(ctx context.Context, token string) (int, error) {
	if f.fail {
		return 0, &domain.TransportError{Err: errors.New("down")}
	}
	return len(f.items), nil
}

func (f *fakeNotificationAPI) MarkRead(ctx context.Context, token, id string) error {
	if f.fail {
		return &domain.TransportError{Err: errors.New("down")}
	}
	return nil
}

func (f *fakeNotificationAPI) MarkAllRead(ctx context.Context, token string) error {
	if f.fail {
		return &domain.TransportError{Err: errors.New("down")}
	}
	return nil
}

func newTestServer(t *testing.T, sess *fakeSession, api *fakeNotificationAPI, tokens ledger.TokenSource) *Server {
	t.Helper()
	cfg := &config.Config{Port: "0"}
	led := ledger.New(api, tokens)
	return NewServer(cfg, sess, led, &fakePush{state: push.StateClosed})
}

func loggedIn() (string, bool)  { return "access", true }
func loggedOut() (string, bool) { return "", false }

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, &fakeNotificationAPI{}, loggedOut)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestSessionState(t *testing.T) {
	sess := &fakeSession{snapshot: session.Snapshot{
		State: session.StateAuthenticated,
		Session: domain.Session{
			AccessToken:   "access",
			RefreshToken:  "refresh",
			User:          &domain.User{ID: "u1", DisplayName: "Ada"},
			Authenticated: true,
		},
	}}
	srv := newTestServer(t, sess, &fakeNotificationAPI{}, loggedIn)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "authenticated", resp.State)
	assert.True(t, resp.Authenticated)
	require.NotNil(t, resp.User)
	assert.Equal(t, "Ada", resp.User.DisplayName)
	assert.Equal(t, "closed", resp.PushChannel)
}

func TestListNotifications_ServesLocalState(t *testing.T) {
	api := &fakeNotificationAPI{items: []domain.Notification{
		{ID: "n1", Title: "hello", CreatedAt: time.Now()},
	}}
	srv := newTestServer(t, &fakeSession{}, api, loggedIn)

	// Without refresh the handler serves the (empty) local ledger.
	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp notificationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Items)

	// With refresh it pulls the snapshot first.
	req = httptest.NewRequest(http.MethodGet, "/api/notifications?refresh=true", nil)
	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "n1", resp.Items[0].ID)
}

func TestListNotifications_RefreshUnauthenticated(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, &fakeNotificationAPI{}, loggedOut)

	req := httptest.NewRequest(http.MethodGet, "/api/notifications?refresh=true", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMarkRead_Unauthenticated(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, &fakeNotificationAPI{}, loggedOut)

	req := httptest.NewRequest(http.MethodPost, "/api/notifications/n1/read", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMarkRead_TransportFailure(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, &fakeNotificationAPI{fail: true}, loggedIn)

	req := httptest.NewRequest(http.MethodPost, "/api/notifications/n1/read", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMarkAllRead(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, &fakeNotificationAPI{}, loggedIn)

	req := httptest.NewRequest(http.MethodPost, "/api/notifications/read-all", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoginCallback(t *testing.T) {
	sess := &fakeSession{}
	srv := newTestServer(t, sess, &fakeNotificationAPI{}, loggedOut)

	body := `{"accessToken":"access-a","refreshToken":"refresh-a"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/callback", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, sess.setCalls, 1)
	assert.Equal(t, "access-a refresh-a", sess.setCalls[0])
}

func TestLoginCallback_MissingTokens(t *testing.T) {
	sess := &fakeSession{}
	srv := newTestServer(t, sess, &fakeNotificationAPI{}, loggedOut)

	body := `{"accessToken":"only-access"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/callback", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, sess.setCalls)
}

func TestLogout(t *testing.T) {
	sess := &fakeSession{}
	srv := newTestServer(t, sess, &fakeNotificationAPI{}, loggedOut)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, sess.loggedOut)
}
