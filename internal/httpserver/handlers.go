package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"notifsync/internal/domain"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

type sessionStateResponse struct {
	State         string       `json:"state"`
	Authenticated bool         `json:"authenticated"`
	User          *domain.User `json:"user,omitempty"`
	PushChannel   string       `json:"pushChannel"`
}

func (s *Server) handleSessionState(c echo.Context) error {
	snap := s.session.Snapshot()
	resp := sessionStateResponse{
		State:         snap.State.String(),
		Authenticated: snap.Session.Authenticated,
		User:          snap.Session.User,
		PushChannel:   s.push.State().String(),
	}
	return c.JSON(http.StatusOK, resp)
}

type notificationsResponse struct {
	Items       []domain.Notification `json:"items"`
	UnreadCount int                   `json:"unreadCount"`
}

// handleListNotifications serves the ledger's local view. With ?refresh=true
// it pulls a fresh snapshot first; a fetch failure falls back to the local
// state rather than erroring, per the ledger's degradation policy.
func (s *Server) handleListNotifications(c echo.Context) error {
	if c.QueryParam("refresh") == "true" {
		if err := s.ledger.FetchSnapshot(c.Request().Context()); err != nil {
			if errors.Is(err, domain.ErrNotAuthenticated) {
				return echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
			}
			// Transport failure: serve what we have.
		}
		s.ledger.FetchUnreadCount(c.Request().Context())
	}

	return c.JSON(http.StatusOK, notificationsResponse{
		Items:       s.ledger.Items(),
		UnreadCount: s.ledger.UnreadCount(),
	})
}

func (s *Server) handleMarkRead(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing notification id")
	}

	if err := s.ledger.MarkRead(c.Request().Context(), id); err != nil {
		return mutationError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(c echo.Context) error {
	if err := s.ledger.MarkAllRead(c.Request().Context()); err != nil {
		return mutationError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func mutationError(err error) error {
	if errors.Is(err, domain.ErrNotAuthenticated) {
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in")
	}
	return echo.NewHTTPError(http.StatusBadGateway, "notification service unavailable")
}

type loginCallbackRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// handleLoginCallback is the login-completion entry point: an external OAuth
// flow delivers a raw token pair here, bypassing renewal.
func (s *Server) handleLoginCallback(c echo.Context) error {
	var req loginCallbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "accessToken and refreshToken are required")
	}

	if err := s.session.SetTokens(c.Request().Context(), req.AccessToken, req.RefreshToken); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to establish session")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleLogout(c echo.Context) error {
	if err := s.session.Logout(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to log out")
	}
	return c.NoContent(http.StatusNoContent)
}
