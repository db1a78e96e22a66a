// Package httpserver exposes the local control surface of the daemon: health,
// metrics, session state, the notification view, and the login-completion
// callback that feeds tokens into the session controller.
package httpserver

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"notifsync/internal/config"
	"notifsync/internal/ledger"
	"notifsync/internal/push"
	"notifsync/internal/session"
)

const shutdownTimeout = 10 * time.Second

type sessionController interface {
	Snapshot() session.Snapshot
	SetTokens(ctx context.Context, access, refresh string) error
	Logout(ctx context.Context) error
}

// pushObserver is the read-only view of the push manager used for status
// reporting.
type pushObserver interface {
	State() push.State
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	session   sessionController
	ledger    *ledger.Ledger
	push      pushObserver
	startTime time.Time
}

func NewServer(cfg *config.Config, sess sessionController, led *ledger.Ledger, pm pushObserver) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:      e,
		config:    cfg,
		session:   sess,
		ledger:    led,
		push:      pm,
		startTime: time.Now(),
	}

	srv.registerRoutes()
	return srv
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	return s.echo.Start(":" + s.config.Port)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
