package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"notifsync/internal/config"
	"notifsync/internal/domain"
	"notifsync/internal/httpserver"
	"notifsync/internal/ledger"
	"notifsync/internal/logging"
	"notifsync/internal/push"
	"notifsync/internal/rest"
	"notifsync/internal/session"
	"notifsync/internal/store"
	"notifsync/internal/transport"
)

const startupTimeout = 30 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupCredentialStore(ctx context.Context, cfg *config.Config) domain.CredentialStore {
	switch cfg.CredentialBackend {
	case "redis":
		s, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to redis credential store", "error", err)
			os.Exit(1)
		}
		return s
	default:
		s, err := store.NewKeyringStore(clockwork.NewRealClock())
		if err != nil {
			slog.Error("Failed to open keyring credential store", "error", err)
			os.Exit(1)
		}
		return s
	}
}

func runGracefulShutdown(srv *httpserver.Server, pm *push.Manager) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		pm.Stop()
		close(done)
	}()

	return done
}

func main() {
	cfg := setupConfig()
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Starting notifsync", "env", cfg.AppEnv)

	startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	creds := setupCredentialStore(startupCtx, cfg)
	api := rest.NewClient(cfg.APIBaseURL)

	controller := session.NewController(api, creds, cfg.RefreshTokenTTL)
	led := ledger.New(api, controller.AccessToken)

	pushTransport := transport.NewWebsocketTransport(cfg.PushURL)
	pm := push.NewManager(pushTransport, cfg.PushNamespace, controller.AccessToken, led.ApplyPushed)

	// The push channel follows every session transition; the ledger eagerly
	// resyncs its unread counter whenever a session becomes authenticated
	// (badge-only mode works without ever fetching the list), and drops all
	// local state when the identity changes.
	controller.Subscribe(pm.SessionChanged)
	controller.Subscribe(func(snap session.Snapshot) {
		if snap.State == session.StateAuthenticated {
			go led.FetchUnreadCount(context.Background())
		} else {
			led.Reset()
		}
	})

	pm.Start()

	// Startup hydration: load the persisted refresh token, then renew at most
	// once. Failures surface as "not logged in", never as a crash.
	if err := controller.Hydrate(startupCtx); err != nil {
		slog.Error("Hydration failed", "error", err)
		os.Exit(1)
	}
	if controller.Snapshot().State == session.StateHydrated {
		if err := controller.Renew(startupCtx); err != nil {
			slog.Info("Startup renewal did not produce a session", "error", err)
		}
	}

	srv := httpserver.NewServer(cfg, controller, led, pm)
	done := runGracefulShutdown(srv, pm)

	slog.Info("Listening", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
