// Package session owns the in-memory session state machine: token pair, user
// identity and the authenticated flag. It is the single source of truth that
// the ledger, the push manager and the HTTP surface read from.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"notifsync/internal/domain"
	"notifsync/internal/metrics"
)

// State is the controller's position in its lifecycle.
type State int

const (
	// StateAnonymous is the initial state before hydration.
	StateAnonymous State = iota
	// StateHydrated means a persisted refresh token was found and renewal has
	// not run yet.
	StateHydrated
	// StateAuthenticated means the session carries a full token pair and
	// identity.
	StateAuthenticated
	// StateUnauthenticated is terminal until an external login calls SetTokens.
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateHydrated:
		return "hydrated"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// credentialKey is the credential store key holding the refresh token.
const credentialKey = "refresh_token"

var (
	// ErrAlreadyHydrated is returned when Hydrate runs twice.
	ErrAlreadyHydrated = errors.New("session already hydrated")
	// ErrNoRefreshToken is returned when Renew runs without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// Snapshot is an immutable view of the session handed to observers. Gen
// increases on every identity change, so async completions can detect that
// the session they started from is gone.
type Snapshot struct {
	State   State
	Session domain.Session
	Gen     uint64
}

// Listener observes committed session transitions. Listeners run
// synchronously inside the controller's critical section and must not call
// back into the controller; everything they need is in the snapshot.
type Listener func(Snapshot)

// Controller owns the session. All mutations commit atomically: observers
// never see a new access token paired with a stale identity.
type Controller struct {
	auth  domain.AuthAPI
	creds domain.CredentialStore
	ttl   time.Duration

	mu        sync.Mutex
	state     State
	session   domain.Session
	gen       uint64
	hydrated  bool
	listeners []Listener

	// storeMu serializes credential store writes. Store round trips run
	// outside mu so a slow store never blocks readers or listeners.
	storeMu sync.Mutex
}

// NewController creates a controller in StateAnonymous. refreshTTL bounds how
// long a persisted refresh token is kept by the credential store.
func NewController(auth domain.AuthAPI, creds domain.CredentialStore, refreshTTL time.Duration) *Controller {
	return &Controller{
		auth:  auth,
		creds: creds,
		ttl:   refreshTTL,
		state: StateAnonymous,
	}
}

// Subscribe registers a transition listener. Register all listeners before
// calling Hydrate so no transition is missed.
func (c *Controller) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// AccessToken returns the current access token, if authenticated. It is the
// token source handed to the ledger and the push manager so every call and
// every reconnect attempt reflects the credential of the moment.
func (c *Controller) AccessToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session.Authenticated {
		return "", false
	}
	return c.session.AccessToken, true
}

// Hydrate loads the persisted refresh token. No network call is made: a
// present token moves the controller to StateHydrated, an absent one directly
// to StateUnauthenticated.
func (c *Controller) Hydrate(ctx context.Context) error {
	c.mu.Lock()
	if c.hydrated {
		c.mu.Unlock()
		return ErrAlreadyHydrated
	}
	c.hydrated = true
	c.mu.Unlock()

	token, ok, err := c.creds.Get(ctx, credentialKey)
	if err != nil {
		slog.Warn("Credential store read failed during hydration", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok || token == "" {
		c.state = StateUnauthenticated
		c.notifyLocked()
		return nil
	}
	c.session.RefreshToken = token
	c.state = StateHydrated
	c.notifyLocked()
	return nil
}

// Renew exchanges the hydrated refresh token for a full session. It is called
// once during startup; callers needing periodic renewal layer their own timer
// and call it again from StateAuthenticated. Any failure clears the session,
// removes the persisted refresh token and ends in StateUnauthenticated; it is
// not retried here.
func (c *Controller) Renew(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.session.RefreshToken
	gen := c.gen
	c.mu.Unlock()

	if refresh == "" {
		return ErrNoRefreshToken
	}

	pair, user, err := c.auth.Renew(ctx, refresh)

	c.mu.Lock()
	if c.gen != gen {
		// Session changed while the renewal was in flight (logout or a new
		// login). The result belongs to a dead identity; drop it.
		current := c.gen
		c.mu.Unlock()
		slog.Debug("Discarding stale renewal result", "gen", gen, "current_gen", current)
		return nil
	}

	if err != nil {
		metrics.SessionRenewalsTotal.WithLabelValues("failure").Inc()
		c.session.Clear()
		c.gen++
		newGen := c.gen
		c.state = StateUnauthenticated
		c.notifyLocked()
		c.mu.Unlock()

		c.removeCredential(newGen)
		if domain.IsAuthError(err) {
			slog.Info("Refresh token rejected, session ends unauthenticated")
		} else {
			slog.Warn("Token renewal failed", "error", err)
		}
		return err
	}

	metrics.SessionRenewalsTotal.WithLabelValues("success").Inc()
	c.session = domain.Session{
		AccessToken:   pair.AccessToken,
		RefreshToken:  pair.RefreshToken,
		User:          user,
		Authenticated: true,
	}
	c.gen++
	newGen := c.gen
	c.state = StateAuthenticated
	c.notifyLocked()
	c.mu.Unlock()

	c.persistCredential(newGen, pair.RefreshToken)
	slog.Info("Session renewed", "user_id", user.ID)
	return nil
}

// SetTokens installs a token pair delivered by an external login flow. It
// completes the identity with a CurrentUser fetch; when that fails the raw
// tokens are still accepted with a placeholder identity rather than failing
// the login, and the identity can be refreshed later. Safe to call while
// already authenticated (token rotation).
func (c *Controller) SetTokens(ctx context.Context, access, refresh string) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	user, err := c.auth.CurrentUser(ctx, access)
	if err != nil {
		slog.Warn("Identity fetch failed after login, using placeholder", "error", err)
		user = &domain.User{}
	}

	c.mu.Lock()
	if c.gen != gen {
		current := c.gen
		c.mu.Unlock()
		slog.Debug("Discarding stale login result", "gen", gen, "current_gen", current)
		return nil
	}

	c.session = domain.Session{
		AccessToken:   access,
		RefreshToken:  refresh,
		User:          user,
		Authenticated: true,
	}
	c.gen++
	newGen := c.gen
	c.state = StateAuthenticated
	c.notifyLocked()
	c.mu.Unlock()

	c.persistCredential(newGen, refresh)
	slog.Info("Session tokens set", "user_id", user.ID)
	return nil
}

// Logout clears the session and the persisted refresh token unconditionally.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.session.Clear()
	c.gen++
	gen := c.gen
	c.state = StateUnauthenticated
	c.notifyLocked()
	c.mu.Unlock()

	c.removeCredential(gen)
	slog.Info("Logged out")
	return nil
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{State: c.state, Session: c.session, Gen: c.gen}
}

// notifyLocked announces the committed state to listeners, in registration
// order, while the critical section is still held. A transition is therefore
// never observed concurrently with the update that produced it.
func (c *Controller) notifyLocked() {
	snap := c.snapshotLocked()
	for _, l := range c.listeners {
		l(snap)
	}
}

// persistCredential stores the refresh token for the commit identified by
// gen, best effort; a store failure only costs silent renewal after the next
// restart. Writes run in commit order under storeMu, and a commit that has
// already been superseded skips its write instead of racing the newer one.
func (c *Controller) persistCredential(gen uint64, refresh string) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if c.currentGen() != gen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.creds.Set(ctx, credentialKey, refresh, c.ttl); err != nil {
		slog.Warn("Failed to persist refresh token", "error", err)
	}
}

func (c *Controller) removeCredential(gen uint64) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if c.currentGen() != gen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.creds.Remove(ctx, credentialKey); err != nil {
		slog.Warn("Failed to remove refresh token", "error", err)
	}
}

func (c *Controller) currentGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}
