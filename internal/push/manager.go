// Package push owns the lifecycle of the single live push connection bound to
// the current access token. It reacts to session transitions: a connection
// opens only while the session is authenticated, rotates with the credential,
// and closes unconditionally on logout.
package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifsync/internal/domain"
	"notifsync/internal/metrics"
	"notifsync/internal/retry"
	"notifsync/internal/session"
)

// State is the manager's connection lifecycle position.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// TokenSource yields the access token to authenticate the next connection
// attempt with. It is consulted at the moment of each attempt, never cached
// across retries.
type TokenSource func() (string, bool)

// Sink receives every inbound notification from the live connection.
type Sink func(domain.Notification)

const (
	openTimeout      = 15 * time.Second
	openMaxAttempts  = 5
	openBackoff      = time.Second
	openMaxBackoff   = 30 * time.Second
	reconnectMinWait = 500 * time.Millisecond
)

// Manager drives a single connection through Closed → Opening → Open →
// Closed. At most one connection is live at any time; rotation is strictly
// close-before-open.
type Manager struct {
	transport domain.PushTransport
	namespace string
	tokens    TokenSource
	sink      Sink
	limiter   *rate.Limiter

	mu      sync.Mutex
	state   State
	desired bool
	sessGen uint64
	conn    domain.PushConn
	connTok string

	wake   chan struct{}
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewManager creates a stopped manager. Call Start to run its reconcile loop
// and register SessionChanged with the session controller.
func NewManager(transport domain.PushTransport, namespace string, tokens TokenSource, sink Sink) *Manager {
	return &Manager{
		transport: transport,
		namespace: namespace,
		tokens:    tokens,
		sink:      sink,
		limiter:   rate.NewLimiter(rate.Every(reconnectMinWait), 1),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionChanged is the session controller listener. It runs inside the
// controller's critical section, so it only adjusts desired state and closes
// a no-longer-valid connection; the actual open happens on the reconcile
// goroutine afterwards. A stale credential is therefore never left attached
// to a live connection once the transition that replaced it has committed.
// It must not read the token source: that would wait on the controller from
// under the manager mutex.
func (m *Manager) SessionChanged(snap session.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	authenticated := snap.State == session.StateAuthenticated && snap.Session.AccessToken != ""
	m.desired = authenticated
	m.sessGen = snap.Gen

	if !authenticated {
		// Unconditional: an in-flight open with no connection yet must also
		// land back in Closed.
		m.closeConnLocked()
	} else if m.conn != nil && m.connTok != snap.Session.AccessToken {
		m.closeConnLocked()
	}
	m.signal()
}

// Start launches the reconcile loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop closes any live connection and terminates the reconcile loop.
func (m *Manager) Stop() {
	m.once.Do(func() {
		m.mu.Lock()
		m.desired = false
		m.closeConnLocked()
		m.mu.Unlock()
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.wake:
		}
		m.reconcile()
	}
}

// reconcile converges the live connection with the desired state. The access
// token is re-read from the token source for every attempt, so a rotation
// that happens between retries is picked up by the next attempt. The token
// source is never consulted while the manager mutex is held: this goroutine
// must not wait on the session controller from inside the lock that the
// controller's own listener takes.
func (m *Manager) reconcile() {
	for {
		m.mu.Lock()
		desired := m.desired
		hasConn := m.conn != nil
		gen := m.sessGen
		m.mu.Unlock()

		if !desired || hasConn {
			return
		}
		if _, ok := m.tokens(); !ok {
			return
		}

		m.setState(StateOpening)
		conn, usedTok, err := m.open()
		if err != nil {
			m.setState(StateClosed)
			if domain.IsAuthError(err) {
				// The channel rejected the credential. The session itself is
				// still the authority; wait for its next transition instead
				// of hammering the transport.
				slog.Warn("Push channel rejected credential, waiting for session change", "error", err)
				return
			}
			slog.Warn("Push channel open failed", "error", err)
			// Try again later; the session is still authenticated.
			time.AfterFunc(openMaxBackoff, m.signal)
			return
		}

		m.mu.Lock()
		// A transition committed while the open was in flight; the connection
		// belongs to a dead session generation and must not go live.
		if !m.desired || m.sessGen != gen {
			m.state = StateClosed
			m.mu.Unlock()
			_ = conn.Close()
			continue
		}
		m.conn = conn
		m.connTok = usedTok
		m.state = StateOpen
		metrics.PushChannelUp.Set(1)
		m.mu.Unlock()

		slog.Info("Push channel open")
		m.wg.Add(1)
		go m.forward(conn)
		return
	}
}

// open dials one connection, retrying transient failures. It reports the
// token the successful attempt actually used.
func (m *Manager) open() (domain.PushConn, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	if err := m.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	policy := retry.Policy{
		MaxAttempts:    openMaxAttempts,
		InitialBackoff: openBackoff,
		MaxBackoff:     openMaxBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			metrics.PushReconnectsTotal.Inc()
			slog.Debug("Retrying push channel open", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	classify := func(err error) retry.Action {
		if domain.IsAuthError(err) {
			return retry.Stop
		}
		return retry.Retry
	}

	var usedTok string
	conn, err := retry.Do(ctx, policy, classify, func() (domain.PushConn, error) {
		// Fresh token read per attempt: a rotation mid-backoff must win.
		current, ok := m.tokens()
		if !ok {
			return nil, &domain.AuthError{Err: domain.ErrNotAuthenticated}
		}
		usedTok = current
		return m.transport.Open(ctx, m.namespace, current)
	})
	if err != nil {
		return nil, "", err
	}
	return conn, usedTok, nil
}

// forward pumps events from one connection into the sink until it dies, then
// kicks the reconcile loop. Events read from a connection that has already
// been replaced are dropped.
func (m *Manager) forward(conn domain.PushConn) {
	defer m.wg.Done()
	for {
		select {
		case n, ok := <-conn.Events():
			if !ok {
				m.onConnGone(conn)
				return
			}
			m.mu.Lock()
			live := m.conn == conn
			m.mu.Unlock()
			if live {
				m.sink(n)
			}
		case <-conn.Done():
			m.onConnGone(conn)
			return
		}
	}
}

func (m *Manager) onConnGone(conn domain.PushConn) {
	m.mu.Lock()
	if m.conn == conn {
		m.closeConnLocked()
		slog.Info("Push channel lost, reconnect scheduled")
	}
	m.mu.Unlock()
	m.signal()
}

// closeConnLocked tears down the live connection. Caller holds mu.
func (m *Manager) closeConnLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
		m.connTok = ""
	}
	m.state = StateClosed
	metrics.PushChannelUp.Set(0)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
