// Package transport implements the push channel collaborator over a
// websocket connection. Each connection authenticates with the access token
// it was opened with; reconnection policy lives in the push manager, not
// here.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"notifsync/internal/domain"
)

const (
	handshakeTimeout = 10 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = 30 * time.Second
	eventBuffer      = 16

	// notificationEvent is the single event name this subsystem subscribes to.
	notificationEvent = "notification"
)

// WebsocketTransport dials the push endpoint at baseURL (ws:// or wss://).
type WebsocketTransport struct {
	baseURL string
}

// NewWebsocketTransport creates a transport for the given endpoint.
func NewWebsocketTransport(baseURL string) *WebsocketTransport {
	return &WebsocketTransport{baseURL: baseURL}
}

// Open dials a connection scoped to namespace and authenticated with
// accessToken. A 401/403 handshake response is an auth rejection; everything
// else is a transport failure.
func (t *WebsocketTransport) Open(ctx context.Context, namespace, accessToken string) (domain.PushConn, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, &domain.TransportError{Err: err}
	}
	q := u.Query()
	q.Set("namespace", namespace)
	q.Set("client_id", uuid.NewString())
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &domain.AuthError{Err: fmt.Errorf("push handshake rejected with status %d", resp.StatusCode)}
		}
		return nil, &domain.TransportError{Err: err}
	}

	wc := &wsConn{
		conn:   conn,
		events: make(chan domain.Notification, eventBuffer),
		done:   make(chan struct{}),
	}
	go wc.readLoop()
	go wc.pingLoop()
	return wc, nil
}

// envelope is the wire frame carrying push events.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wsConn struct {
	conn   *websocket.Conn
	events chan domain.Notification
	done   chan struct{}
}

func (c *wsConn) Events() <-chan domain.Notification { return c.events }
func (c *wsConn) Done() <-chan struct{}              { return c.done }

func (c *wsConn) Close() error {
	err := c.conn.Close()
	return err
}

// readLoop decodes inbound frames until the connection dies, then closes
// Done. Unknown event names are skipped; a malformed payload skips the frame
// rather than killing the connection.
func (c *wsConn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Dropping malformed push frame", "error", err)
			continue
		}
		if env.Event != notificationEvent {
			continue
		}

		var n domain.Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			slog.Warn("Dropping malformed notification payload", "error", err)
			continue
		}

		select {
		case c.events <- n:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
