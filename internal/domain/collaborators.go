package domain

import (
	"context"
	"time"
)

// AuthAPI is the authentication side of the REST collaborator.
type AuthAPI interface {
	// Renew exchanges a refresh token for a fresh token pair and the user it
	// belongs to. Fails with *AuthError when the refresh token is rejected,
	// *TransportError otherwise.
	Renew(ctx context.Context, refreshToken string) (TokenPair, *User, error)

	// CurrentUser fetches the identity behind an access token.
	CurrentUser(ctx context.Context, accessToken string) (*User, error)
}

// NotificationAPI is the notification side of the REST collaborator. Every
// call is authenticated with the caller-supplied access token.
type NotificationAPI interface {
	ListAll(ctx context.Context, accessToken string) ([]Notification, error)
	UnreadCount(ctx context.Context, accessToken string) (int, error)
	MarkRead(ctx context.Context, accessToken, id string) error
	MarkAllRead(ctx context.Context, accessToken string) error
}

// CredentialStore is durable key-value persistence for the long-lived refresh
// token. Single-writer (the session controller); safe for concurrent reads.
type CredentialStore interface {
	// Get returns the stored value, or ok == false when the key is absent or
	// expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// PushConn is a single live push connection. Events delivers inbound
// notifications until the connection dies; Done is closed when it does.
type PushConn interface {
	Events() <-chan Notification
	Done() <-chan struct{}
	Close() error
}

// PushTransport opens push connections authenticated by an access token.
type PushTransport interface {
	Open(ctx context.Context, namespace, accessToken string) (PushConn, error)
}
