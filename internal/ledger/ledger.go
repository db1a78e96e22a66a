// Package ledger owns the ordered notification list and the unread counter,
// and keeps them consistent between REST snapshots and push-delivered events.
//
// The unread counter is maintained incrementally and independently of the
// item list: it is populated eagerly at session-authenticated time and stays
// correct even when the list itself is never fetched (badge-only mode).
package ledger

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"notifsync/internal/domain"
	"notifsync/internal/metrics"
)

// TokenSource yields the current access token. The ledger reads it on every
// REST call so a rotated credential is picked up immediately.
type TokenSource func() (string, bool)

// Ledger is safe for concurrent use. Mutations (MarkRead, MarkAllRead) are
// serialized per instance: a second mutation waits for the first's REST round
// trip, so local deltas apply in call order.
type Ledger struct {
	api    domain.NotificationAPI
	tokens TokenSource

	mu     sync.Mutex
	items  []domain.Notification // newest first; nil until first fetch
	loaded bool
	unread int

	mutateMu sync.Mutex
	group    singleflight.Group
}

// New creates an empty ledger backed by the given REST collaborator.
func New(api domain.NotificationAPI, tokens TokenSource) *Ledger {
	return &Ledger{api: api, tokens: tokens}
}

// Items returns a copy of the current list, newest first. Empty until the
// first successful FetchSnapshot.
func (l *Ledger) Items() []domain.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Notification, len(l.items))
	copy(out, l.items)
	return out
}

// UnreadCount returns the unread counter as known to this client.
func (l *Ledger) UnreadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unread
}

// Loaded reports whether the item list has been fetched at least once.
func (l *Ledger) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// FetchSnapshot replaces the item list wholesale with the server's current
// state. It never touches the unread counter: a possibly stale snapshot must
// not clobber a more recent push-derived count. On failure the ledger keeps
// its prior state and the error is returned for the caller to surface or
// ignore. Concurrent calls are collapsed into one request.
func (l *Ledger) FetchSnapshot(ctx context.Context) error {
	_, err, _ := l.group.Do("snapshot", func() (any, error) {
		// Token read inside the collapsed call so the request reflects the
		// credential at fetch time, not at join time.
		token, ok := l.tokens()
		if !ok {
			return nil, domain.ErrNotAuthenticated
		}
		items, err := l.api.ListAll(ctx, token)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.items = items
		l.loaded = true
		l.mu.Unlock()
		return nil, nil
	})
	return err
}

// FetchUnreadCount resyncs the unread counter from the server. This is the
// authoritative resync point: success replaces the counter unconditionally.
// Failure is absorbed and the previous count kept.
func (l *Ledger) FetchUnreadCount(ctx context.Context) {
	_, _, _ = l.group.Do("unread", func() (any, error) {
		token, ok := l.tokens()
		if !ok {
			return nil, nil
		}
		count, err := l.api.UnreadCount(ctx, token)
		if err != nil {
			slog.Warn("Unread count fetch failed, keeping previous value", "error", err)
			return nil, nil
		}
		l.mu.Lock()
		l.setUnreadLocked(count)
		l.mu.Unlock()
		return nil, nil
	})
}

// ApplyPushed folds a push-delivered notification into local state: prepend
// when the list has been loaded, and bump the unread counter either way.
// Repeated delivery of the same ID is not de-duplicated here; the floor in
// the mark operations keeps the counter from going negative regardless.
func (l *Ledger) ApplyPushed(n domain.Notification) {
	metrics.PushEventsTotal.Inc()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		l.items = append([]domain.Notification{n}, l.items...)
	}
	l.setUnreadLocked(l.unread + 1)
}

// MarkRead persists the read state remotely, then applies the local delta
// only on success. An ID missing from the local list still decrements the
// counter, since the item may simply not have been loaded.
func (l *Ledger) MarkRead(ctx context.Context, id string) error {
	l.mutateMu.Lock()
	defer l.mutateMu.Unlock()

	token, ok := l.tokens()
	if !ok {
		return domain.ErrNotAuthenticated
	}

	if err := l.api.MarkRead(ctx, token, id); err != nil {
		metrics.NotificationMutationsTotal.WithLabelValues("mark_read", "failure").Inc()
		return err
	}
	metrics.NotificationMutationsTotal.WithLabelValues("mark_read", "success").Inc()

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items[i].IsRead = true
			break
		}
	}
	if l.unread > 0 {
		l.setUnreadLocked(l.unread - 1)
	}
	return nil
}

// MarkAllRead persists remotely, then marks every local item read and zeroes
// the counter. Idempotent: a second call is a no-op locally and remotely.
func (l *Ledger) MarkAllRead(ctx context.Context) error {
	l.mutateMu.Lock()
	defer l.mutateMu.Unlock()

	token, ok := l.tokens()
	if !ok {
		return domain.ErrNotAuthenticated
	}

	if err := l.api.MarkAllRead(ctx, token); err != nil {
		metrics.NotificationMutationsTotal.WithLabelValues("mark_all_read", "failure").Inc()
		return err
	}
	metrics.NotificationMutationsTotal.WithLabelValues("mark_all_read", "success").Inc()

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		l.items[i].IsRead = true
	}
	l.setUnreadLocked(0)
	return nil
}

// Reset drops all local state. Called when the session identity changes so a
// new login never sees the previous user's feed.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.loaded = false
	l.setUnreadLocked(0)
}

func (l *Ledger) setUnreadLocked(n int) {
	l.unread = n
	metrics.UnreadNotifications.Set(float64(n))
}
