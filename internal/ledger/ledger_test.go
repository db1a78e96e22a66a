package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifsync/internal/domain"
)

// fakeNotificationAPI scripts the REST collaborator.
type fakeNotificationAPI struct {
	mu          sync.Mutex
	listResult  []domain.Notification
	listErr     error
	countResult int
	countErr    error
	markErr     error
	markAllErr  error

	listCalls    int
	listTokens   []string
	markCalls    []string
	markAllCalls int

	// listEntered/listRelease, when set, park ListAll mid-flight.
	listEntered chan struct{}
	listRelease chan struct{}
}

func (f *fakeNotificationAPI) ListAll(ctx context.Context, token string) ([]domain.Notification, error) {
	if f.listEntered != nil {
		select {
		case f.listEntered <- struct{}{}:
		default:
		}
	}
	if f.listRelease != nil {
		<-f.listRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.listTokens = append(f.listTokens, token)
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Notification, len(f.listResult))
	copy(out, f.listResult)
	return out, nil
}

func (f *fakeNotificationAPI) UnreadCount(ctx context.Context, token string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.countResult, nil
}

func (f *fakeNotificationAPI) MarkRead(ctx context.Context, token, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markCalls = append(f.markCalls, id)
	return nil
}

func (f *fakeNotificationAPI) MarkAllRead(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markAllErr != nil {
		return f.markAllErr
	}
	f.markAllCalls++
	return nil
}

func authenticated() (string, bool)   { return "access-token", true }
func unauthenticated() (string, bool) { return "", false }

func notif(id string) domain.Notification {
	return domain.Notification{ID: id, Title: "t", Message: "m", CreatedAt: time.Now()}
}

func TestApplyPushed_BeforeFirstFetch(t *testing.T) {
	l := New(&fakeNotificationAPI{}, authenticated)

	l.ApplyPushed(notif(uuid.NewString()))
	l.ApplyPushed(notif(uuid.NewString()))

	assert.Equal(t, 2, l.UnreadCount(), "badge-only mode counts without a loaded list")
	assert.Empty(t, l.Items(), "the list stays unloaded until the first fetch")
	assert.False(t, l.Loaded())
}

func TestApplyPushed_PrependsWhenLoaded(t *testing.T) {
	api := &fakeNotificationAPI{listResult: []domain.Notification{notif("older")}}
	l := New(api, authenticated)
	require.NoError(t, l.FetchSnapshot(context.Background()))

	l.ApplyPushed(notif("newest"))

	items := l.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "newest", items[0].ID, "pushed notifications go to the front")
	assert.Equal(t, "older", items[1].ID)
}

func TestUnreadCount_NeverNegative(t *testing.T) {
	api := &fakeNotificationAPI{}
	l := New(api, authenticated)
	ctx := context.Background()

	// Mark an id that was never pushed or loaded: count still floors at 0.
	require.NoError(t, l.MarkRead(ctx, "ghost"))
	assert.Equal(t, 0, l.UnreadCount())

	l.ApplyPushed(notif("a"))
	require.NoError(t, l.MarkRead(ctx, "a"))
	require.NoError(t, l.MarkRead(ctx, "a"))
	assert.Equal(t, 0, l.UnreadCount())

	require.NoError(t, l.MarkAllRead(ctx))
	require.NoError(t, l.MarkRead(ctx, "ghost"))
	assert.Equal(t, 0, l.UnreadCount())
}

func TestFetchSnapshot_DoesNotTouchUnreadCount(t *testing.T) {
	api := &fakeNotificationAPI{listResult: []domain.Notification{notif("x")}}
	l := New(api, authenticated)

	l.ApplyPushed(notif("p1"))
	l.ApplyPushed(notif("p2"))
	l.ApplyPushed(notif("p3"))
	require.Equal(t, 3, l.UnreadCount())

	require.NoError(t, l.FetchSnapshot(context.Background()))

	assert.Equal(t, 3, l.UnreadCount(), "a possibly stale snapshot must not clobber the counter")
	assert.Len(t, l.Items(), 1, "the list is replaced wholesale")
}

func TestFetchSnapshot_ReadsCredentialAtFetchTime(t *testing.T) {
	api := &fakeNotificationAPI{listResult: []domain.Notification{notif("a")}}
	var mu sync.Mutex
	token := "token-a"
	source := func() (string, bool) {
		mu.Lock()
		defer mu.Unlock()
		return token, token != ""
	}
	l := New(api, source)

	require.NoError(t, l.FetchSnapshot(context.Background()))

	mu.Lock()
	token = "token-b"
	mu.Unlock()
	require.NoError(t, l.FetchSnapshot(context.Background()))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"token-a", "token-b"}, api.listTokens, "a rotated credential is picked up by the next fetch")
}

func TestFetchSnapshot_CollapsesConcurrentCalls(t *testing.T) {
	api := &fakeNotificationAPI{
		listResult:  []domain.Notification{notif("a")},
		listEntered: make(chan struct{}, 1),
		listRelease: make(chan struct{}),
	}
	l := New(api, authenticated)

	done := make(chan error, 2)
	go func() { done <- l.FetchSnapshot(context.Background()) }()
	<-api.listEntered
	go func() { done <- l.FetchSnapshot(context.Background()) }()

	time.Sleep(50 * time.Millisecond) // let the second call join the flight
	close(api.listRelease)

	require.NoError(t, <-done)
	require.NoError(t, <-done)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 1, api.listCalls, "concurrent refreshes collapse into one request")
}

func TestFetchSnapshot_FailureKeepsPriorState(t *testing.T) {
	api := &fakeNotificationAPI{listResult: []domain.Notification{notif("x")}}
	l := New(api, authenticated)
	require.NoError(t, l.FetchSnapshot(context.Background()))

	api.mu.Lock()
	api.listErr = &domain.TransportError{Err: errors.New("boom")}
	api.mu.Unlock()

	err := l.FetchSnapshot(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransportError(err))
	assert.Len(t, l.Items(), 1)
	assert.True(t, l.Loaded())
}

func TestFetchUnreadCount_Resyncs(t *testing.T) {
	api := &fakeNotificationAPI{countResult: 42}
	l := New(api, authenticated)

	l.ApplyPushed(notif("a"))
	l.FetchUnreadCount(context.Background())

	assert.Equal(t, 42, l.UnreadCount(), "the server count is the authoritative resync point")
}

func TestFetchUnreadCount_FailureKeepsPrevious(t *testing.T) {
	api := &fakeNotificationAPI{countErr: &domain.TransportError{Err: errors.New("boom")}}
	l := New(api, authenticated)
	l.ApplyPushed(notif("a"))

	l.FetchUnreadCount(context.Background())

	assert.Equal(t, 1, l.UnreadCount())
}

func TestMarkRead_AppliesLocalDeltaOnlyOnSuccess(t *testing.T) {
	api := &fakeNotificationAPI{listResult: []domain.Notification{notif("a"), notif("b")}}
	l := New(api, authenticated)
	require.NoError(t, l.FetchSnapshot(context.Background()))
	l.FetchUnreadCount(context.Background())
	l.ApplyPushed(notif("c"))

	api.mu.Lock()
	api.markErr = &domain.TransportError{Err: errors.New("boom")}
	api.mu.Unlock()

	before := l.UnreadCount()
	require.Error(t, l.MarkRead(context.Background(), "a"))
	assert.Equal(t, before, l.UnreadCount(), "a failed remote call leaves local state untouched")
	assert.False(t, l.Items()[len(l.Items())-1].IsRead)

	api.mu.Lock()
	api.markErr = nil
	api.mu.Unlock()

	require.NoError(t, l.MarkRead(context.Background(), "a"))
	assert.Equal(t, before-1, l.UnreadCount())
	for _, item := range l.Items() {
		if item.ID == "a" {
			assert.True(t, item.IsRead)
		}
	}
}

func TestMarkRead_MissingIDStillDecrements(t *testing.T) {
	l := New(&fakeNotificationAPI{}, authenticated)
	l.ApplyPushed(notif("seen-on-another-device"))

	require.NoError(t, l.MarkRead(context.Background(), "not-loaded-locally"))

	assert.Equal(t, 0, l.UnreadCount())
}

func TestMarkAllRead_Idempotent(t *testing.T) {
	api := &fakeNotificationAPI{listResult: []domain.Notification{notif("a"), notif("b")}}
	l := New(api, authenticated)
	require.NoError(t, l.FetchSnapshot(context.Background()))
	l.ApplyPushed(notif("c"))

	require.NoError(t, l.MarkAllRead(context.Background()))
	require.NoError(t, l.MarkAllRead(context.Background()), "a second call must not error")

	assert.Equal(t, 0, l.UnreadCount())
	for _, item := range l.Items() {
		assert.True(t, item.IsRead)
	}
	assert.Equal(t, 2, api.markAllCalls)
}

func TestMutationsRequireAuthentication(t *testing.T) {
	l := New(&fakeNotificationAPI{}, unauthenticated)
	ctx := context.Background()

	assert.ErrorIs(t, l.FetchSnapshot(ctx), domain.ErrNotAuthenticated)
	assert.ErrorIs(t, l.MarkRead(ctx, "a"), domain.ErrNotAuthenticated)
	assert.ErrorIs(t, l.MarkAllRead(ctx), domain.ErrNotAuthenticated)
}

func TestReset_DropsAllLocalState(t *testing.T) {
	api := &fakeNotificationAPI{listResult: []domain.Notification{notif("a")}}
	l := New(api, authenticated)
	require.NoError(t, l.FetchSnapshot(context.Background()))
	l.ApplyPushed(notif("b"))

	l.Reset()

	assert.Empty(t, l.Items())
	assert.Equal(t, 0, l.UnreadCount())
	assert.False(t, l.Loaded())
}
