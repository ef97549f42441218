package badge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"museum-notifier/await"
	"museum-notifier/clock"
	"museum-notifier/docstore"
	"museum-notifier/identity"
	"museum-notifier/notifications"
	"museum-notifier/pkg/notifier"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type render struct {
	text    string
	visible bool
}

type fakeBadge struct {
	renders []render
	mu      sync.Mutex
}

func (b *fakeBadge) Render(visible bool, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renders = append(b.renders, render{visible: visible, text: text})
}

func (b *fakeBadge) last() render {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.renders) == 0 {
		return render{}
	}
	return b.renders[len(b.renders)-1]
}

func (b *fakeBadge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.renders)
}

// fakeAnchor mounts on probe number mountAt; zero never mounts.
type fakeAnchor struct {
	badge   *fakeBadge
	probes  atomic.Int32
	mountAt int32
}

func (a *fakeAnchor) Badge() (Badge, bool) {
	n := a.probes.Add(1)
	if a.mountAt == 0 || n < a.mountAt {
		return nil, false
	}
	return a.badge, true
}

type fixture struct {
	store   *docstore.Memory
	repo    *notifications.Repository
	anchor  *fakeAnchor
	badge   *fakeBadge
	tracker *Tracker
}

func newFixture(t *testing.T, mountAt int32, opts Options) *fixture {
	t.Helper()
	store := docstore.NewMemory(clock.NewFake(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)), discard())
	repo := notifications.New(store, time.UTC, nil, discard())
	b := &fakeBadge{}
	anchor := &fakeAnchor{badge: b, mountAt: mountAt}
	tracker := New(repo, anchor, opts, nil, discard())
	t.Cleanup(func() {
		tracker.Close()
		_ = store.Close()
	})
	return &fixture{store: store, repo: repo, anchor: anchor, badge: b, tracker: tracker}
}

var fast = Options{Retries: 5, Delay: time.Millisecond}

func (f *fixture) notify(t *testing.T, recipient string, n int) {
	t.Helper()
	for range n {
		require.True(t, f.repo.Create(context.Background(), notifications.Draft{
			RecipientID: recipient,
			Kind:        notifier.KindNews,
			Title:       "t",
			Message:     "m",
		}))
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "1"},
		{42, "42"},
		{99, "99"},
		{100, "99+"},
		{5000, "99+"},
	}
	for _, tt := range tests {
		if got := Label(tt.n); got != tt.want {
			t.Errorf("Label(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestActivateShowsUnreadCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, fast)
	f.notify(t, "u1", 3)

	require.Equal(t, Unmounted, f.tracker.State())
	require.NoError(t, f.tracker.Activate(ctx, "u1"))
	require.Equal(t, MountedSubscribed, f.tracker.State())
	require.Equal(t, "u1", f.tracker.Recipient())
	require.Equal(t, render{visible: true, text: "3"}, f.badge.last())

	f.notify(t, "u1", 1)
	require.Equal(t, render{visible: true, text: "4"}, f.badge.last())

	require.True(t, f.repo.MarkAllRead(ctx, "u1"))
	require.Equal(t, render{visible: false}, f.badge.last())
}

func TestActivateCapsLabel(t *testing.T) {
	f := newFixture(t, 1, fast)
	f.notify(t, "u1", 100)

	require.NoError(t, f.tracker.Activate(context.Background(), "u1"))
	require.Equal(t, render{visible: true, text: "99+"}, f.badge.last())
}

func TestActivateWaitsForLateAnchor(t *testing.T) {
	f := newFixture(t, 3, fast)

	require.NoError(t, f.tracker.Activate(context.Background(), "u1"))
	require.Equal(t, int32(3), f.anchor.probes.Load())
	require.Equal(t, MountedSubscribed, f.tracker.State())
	require.Equal(t, render{visible: false}, f.badge.last())
}

func TestActivateGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, 0, fast)

	err := f.tracker.Activate(context.Background(), "u1")
	require.ErrorIs(t, err, await.ErrExhausted)
	require.Equal(t, int32(6), f.anchor.probes.Load())
	require.Equal(t, Unmounted, f.tracker.State())
	require.Equal(t, 0, f.store.Listeners())

	// A later explicit activation starts a fresh bounded wait.
	f.anchor.mountAt = 7
	require.NoError(t, f.tracker.Activate(context.Background(), "u1"))
	require.Equal(t, MountedSubscribed, f.tracker.State())
}

func TestSwitchingRecipientReplacesFeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, fast)
	f.notify(t, "u1", 2)
	f.notify(t, "u2", 5)

	require.NoError(t, f.tracker.Activate(ctx, "u1"))
	require.NoError(t, f.tracker.Activate(ctx, "u2"))
	require.Equal(t, 1, f.store.Listeners())
	require.Equal(t, render{visible: true, text: "5"}, f.badge.last())

	before := f.badge.count()
	f.notify(t, "u1", 1)
	require.Equal(t, before, f.badge.count(), "stale feed rendered")
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, fast)
	f.notify(t, "u1", 2)
	require.NoError(t, f.tracker.Activate(ctx, "u1"))

	f.tracker.Deactivate()
	require.Equal(t, MountedIdle, f.tracker.State())
	require.Equal(t, 0, f.store.Listeners())
	require.Equal(t, render{visible: false}, f.badge.last())
	require.Empty(t, f.tracker.Recipient())

	before := f.badge.count()
	f.notify(t, "u1", 1)
	require.Equal(t, before, f.badge.count())
}

func TestDeactivateDuringAnchorWait(t *testing.T) {
	f := newFixture(t, 0, Options{Retries: 5, Delay: time.Hour})

	errc := make(chan error, 1)
	go func() { errc <- f.tracker.Activate(context.Background(), "u1") }()
	require.Eventually(t, func() bool { return f.anchor.probes.Load() >= 1 }, time.Second, time.Millisecond)

	f.tracker.Deactivate()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("Activate still waiting after Deactivate")
	}
}

func TestActivateContextCancelled(t *testing.T) {
	f := newFixture(t, 0, Options{Retries: 5, Delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.tracker.Activate(ctx, "u1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestBindFollowsSession(t *testing.T) {
	f := newFixture(t, 1, fast)
	f.notify(t, "u1", 2)
	session := identity.NewSession()

	unbind := f.tracker.Bind(context.Background(), session)
	defer unbind()

	session.SignIn(identity.Identity{UID: "u1"})
	require.Eventually(t, func() bool { return f.tracker.State() == MountedSubscribed }, time.Second, time.Millisecond)
	require.Equal(t, render{visible: true, text: "2"}, f.badge.last())

	session.SignOut()
	require.Equal(t, MountedIdle, f.tracker.State())
	require.Equal(t, 0, f.store.Listeners())
	require.Equal(t, render{visible: false}, f.badge.last())
}

func TestCloseAbortsPendingActivation(t *testing.T) {
	f := newFixture(t, 0, Options{Retries: 5, Delay: time.Hour})
	session := identity.NewSession()
	f.tracker.Bind(context.Background(), session)
	session.SignIn(identity.Identity{UID: "u1"})
	require.Eventually(t, func() bool { return f.anchor.probes.Load() >= 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.tracker.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a pending activation")
	}

	require.True(t, errors.Is(f.tracker.Activate(context.Background(), "u1"), ErrClosed))
}
