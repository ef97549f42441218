// Package badge keeps a page's unread-notification badge in sync with the
// signed-in recipient's live unread count.
package badge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"museum-notifier/await"
	"museum-notifier/identity"
	"museum-notifier/metrics"
)

// State is the tracker's position relative to the page anchor and the feed.
type State int

// Tracker states.
const (
	Unmounted State = iota
	MountedIdle
	MountedSubscribed
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case MountedIdle:
		return "mounted_idle"
	case MountedSubscribed:
		return "mounted_subscribed"
	}
	return "unknown"
}

var (
	// ErrSuperseded is returned by an activation that a later Activate,
	// Deactivate or Close overtook.
	ErrSuperseded = errors.New("badge: activation superseded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("badge: tracker closed")
)

// Badge is the rendered indicator. Implementations must be safe for
// concurrent use.
type Badge interface {
	Render(visible bool, text string)
}

// Anchor locates the page element the badge hangs off, which may appear
// after the tracker is activated.
type Anchor interface {
	Badge() (Badge, bool)
}

// CountSource opens live unread-count feeds.
type CountSource interface {
	SubscribeUnreadCount(ctx context.Context, recipientID string, onCount func(int), onError func(error)) (cancel func())
}

// Options bound the wait for a late anchor.
type Options struct {
	Retries uint
	Delay   time.Duration
}

// DefaultOptions retries five times, 500ms apart.
var DefaultOptions = Options{Retries: 5, Delay: 500 * time.Millisecond}

// Label is the badge text for n unread notifications.
func Label(n int) string {
	if n > 99 {
		return "99+"
	}
	return strconv.Itoa(n)
}

// Tracker drives one page's badge. At most one feed is live at a time.
type Tracker struct {
	source  CountSource
	anchor  Anchor
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	mu         sync.Mutex
	state      State
	badge      Badge
	recipient  string
	cancelFeed func()
	cancelWait context.CancelFunc
	closed     bool

	// gen is bumped under mu by every transition; feed callbacks compare it
	// under renderMu without taking mu.
	gen      atomic.Uint64
	renderMu sync.Mutex

	bindWG sync.WaitGroup
}

// New creates an unmounted tracker.
func New(source CountSource, anchor Anchor, opts Options, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	return &Tracker{source: source, anchor: anchor, opts: opts, metrics: m, logger: logger}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Recipient returns the recipient whose feed is live, if any.
func (t *Tracker) Recipient() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recipient
}

// Activate waits for the anchor, then attaches a feed for recipientID,
// replacing any previous feed. It blocks for at most the configured retries.
func (t *Tracker) Activate(ctx context.Context, recipientID string) error {
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	gen := t.advanceLocked()
	prior := t.detachLocked()
	t.cancelWait = cancelWait
	t.mu.Unlock()
	t.release(prior)

	badge, err := await.Until(waitCtx, t.mount, await.Options{
		Retries: t.opts.Retries,
		Delay:   t.opts.Delay,
		OnRetry: func(attempt, retries uint) {
			t.logger.Debug("Badge anchor not mounted, retrying", "attempt", attempt, "retries", retries, "recipient_id", recipientID)
		},
	})
	if err != nil {
		if t.gen.Load() != gen {
			return ErrSuperseded
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("mount badge: %w", ctxErr)
		}
		t.metrics.RecordMountFailure()
		t.logger.Error("Failed to mount notification badge", "recipient_id", recipientID, "error", err)
		return fmt.Errorf("mount badge: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.gen.Load() != gen {
		return ErrSuperseded
	}
	t.cancelWait = nil
	// Feed callbacks never take mu, so the synchronous first snapshot is safe here.
	t.cancelFeed = t.source.SubscribeUnreadCount(ctx, recipientID,
		func(n int) { t.render(gen, badge, n) },
		func(error) { t.render(gen, badge, 0) },
	)
	t.recipient = recipientID
	t.state = MountedSubscribed
	t.metrics.FeedAttached()
	t.logger.Info("Badge subscribed", "recipient_id", recipientID)
	return nil
}

// Deactivate cancels the live feed and hides the badge.
func (t *Tracker) Deactivate() {
	t.mu.Lock()
	t.advanceLocked()
	prior := t.detachLocked()
	badge := t.badge
	t.mu.Unlock()

	t.release(prior)
	t.hide(badge)
}

// Bind follows session: sign-in activates the tracker for the new identity,
// sign-out deactivates it. Activations run on their own goroutines so the
// caller that changed the session is never blocked by the anchor wait.
func (t *Tracker) Bind(ctx context.Context, session *identity.Session) (unbind func()) {
	return session.OnChange(func(id identity.Identity, signedIn bool) {
		if !signedIn {
			t.Deactivate()
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.bindWG.Add(1)
		t.mu.Unlock()
		go func() {
			defer t.bindWG.Done()
			if err := t.Activate(ctx, id.UID); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) {
				t.logger.Warn("Badge activation failed", "recipient_id", id.UID, "error", err)
			}
		}()
	})
}

// Close deactivates the tracker for good and waits for bound activations to
// return.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.Deactivate()
	t.bindWG.Wait()
}

type detached struct {
	cancelFeed func()
	cancelWait context.CancelFunc
}

func (t *Tracker) advanceLocked() uint64 {
	return t.gen.Add(1)
}

// detachLocked takes ownership of the live feed and any pending anchor wait
// and moves the state back to idle.
func (t *Tracker) detachLocked() detached {
	d := detached{cancelFeed: t.cancelFeed, cancelWait: t.cancelWait}
	t.cancelFeed, t.cancelWait = nil, nil
	t.recipient = ""
	if t.state == MountedSubscribed {
		t.state = MountedIdle
	}
	return d
}

func (t *Tracker) release(d detached) {
	if d.cancelWait != nil {
		d.cancelWait()
	}
	if d.cancelFeed != nil {
		d.cancelFeed()
		t.metrics.FeedDetached()
	}
}

func (t *Tracker) mount() (Badge, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.badge != nil {
		return t.badge, true
	}
	b, ok := t.anchor.Badge()
	if !ok {
		return nil, false
	}
	t.badge = b
	t.state = MountedIdle
	t.logger.Debug("Badge mounted")
	return b, true
}

func (t *Tracker) render(gen uint64, b Badge, n int) {
	t.renderMu.Lock()
	defer t.renderMu.Unlock()
	if t.gen.Load() != gen {
		return
	}
	if n > 0 {
		b.Render(true, Label(n))
		return
	}
	b.Render(false, "")
}

func (t *Tracker) hide(b Badge) {
	if b == nil {
		return
	}
	t.renderMu.Lock()
	defer t.renderMu.Unlock()
	b.Render(false, "")
}
