// Package notifications stores per-recipient notifications in the document
// store and exposes one-shot queries, live feeds and read-state updates.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"museum-notifier/docstore"
	"museum-notifier/metrics"
	"museum-notifier/pkg/notifier"
)

// Collection is the document-store collection holding notifications.
const Collection = "Notifications"

// Document field names.
const (
	fieldRecipient      = "userId"
	fieldKind           = "type"
	fieldTitle          = "title"
	fieldMessage        = "message"
	fieldRelatedID      = "relatedId"
	fieldRelatedTitle   = "relatedTitle"
	fieldCategory       = "category"
	fieldBookingDetails = "bookingDetails"
	fieldIsRead         = "isRead"
	fieldCreatedAt      = "createdAt"
)

// Draft is the caller-supplied content of a notification to create.
type Draft struct {
	RecipientID  string
	Kind         notifier.Kind
	Title        string
	Message      string
	RelatedID    string
	RelatedTitle string
	Category     string // news only
}

// Repository creates, lists and updates notifications. Public methods never
// return store errors: failures are logged and reported as false, zero or an
// empty list.
type Repository struct {
	store   docstore.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	loc     *time.Location
}

// New creates a repository. Localized dates are rendered in loc.
func New(store docstore.Store, loc *time.Location, m *metrics.Metrics, logger *slog.Logger) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{store: store, loc: loc, metrics: m, logger: logger}
}

// Messages returns the localized wording for a language preference.
func (r *Repository) Messages(lang string) *notifier.Messages {
	return notifier.Localize(r.loc, lang)
}

// Create persists an unread notification stamped with the store's time.
func (r *Repository) Create(ctx context.Context, d Draft) bool {
	return r.add(ctx, d, nil)
}

func (r *Repository) add(ctx context.Context, d Draft, booking *notifier.BookingDetails) bool {
	if !d.Kind.Valid() {
		r.logger.Error("Refusing notification of unknown type", "recipient_id", d.RecipientID, "type", d.Kind)
		r.metrics.RecordCreate(string(d.Kind), false)
		return false
	}
	data := map[string]any{
		fieldRecipient:    d.RecipientID,
		fieldKind:         string(d.Kind),
		fieldTitle:        d.Title,
		fieldMessage:      d.Message,
		fieldRelatedID:    d.RelatedID,
		fieldRelatedTitle: d.RelatedTitle,
		fieldIsRead:       false,
		fieldCreatedAt:    docstore.ServerTimestamp,
	}
	if d.Category != "" {
		data[fieldCategory] = d.Category
	}
	if booking != nil {
		data[fieldBookingDetails] = bookingFields(*booking)
	}

	id, err := r.store.Add(ctx, Collection, data)
	r.metrics.RecordCreate(string(d.Kind), err == nil)
	if err != nil {
		r.logger.Error("Failed to create notification",
			"recipient_id", d.RecipientID, "type", d.Kind, "related_id", d.RelatedID, "error", err)
		return false
	}
	r.logger.Info("Notification created", "id", id, "recipient_id", d.RecipientID, "type", d.Kind)
	return true
}

func bookingFields(b notifier.BookingDetails) map[string]any {
	return map[string]any{
		"bookingId":     b.BookingID,
		"visitInfo":     b.VisitInfo,
		"date":          b.Date,
		"time":          b.Time,
		"paymentMethod": b.PaymentMethod,
		"totalVisitors": b.TotalVisitors,
		"adults":        b.Adults,
		"children":      b.Children,
		"seniors":       b.Seniors,
		"total":         b.Total,
	}
}

// ListForRecipient returns the recipient's notifications, newest first.
func (r *Repository) ListForRecipient(ctx context.Context, recipientID string) []notifier.Notification {
	docs, err := r.store.Find(ctx, byRecipient(recipientID))
	if err != nil {
		r.logger.Error("Failed to list notifications", "recipient_id", recipientID, "error", err)
		return []notifier.Notification{}
	}
	return r.decodeAll(docs)
}

// Owns reports whether notification id belongs to recipientID.
func (r *Repository) Owns(ctx context.Context, recipientID, id string) bool {
	for _, n := range r.ListForRecipient(ctx, recipientID) {
		if n.ID == id {
			return true
		}
	}
	return false
}

// Subscribe delivers the recipient's full, newest-first list now and after
// every change. After the returned cancel function returns, onChange is not
// called again. Callers keep at most one subscription per recipient.
func (r *Repository) Subscribe(ctx context.Context, recipientID string, onChange func([]notifier.Notification)) (cancel func()) {
	return r.store.Listen(ctx, byRecipient(recipientID),
		func(docs []docstore.Document) {
			onChange(r.decodeAll(docs))
		},
		func(err error) {
			r.logger.Error("Notification feed failed", "recipient_id", recipientID, "error", err)
		},
	)
}

// SubscribeUnreadCount delivers the recipient's unread count now and after
// every change. onError, if set, is called when the feed breaks.
func (r *Repository) SubscribeUnreadCount(ctx context.Context, recipientID string, onCount func(int), onError func(error)) (cancel func()) {
	return r.store.Listen(ctx, unread(recipientID),
		func(docs []docstore.Document) {
			onCount(len(docs))
		},
		func(err error) {
			r.logger.Error("Unread-count feed failed", "recipient_id", recipientID, "error", err)
			if onError != nil {
				onError(err)
			}
		},
	)
}

// MarkRead flips one notification to read. Marking a read notification again
// succeeds.
func (r *Repository) MarkRead(ctx context.Context, id string) bool {
	err := r.store.Update(ctx, Collection, id, map[string]any{fieldIsRead: true})
	r.metrics.RecordRead("single", err == nil)
	if err != nil {
		r.logger.Error("Failed to mark notification read", "id", id, "error", err)
		return false
	}
	return true
}

// MarkAllRead flips every unread notification of the recipient. Updates run
// concurrently; every update is attempted even when some fail, and the
// result reports whether all of them succeeded.
func (r *Repository) MarkAllRead(ctx context.Context, recipientID string) bool {
	docs, err := r.store.Find(ctx, unread(recipientID))
	if err != nil {
		r.metrics.RecordRead("all", false)
		r.logger.Error("Failed to query unread notifications", "recipient_id", recipientID, "error", err)
		return false
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, doc := range docs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.store.Update(ctx, Collection, id, map[string]any{fieldIsRead: true}); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(doc.ID)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		r.metrics.RecordRead("all", false)
		r.logger.Error("Failed to mark some notifications read",
			"recipient_id", recipientID, "failed", len(errs), "total", len(docs), "error", err)
		return false
	}
	r.metrics.RecordRead("all", true)
	r.logger.Info("All notifications marked read", "recipient_id", recipientID, "count", len(docs))
	return true
}

// UnreadCount returns the number of unread notifications without opening a feed.
func (r *Repository) UnreadCount(ctx context.Context, recipientID string) int {
	docs, err := r.store.Find(ctx, unread(recipientID))
	if err != nil {
		r.logger.Error("Failed to count unread notifications", "recipient_id", recipientID, "error", err)
		return 0
	}
	return len(docs)
}

func byRecipient(recipientID string) docstore.Query {
	return docstore.Query{
		Collection: Collection,
		Filters:    []docstore.Filter{docstore.Where(fieldRecipient, recipientID)},
		OrderBy:    fieldCreatedAt,
		Descending: true,
	}
}

func unread(recipientID string) docstore.Query {
	return docstore.Query{
		Collection: Collection,
		Filters: []docstore.Filter{
			docstore.Where(fieldRecipient, recipientID),
			docstore.Where(fieldIsRead, false),
		},
	}
}

func (r *Repository) decodeAll(docs []docstore.Document) []notifier.Notification {
	out := make([]notifier.Notification, 0, len(docs))
	for _, doc := range docs {
		var n notifier.Notification
		if err := docstore.Decode(doc, &n); err != nil {
			r.logger.Warn("Skipping malformed notification", "id", doc.ID, "error", err)
			continue
		}
		n.ID = doc.ID
		out = append(out, n)
	}
	return out
}
