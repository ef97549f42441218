package audience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"museum-notifier/docstore"
	"museum-notifier/pkg/notifier"
)

// UsersCollection holds registered recipients.
const UsersCollection = "Users"

const recipientsKey = "recipients"

// DefaultDirectoryTTL is how long a loaded recipient list is reused.
const DefaultDirectoryTTL = 10 * time.Minute

// Directory loads every recipient from the Users collection and caches the
// list for a fixed TTL.
type Directory struct {
	store  docstore.Store
	cache  *cache.Cache
	logger *slog.Logger
}

// NewDirectory creates a directory. A non-positive ttl selects DefaultDirectoryTTL.
func NewDirectory(store docstore.Store, ttl time.Duration, logger *slog.Logger) *Directory {
	if ttl <= 0 {
		ttl = DefaultDirectoryTTL
	}
	// A single key expires lazily on Get, so no janitor goroutine is started.
	return &Directory{store: store, cache: cache.New(ttl, 0), logger: logger}
}

// Recipients returns all recipients, from cache when fresh.
func (d *Directory) Recipients(ctx context.Context) ([]notifier.Recipient, error) {
	if cached, found := d.cache.Get(recipientsKey); found {
		if list, ok := cached.([]notifier.Recipient); ok {
			return list, nil
		}
	}

	docs, err := d.store.Find(ctx, docstore.Query{Collection: UsersCollection})
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	list := make([]notifier.Recipient, 0, len(docs))
	for _, doc := range docs {
		var r notifier.Recipient
		if err := docstore.Decode(doc, &r); err != nil {
			d.logger.Warn("Skipping malformed user", "user_id", doc.ID, "error", err)
			continue
		}
		r.ID = doc.ID
		list = append(list, r)
	}

	d.cache.Set(recipientsKey, list, cache.DefaultExpiration)
	d.logger.Info("Recipient directory loaded", "count", len(list))
	return list, nil
}

// Lookup returns one recipient by id.
func (d *Directory) Lookup(ctx context.Context, id string) (notifier.Recipient, bool) {
	list, err := d.Recipients(ctx)
	if err != nil {
		d.logger.Warn("Recipient lookup failed", "user_id", id, "error", err)
		return notifier.Recipient{}, false
	}
	for _, r := range list {
		if r.ID == id {
			return r, true
		}
	}
	return notifier.Recipient{}, false
}

// Invalidate drops the cached list so the next call reloads it.
func (d *Directory) Invalidate() {
	d.cache.Flush()
}

// Language returns the recipient's preferred language, or "" when unknown.
func (d *Directory) Language(ctx context.Context, id string) string {
	r, ok := d.Lookup(ctx, id)
	if !ok {
		return ""
	}
	return r.Language
}
