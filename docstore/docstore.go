// Package docstore is the document-store contract used by the notification
// service: collection-scoped create, equality-filter queries with an optional
// sort, update by id, and live queries that deliver full snapshots.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ErrNotFound is returned when an update targets a document that does not exist.
var ErrNotFound = errors.New("docstore: document not found")

type serverTimestamp struct{}

// ServerTimestamp is a field value replaced by the store's own clock on write.
var ServerTimestamp any = serverTimestamp{}

// Filter restricts a query to documents whose Field equals Value.
type Filter struct {
	Value any
	Field string
}

// Where builds an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Query selects documents from one collection.
type Query struct {
	Collection string
	OrderBy    string // empty means store order
	Filters    []Filter
	Descending bool
}

// Document is one stored record.
type Document struct {
	Data map[string]any
	ID   string
}

// Store is implemented by Memory and Firestore.
type Store interface {
	// Add creates a document and returns its store-assigned id.
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	// Find runs a one-shot query.
	Find(ctx context.Context, q Query) ([]Document, error)
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Listen delivers the full, sorted result set of q now and after every
	// change to it. The returned cancel function detaches the feed; once it
	// returns, onSnapshot is never invoked again. onSnapshot must not call
	// cancel itself.
	Listen(ctx context.Context, q Query, onSnapshot func([]Document), onError func(error)) (cancel func())
	Close() error
}

// Decode copies a document's fields into out, a pointer to a struct tagged
// with `firestore:"name"`. Both backends hand back the same value shapes:
// time.Time for timestamps, nested maps and []any for arrays.
func Decode(doc Document, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "firestore",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(doc.Data); err != nil {
		return fmt.Errorf("decode document %s: %w", doc.ID, err)
	}
	return nil
}
