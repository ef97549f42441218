package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore is a Store backed by Cloud Firestore.
type Firestore struct {
	client *firestore.Client
	logger *slog.Logger
}

// NewFirestore wraps an initialized Firestore client.
func NewFirestore(client *firestore.Client, logger *slog.Logger) *Firestore {
	return &Firestore{client: client, logger: logger}
}

// Add creates a document with an auto-generated id.
func (f *Firestore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	var id string
	err := retry.Do(
		func() error {
			ref, _, err := f.client.Collection(collection).Add(ctx, toFirestore(data))
			if err != nil {
				return classify(fmt.Errorf("add to %s: %w", collection, err))
			}
			id = ref.ID
			return nil
		},
		f.retryOptions(ctx, "add", collection)...,
	)
	if err != nil {
		return "", fmt.Errorf("add after retries: %w", err)
	}
	f.logger.Debug("Document added", "collection", collection, "id", id)
	return id, nil
}

// Find runs q once and returns every matching document.
func (f *Firestore) Find(ctx context.Context, q Query) ([]Document, error) {
	var docs []Document
	err := retry.Do(
		func() error {
			snaps, err := f.query(q).Documents(ctx).GetAll()
			if err != nil {
				return classify(fmt.Errorf("query %s: %w", q.Collection, err))
			}
			docs = fromSnapshots(snaps)
			return nil
		},
		f.retryOptions(ctx, "find", q.Collection)...,
	)
	if err != nil {
		return nil, fmt.Errorf("find after retries: %w", err)
	}
	return docs, nil
}

// Update merges fields into an existing document.
func (f *Firestore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	updates := make([]firestore.Update, 0, len(fields))
	for path, value := range toFirestore(fields) {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}

	err := retry.Do(
		func() error {
			_, err := f.client.Collection(collection).Doc(id).Update(ctx, updates)
			if status.Code(err) == codes.NotFound {
				return retry.Unrecoverable(fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound))
			}
			if err != nil {
				return classify(fmt.Errorf("update %s/%s: %w", collection, id, err))
			}
			return nil
		},
		f.retryOptions(ctx, "update", collection)...,
	)
	if err != nil {
		return fmt.Errorf("update after retries: %w", err)
	}
	return nil
}

// Listen attaches a snapshot listener. Snapshots are delivered from a single
// goroutine; cancel stops delivery synchronously and waits for that goroutine.
func (f *Firestore) Listen(ctx context.Context, q Query, onSnapshot func([]Document), onError func(error)) func() {
	ctx, stopIter := context.WithCancel(ctx)
	fd := newFeed(onSnapshot, onError)
	it := f.query(q).Snapshots(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var version uint64
		for {
			snap, err := it.Next()
			if err != nil {
				if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled || ctx.Err() != nil {
					return
				}
				f.logger.Warn("Live query failed", "collection", q.Collection, "error", err)
				fd.fail(fmt.Errorf("listen %s: %w", q.Collection, err))
				return
			}
			snaps, err := snap.Documents.GetAll()
			if err != nil {
				fd.fail(fmt.Errorf("read snapshot %s: %w", q.Collection, err))
				return
			}
			version++
			fd.deliver(version, fromSnapshots(snaps))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			fd.stop()
			stopIter()
			it.Stop()
			wg.Wait()
		})
	}
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) query(q Query) firestore.Query {
	fq := f.client.Collection(q.Collection).Query
	for _, filter := range q.Filters {
		fq = fq.Where(filter.Field, "==", filter.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Descending {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	return fq
}

func (f *Firestore) retryOptions(ctx context.Context, op, collection string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(2 * time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying Firestore operation after error", "op", op, "collection", collection, "attempt", n, "error", err)
		}),
	}
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	switch status.Code(errors.Unwrap(err)) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition, codes.NotFound:
		return retry.Unrecoverable(err)
	}
	return err
}

func toFirestore(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if v == ServerTimestamp {
			v = firestore.ServerTimestamp
		}
		out[k] = v
	}
	return out
}

func fromSnapshots(snaps []*firestore.DocumentSnapshot) []Document {
	docs := make([]Document, 0, len(snaps))
	for _, s := range snaps {
		docs = append(docs, Document{ID: s.Ref.ID, Data: s.Data()})
	}
	return docs
}
