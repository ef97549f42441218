// Package requests persists pending "notify me" opt-ins as a single JSON list
// in the key-value store. Every mutation rewrites the whole list.
package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"museum-notifier/pkg/notifier"
	"museum-notifier/storage"
)

// DefaultKey is the storage key holding the request list.
const DefaultKey = "notifyMeRequests"

// KV is the flat key-value storage the list lives in.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Store is the persistent request store. A process-local mutex serializes the
// read-modify-write cycles of concurrent callers.
type Store struct {
	kv     KV
	logger *slog.Logger
	key    string
	mu     sync.Mutex
}

// New creates a request store over kv. An empty key selects DefaultKey.
func New(kv KV, key string, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{kv: kv, key: key, logger: logger}
}

// Add inserts req unless a request for the same recipient and event already
// exists. It reports whether an insertion happened; storage failures are
// logged and reported as false.
func (s *Store) Add(ctx context.Context, req notifier.PendingRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read(ctx)
	if err != nil {
		s.logger.Error("Failed to read notify-me requests, not saving", "recipient_id", req.RecipientID, "event_id", req.EventID, "error", err)
		return false
	}
	if slices.ContainsFunc(list, req.SameTarget) {
		s.logger.Debug("Notify-me request already pending", "recipient_id", req.RecipientID, "event_id", req.EventID)
		return false
	}

	list = append(list, req)
	if err := s.save(ctx, list); err != nil {
		s.logger.Error("Failed to save notify-me request", "recipient_id", req.RecipientID, "event_id", req.EventID, "error", err)
		return false
	}

	s.logger.Info("Notify-me request saved", "recipient_id", req.RecipientID, "event_id", req.EventID, "event_date", req.EventDate)
	return true
}

// List returns every pending request. Missing or corrupt storage, or a failed
// read, yields an empty list.
func (s *Store) List(ctx context.Context) []notifier.PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read(ctx)
	if err != nil {
		s.logger.Warn("Failed to read notify-me requests, treating as empty", "key", s.key, "error", err)
		return []notifier.PendingRequest{}
	}
	return list
}

// Remove deletes the request for the given recipient and event, if any. The
// key is dropped once the list is empty.
func (s *Store) Remove(ctx context.Context, recipientID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := notifier.PendingRequest{RecipientID: recipientID, EventID: eventID}
	list, err := s.read(ctx)
	if err != nil {
		return fmt.Errorf("remove request %s/%s: %w", recipientID, eventID, err)
	}
	kept := slices.DeleteFunc(list, target.SameTarget)
	if len(kept) == 0 {
		if err := s.kv.Delete(ctx, s.key); err != nil {
			return fmt.Errorf("remove request %s/%s: %w", recipientID, eventID, err)
		}
		return nil
	}
	if err := s.save(ctx, kept); err != nil {
		return fmt.Errorf("remove request %s/%s: %w", recipientID, eventID, err)
	}
	return nil
}

// read loads the stored list. A missing key or corrupt content is an empty
// list; any other storage error is returned so mutations never overwrite data
// they could not see.
func (s *Store) read(ctx context.Context) ([]notifier.PendingRequest, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if storage.IsNotFound(err) {
			return []notifier.PendingRequest{}, nil
		}
		return nil, fmt.Errorf("read requests: %w", err)
	}

	var list []notifier.PendingRequest
	if err := json.Unmarshal(data, &list); err != nil {
		s.logger.Warn("Corrupt notify-me request list, treating as empty", "key", s.key, "error", err)
		return []notifier.PendingRequest{}, nil
	}
	if list == nil {
		list = []notifier.PendingRequest{}
	}
	return list, nil
}

func (s *Store) save(ctx context.Context, list []notifier.PendingRequest) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal requests: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("write requests: %w", err)
	}
	return nil
}
