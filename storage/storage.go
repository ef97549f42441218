// Package storage is a flat string-keyed key-value store for small JSON
// payloads, backed by a local directory, a Cloud Storage bucket or Redis.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key has never been set.
var ErrNotFound = errors.New("storage: object doesn't exist")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Store handles key-value persistence. Exactly one backend is active:
// localPath if set, else Redis if set, else the Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	redis     *redis.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	prefix    string
}

// Config selects the backend.
type Config struct {
	Client    *storage.Client
	Redis     *redis.Client
	Bucket    string
	LocalPath string
	Prefix    string // namespace for object names and Redis keys
}

// New creates a new storage handler.
func New(cfg Config, logger *slog.Logger) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "kv-"
	}
	return &Store{
		client:    cfg.Client,
		redis:     cfg.Redis,
		logger:    logger,
		localPath: cfg.LocalPath,
		bucket:    cfg.Bucket,
		prefix:    prefix,
	}
}

// Backend names the active backend for logging.
func (s *Store) Backend() string {
	switch {
	case s.localPath != "":
		return "local"
	case s.redis != nil:
		return "redis"
	default:
		return "gcs"
	}
}

// ObjectKey maps a logical key to a safe object name.
// Keys outside [A-Za-z0-9_-] are rejected to prevent path traversal.
func (s *Store) ObjectKey(key string) string {
	if !keyPattern.MatchString(key) {
		return ""
	}
	return s.prefix + key + ".json"
}

// Set stores data under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, data []byte) error {
	obj := s.ObjectKey(key)
	if obj == "" {
		return fmt.Errorf("invalid key %q", key)
	}
	s.logger.Debug("Saving value", "key", obj, "bytes", len(data))

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, obj)
		tmp := filePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("replace local storage file: %w", err)
		}
		return nil
	}

	if s.redis != nil {
		err := retry.Do(
			func() error {
				if err := s.redis.Set(ctx, obj, data, 0).Err(); err != nil {
					return fmt.Errorf("redis set: %w", err)
				}
				return nil
			},
			s.retryOptions(ctx, "save", obj)...,
		)
		if err != nil {
			return fmt.Errorf("save after retries: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(obj).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		s.retryOptions(ctx, "save", obj)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// Get loads the value stored under key. It returns ErrNotFound when unset.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj := s.ObjectKey(key)
	if obj == "" {
		return nil, fmt.Errorf("invalid key %q", key)
	}

	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, obj))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	if s.redis != nil {
		err := retry.Do(
			func() error {
				v, err := s.redis.Get(ctx, obj).Bytes()
				if errors.Is(err, redis.Nil) {
					return retry.Unrecoverable(ErrNotFound)
				}
				if err != nil {
					return fmt.Errorf("redis get: %w", err)
				}
				data = v
				return nil
			},
			s.retryOptions(ctx, "load", obj)...,
		)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(obj).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		s.retryOptions(ctx, "load", obj)...,
	)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	obj := s.ObjectKey(key)
	if obj == "" {
		return fmt.Errorf("invalid key %q", key)
	}
	s.logger.Debug("Deleting value", "key", obj)

	// Local filesystem storage
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, obj)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	if s.redis != nil {
		if err := s.redis.Del(ctx, obj).Err(); err != nil {
			return fmt.Errorf("redis delete: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(obj).Delete(ctx); deleteErr != nil {
				// Don't retry on "not found" errors - deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		s.retryOptions(ctx, "delete", obj)...,
	)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// IsNotFound checks if an error indicates a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (s *Store) retryOptions(ctx context.Context, op, obj string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", obj, "error", retryErr)
		}),
	}
}
