// Package storage handles persistence of the subscription and last-seen registries.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"letterboxd-notifier/pkg/notifier"
)

// stateObject is the single snapshot holding both registries.
const stateObject = "state.json"

// Store persists registry snapshots to a local directory or a GCS bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a storage handler. Exactly one of bucket and localPath should
// be set; localPath wins when both are.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Load reads the last saved snapshot. A missing file or object is a first
// run and yields an empty state; a snapshot that exists but does not parse is
// an error, surfaced rather than silently overwritten later.
func (s *Store) Load(ctx context.Context) (*notifier.State, error) {
	var data []byte

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, stateObject)
		var err error
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Info("No prior state found, starting empty", "path", filePath)
				return notifier.NewState(), nil
			}
			return nil, fmt.Errorf("read local state: %w", err)
		}
	} else {
		var err error
		data, err = s.readObject(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				s.logger.Info("No prior state found, starting empty", "bucket", s.bucket)
				return notifier.NewState(), nil
			}
			return nil, err
		}
	}

	state := notifier.NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if state.Subscriptions == nil {
		state.Subscriptions = make(map[int64]string)
	}
	if state.LastSeen == nil {
		state.LastSeen = make(map[string]string)
	}

	s.logger.Info("State loaded",
		"subscriptions", len(state.Subscriptions),
		"markers", len(state.LastSeen))
	return state, nil
}

// Save writes the snapshot durably. The local backend writes a temp file,
// syncs it, and renames over the old snapshot so a crash mid-write cannot
// corrupt the previous one. GCS object writes commit atomically on Close.
func (s *Store) Save(ctx context.Context, state *notifier.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, stateObject)
		if err := writeFileAtomic(filePath, data); err != nil {
			return fmt.Errorf("write local state: %w", err)
		}
		s.logger.Debug("State saved to local storage",
			"path", filePath,
			"subscriptions", len(state.Subscriptions))
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(stateObject).NewWriter(ctx)
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
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("State saved",
		"bucket", s.bucket,
		"subscriptions", len(state.Subscriptions))
	return nil
}

func (s *Store) readObject(ctx context.Context) ([]byte, error) {
	var data []byte
	var notFound bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(stateObject).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(openErr)
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
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		if notFound {
			return nil, storage.ErrObjectNotExist
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// writeFileAtomic replaces the file at path via write-temp, fsync, rename.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
