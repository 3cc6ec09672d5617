package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	maestroerrors "maestro/internal/errors"
	"maestro/internal/logging"
)

// namePattern restricts namespace parts and keys to filesystem-safe tokens.
// IDs are ksuid/uuid based with stable prefixes, so this never bites in
// practice; it exists to keep a hostile key from escaping the base dir.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// FileStore persists each (namespace, key) as one JSON-readable file under
// baseDir/<namespace parts>/<key>.json. Writes go through a temp file and
// rename so a crashed write never leaves a torn checkpoint behind.
type FileStore struct {
	baseDir string
	logger  logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the base directory if needed. "~/" expands to the
// user's home directory.
func NewFileStore(baseDir string, logger logging.Logger) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, &maestroerrors.StoreUnavailableError{Err: err}
	}
	store := &FileStore{
		baseDir: baseDir,
		logger:  logging.WithComponent(logger, "CheckpointFileStore"),
		locks:   map[string]*sync.Mutex{},
	}
	store.logger.Info("Checkpoint file store ready at %s", baseDir)
	return store, nil
}

// keyLock returns the per-key mutex, creating it on first use.
func (s *FileStore) keyLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

func (s *FileStore) path(ns Namespace, key string) (string, error) {
	if len(ns) == 0 {
		return "", fmt.Errorf("empty namespace")
	}
	parts := make([]string, 0, len(ns)+1)
	for _, part := range ns {
		if !namePattern.MatchString(part) {
			return "", fmt.Errorf("unsafe namespace part %q", part)
		}
		parts = append(parts, part)
	}
	if !namePattern.MatchString(key) {
		return "", fmt.Errorf("unsafe key %q", key)
	}
	parts = append(parts, key+".json")
	return filepath.Join(append([]string{s.baseDir}, parts...)...), nil
}

// Put writes one blob atomically: temp file, sync, rename.
func (s *FileStore) Put(ctx context.Context, ns Namespace, key string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(ns, key)
	if err != nil {
		return err
	}

	lock := s.keyLock(path)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &maestroerrors.StoreUnavailableError{Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+key+".*")
	if err != nil {
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	return nil
}

// Get reads the latest committed blob.
func (s *FileStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(ns, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &maestroerrors.StoreUnavailableError{Err: err}
	}
	return data, nil
}

// Delete removes a key. Missing keys are fine; the goal state is reached.
func (s *FileStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(ns, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	return nil
}

// List returns the keys in a namespace, without the .json suffix.
func (s *FileStore) List(ctx context.Context, ns Namespace) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirPath, err := s.path(ns, "placeholder")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Dir(dirPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &maestroerrors.StoreUnavailableError{Err: err}
	}
	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}

// Ping verifies the base directory is usable.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.baseDir); err != nil {
		return &maestroerrors.StoreUnavailableError{Err: err}
	}
	return nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }
