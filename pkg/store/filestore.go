package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const entryExt = ".json"

// fileRecord is the on-disk form of one entry.
type fileRecord struct {
	Key string `json:"key"`
	Entry
}

// FileStore keeps one JSON file per key in a directory. The directory is
// created on first write. Writes go through a temporary file and an atomic
// rename, so readers never observe a partial entry.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir.
// If dir is empty, defaults to ~/.pilot/cache
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("store: failed to get user home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".pilot", "cache")
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the entry files.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// pathForKey maps a key to a file name that is safe on every platform.
func (fs *FileStore) pathForKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(fs.dir, hex.EncodeToString(sum[:])+entryExt)
}

// Get reads the entry for key.
func (fs *FileStore) Get(_ context.Context, key string) (Entry, error) {
	b, err := os.ReadFile(fs.pathForKey(key))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("store: read %s: %w", key, err)
	}

	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return Entry{}, fmt.Errorf("store: decode %s: %w", key, err)
	}
	if rec.Key != key {
		// Hash collision or a hand-edited file; either way not our entry.
		return Entry{}, ErrNotFound
	}
	return rec.Entry, nil
}

// Put writes the entry for key atomically.
func (fs *FileStore) Put(_ context.Context, key string, e Entry) error {
	if err := os.MkdirAll(fs.dir, 0o750); err != nil {
		return fmt.Errorf("store: create directory %s: %w", fs.dir, err)
	}

	b, err := json.Marshal(fileRecord{Key: key, Entry: e})
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(fs.dir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath) // best-effort cleanup
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: close temp file: %w", err)
	}

	path := fs.pathForKey(key)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: atomic rename %s: %w", path, err)
	}
	return nil
}

// Delete removes the entry for key.
func (fs *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(fs.pathForKey(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every entry file. Unrelated files in the directory are kept.
func (fs *FileStore) Clear(_ context.Context) error {
	entries, err := os.ReadDir(fs.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: list %s: %w", fs.dir, err)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), entryExt) {
			continue
		}
		if err := os.Remove(filepath.Join(fs.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("store: clear %s: %w", fs.dir, errors.Join(errs...))
	}
	return nil
}

// Close is a no-op; the file store holds no open handles.
func (fs *FileStore) Close() error {
	return nil
}
