package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	storedTokenFile = "token"
	featuresFile    = "features.json"
)

// FileTokenStore persists the stored token under a data directory while
// keeping the scraped token session-scoped in memory. The token is sealed
// with a per-install AES-GCM key so a casual directory listing does not
// expose a live API credential.
type FileTokenStore struct {
	dir string
	key []byte
	mem *MemoryTokenStore
	mu  sync.Mutex
}

// NewFileTokenStore creates the store and loads a previously persisted
// stored token if one exists.
func NewFileTokenStore(dir string) (*FileTokenStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	key, err := loadOrCreateKey(dir)
	if err != nil {
		return nil, err
	}
	s := &FileTokenStore{dir: dir, key: key, mem: NewMemoryTokenStore()}
	sealed, err := os.ReadFile(filepath.Join(dir, storedTokenFile))
	switch {
	case err == nil:
		token, err := openToken(s.key, sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypting stored token: %w", err)
		}
		_ = s.mem.SetStored(context.Background(), strings.TrimSpace(string(token)))
	case errors.Is(err, fs.ErrNotExist):
		// first run
	default:
		return nil, fmt.Errorf("reading stored token: %w", err)
	}
	return s, nil
}

func (s *FileTokenStore) Resolve(ctx context.Context) (Credentials, error) {
	return s.mem.Resolve(ctx)
}

func (s *FileTokenStore) SetStored(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := sealToken(s.key, []byte(token))
	if err != nil {
		return fmt.Errorf("encrypting stored token: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, storedTokenFile), sealed, 0o600); err != nil {
		return fmt.Errorf("persisting stored token: %w", err)
	}
	return s.mem.SetStored(ctx, token)
}

func (s *FileTokenStore) SetScraped(ctx context.Context, token string) error {
	return s.mem.SetScraped(ctx, token)
}

// FileFeatureStore persists the flag record as JSON under the data
// directory, seeding defaults on first run.
type FileFeatureStore struct {
	path string
	mem  *MemoryFeatureStore
	mu   sync.Mutex
}

// NewFileFeatureStore loads the persisted flags, writing the defaults if no
// record exists yet.
func NewFileFeatureStore(dir string) (*FileFeatureStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	s := &FileFeatureStore{
		path: filepath.Join(dir, featuresFile),
		mem:  NewMemoryFeatureStore(),
	}
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var f Features
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", featuresFile, err)
		}
		_ = s.mem.Set(context.Background(), f)
	case errors.Is(err, fs.ErrNotExist):
		if err := s.flush(DefaultFeatures()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("reading %s: %w", featuresFile, err)
	}
	return s, nil
}

func (s *FileFeatureStore) Get(ctx context.Context) (Features, error) {
	return s.mem.Get(ctx)
}

func (s *FileFeatureStore) Set(ctx context.Context, f Features) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flush(f); err != nil {
		return err
	}
	return s.mem.Set(ctx, f)
}

func (s *FileFeatureStore) flush(f Features) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding features: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("persisting features: %w", err)
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a truncated record behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
