package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileConfig holds configuration for the file backend.
type FileConfig struct {
	Dir string `yaml:"dir"`
}

// fileSuffix matches the memory-card naming used by chat bot frameworks,
// so existing session files can be dropped into the directory as-is.
const fileSuffix = ".memory-card.json"

// FileStore keeps one file per identity under a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "./data/sessions"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(identity string) (string, error) {
	if identity == "" || identity == "." || identity == ".." ||
		strings.ContainsAny(identity, `/\`) {
		return "", fmt.Errorf("invalid session identity %q", identity)
	}
	return filepath.Join(s.dir, identity+fileSuffix), nil
}

func (s *FileStore) Load(ctx context.Context, identity string) ([]byte, error) {
	p, err := s.path(identity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", identity, err)
	}
	return data, nil
}

// Save writes to a temp file and renames it over the target so a crash
// never leaves a truncated session behind.
func (s *FileStore) Save(ctx context.Context, identity string, blob []byte) error {
	p, err := s.path(identity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("save session %q: %w", identity, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save session %q: %w", identity, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, identity string) error {
	p, err := s.path(identity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session %q: %w", identity, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
