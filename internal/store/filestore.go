package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/types"
	"go.uber.org/zap"
)

// FileStore keeps every entry in memory and rewrites one JSON document on each mutation.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	entries map[string]types.FortuneEntry
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:    path,
		entries: map[string]types.FortuneEntry{},
	}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load replaces the in-memory mapping with the file contents. A missing file loads as empty.
func (s *FileStore) Load(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		s.entries = map[string]types.FortuneEntry{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		logger.Error("Failed to read fortune store", zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("failed to read fortune store: %w", err)
	}

	entries := map[string]types.FortuneEntry{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			logger.Error("Failed to parse fortune store", zap.String("path", s.path), zap.Error(err))
			return fmt.Errorf("failed to parse fortune store: %w", err)
		}
	}
	for userID, entry := range entries {
		entry.UserID = userID
		entries[userID] = entry
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	logger.Debug("Fortune store loaded", zap.String("path", s.path), zap.Int("entries", len(entries)))
	return nil
}

func (s *FileStore) Get(ctx context.Context, userID string) (types.FortuneEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[userID]
	return entry, ok, nil
}

func (s *FileStore) Put(ctx context.Context, entry types.FortuneEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.entries[entry.UserID]
	s.entries[entry.UserID] = entry
	if err := s.saveLocked(); err != nil {
		// 書き込みに失敗したらメモリ上も元に戻す
		if existed {
			s.entries[entry.UserID] = previous
		} else {
			delete(s.entries, entry.UserID)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.entries[userID]
	if !existed {
		return nil
	}
	delete(s.entries, userID)
	if err := s.saveLocked(); err != nil {
		s.entries[userID] = previous
		return err
	}
	return nil
}

func (s *FileStore) All(ctx context.Context) (map[string]types.FortuneEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]types.FortuneEntry, len(s.entries))
	for userID, entry := range s.entries {
		out[userID] = entry
	}
	return out, nil
}

func (s *FileStore) saveLocked() error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.entries); err != nil {
		return fmt.Errorf("failed to encode fortune store: %w", err)
	}

	if err := writeFileAtomic(s.path, buf.Bytes()); err != nil {
		logger.Error("Failed to write fortune store", zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("failed to write fortune store: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the same directory and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
