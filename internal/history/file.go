package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// FileStore persists history as a JSON array, rewritten atomically on every
// change.
type FileStore struct {
	path  string
	limit int
	mu    sync.Mutex
}

func NewFileStore(path string, limit int) *FileStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &FileStore{path: path, limit: limit}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	return s.save(prepend(records, rec, s.limit))
}

func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save([]Record{})
}

func (s *FileStore) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading history: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		log.Warn().Str("op", "history/file").Err(err).Msgf("Ignoring unreadable history file %s", s.path)
		return []Record{}, nil
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (s *FileStore) save(records []Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("error creating history directory: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding history: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".history-*.json")
	if err != nil {
		return fmt.Errorf("error writing history: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("error writing history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error writing history: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error replacing history: %w", err)
	}
	return nil
}
