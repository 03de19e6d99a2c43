package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps session records in a single JSON file so uploads can be
// resumed after a process restart. All reads are best effort: a missing or
// unreadable file is treated as an empty store.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore backed by the file at path. The file and
// its parent directories are created lazily on the first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get ...
func (s *FileStore) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	record, ok := records[key]
	return record, ok
}

// Set ...
func (s *FileStore) Set(key string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	records[key] = record
	return s.save(records)
}

// Delete ...
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	if _, ok := records[key]; !ok {
		return nil
	}
	delete(records, key)
	return s.save(records)
}

func (s *FileStore) load() map[string]Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]Record{}
	}

	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil || records == nil {
		// Corrupt cache file reads as empty: resuming is an optimization,
		// never a requirement.
		return map[string]Record{}
	}
	return records
}

func (s *FileStore) save(records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session records: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create session store directory: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write session store: %w", err)
	}
	return nil
}
