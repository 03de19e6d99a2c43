// Package sessionstore persists resumable upload session state across
// process restarts so an interrupted upload can be resumed instead of
// restarted from zero.
package sessionstore

import "sync"

// Record is the persisted state of one upload session.
type Record struct {
	// URI is the server-issued resumable session endpoint.
	URI string `json:"uri"`
	// FirstBytes is a copy of the leading bytes of the uploaded stream, used
	// to detect resuming different content under the same cache key.
	FirstBytes []byte `json:"firstBytes,omitempty"`
}

// Store is the session cache collaborator. Implementations are best effort:
// a miss, a read failure or a write failure must never fail an upload, only
// degrade it to a fresh start.
type Store interface {
	// Get returns the record for key. ok is false on a miss or any read problem.
	Get(key string) (record Record, ok bool)
	Set(key string, record Record) error
	Delete(key string) error
}

// MemoryStore is an in-process Store. Sessions do not survive a restart;
// useful for tests and short-lived processes.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore ...
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

// Get ...
func (s *MemoryStore) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	return record, ok
}

// Set ...
func (s *MemoryStore) Set(key string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = record
	return nil
}

// Delete ...
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
