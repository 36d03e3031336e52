// Package store persists the rate governor's counter table.
//
// The table is one flat JSON object mapping "<ruleId>|<bucketKey>" to a
// count entry, rewritten wholesale on every save. Two backends exist: a local
// file (FileStore) and a Redis key (RedisStore) for keepers that share one
// identity across hosts.
//
// File writes use atomic replacement (write to .tmp, then rename) so a crash
// mid-save never leaves a truncated table behind.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"futures-keeper/internal/ratelimit"
)

// CounterFile is the file name of the counter table inside the data dir.
const CounterFile = "ratelimit.json"

// FileStore persists the counter table to a JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex // serializes file operations
}

var _ ratelimit.Store = (*FileStore)(nil)

// OpenFile creates a store backed by dir/ratelimit.json.
func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, CounterFile)}, nil
}

// Path returns the counter file location.
func (s *FileStore) Path() string { return s.path }

// Close is a no-op for file-based storage.
func (s *FileStore) Close() error {
	return nil
}

// Save atomically replaces the counter table. An empty table is written as
// "{}" rather than deleting the file.
func (s *FileStore) Save(_ context.Context, entries map[string]ratelimit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries == nil {
		entries = map[string]ratelimit.Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write counters: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace counters: %w", err)
	}
	return nil
}

// Load restores the counter table. A missing file yields an empty table.
func (s *FileStore) Load(_ context.Context) (map[string]ratelimit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ratelimit.Entry{}, nil
		}
		return nil, fmt.Errorf("read counters: %w", err)
	}
	return decodeTable(data)
}

func decodeTable(data []byte) (map[string]ratelimit.Entry, error) {
	entries := map[string]ratelimit.Entry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal counters: %w", err)
	}
	return entries, nil
}
