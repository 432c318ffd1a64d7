package netgauge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store is a flat key/value document store for persisted run data.
type Store interface {
	Get(key string, v interface{}) error
	Set(key string, v interface{}) error
	Remove(key string) error
	Clear() error
	Keys() ([]string, error)
}

// FileStore keeps each document as an indented JSON file under a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// the first Set.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FileStore) Get(key string, v interface{}) error {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Set(key string, v interface{}) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := os.WriteFile(s.path(key), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Remove(key); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the stored keys in lexical order. A missing directory is
// treated as an empty store.
func (s *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

const historyKeyPrefix = "history_"

// HistoryEntry pairs a stored report with its history identifier.
type HistoryEntry struct {
	ID     string       `json:"id"`
	Report *FinalReport `json:"report"`
}

// HistoryStore persists completed reports and prunes the oldest entries
// beyond the configured retention count.
type HistoryStore struct {
	store     Store
	retention int
	clock     func() time.Time
}

// NewHistoryStore wraps a store with history semantics. A retention of
// zero disables pruning.
func NewHistoryStore(store Store, retention int) *HistoryStore {
	return &HistoryStore{store: store, retention: retention, clock: time.Now}
}

// Save persists a report under a timestamped key and returns that key.
// Keys sort lexically in chronological order.
func (h *HistoryStore) Save(report *FinalReport) (string, error) {
	key := historyKeyPrefix + h.clock().Format("20060102_150405")
	if err := h.store.Set(key, report); err != nil {
		return "", err
	}
	if err := h.prune(); err != nil {
		return key, err
	}
	return key, nil
}

func (h *HistoryStore) prune() error {
	if h.retention <= 0 {
		return nil
	}
	keys, err := h.historyKeys()
	if err != nil {
		return err
	}
	for len(keys) > h.retention {
		if err := h.store.Remove(keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

func (h *HistoryStore) historyKeys() ([]string, error) {
	all, err := h.store.Keys()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, key := range all {
		if strings.HasPrefix(key, historyKeyPrefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// List returns the stored runs newest first. A positive limit caps the
// number of entries returned.
func (h *HistoryStore) List(limit int) ([]HistoryEntry, error) {
	keys, err := h.historyKeys()
	if err != nil {
		return nil, err
	}
	entries := []HistoryEntry{}
	for i := len(keys) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) >= limit {
			break
		}
		var report FinalReport
		if err := h.store.Get(keys[i], &report); err != nil {
			return nil, err
		}
		entries = append(entries, HistoryEntry{ID: keys[i], Report: &report})
	}
	return entries, nil
}

// Load returns a single stored report by its history identifier.
func (h *HistoryStore) Load(id string) (*FinalReport, error) {
	var report FinalReport
	if err := h.store.Get(id, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Clear removes every stored run.
func (h *HistoryStore) Clear() error {
	keys, err := h.historyKeys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := h.store.Remove(key); err != nil {
			return err
		}
	}
	return nil
}
