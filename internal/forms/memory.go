package forms

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore is an in-memory EntryStore used in tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	meta    map[string]map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]Entry{},
		meta:    map[string]map[string]string{},
	}
}

// Put seeds an entry.
func (s *MemoryStore) Put(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
}

// Create implements EntryStore.
func (s *MemoryStore) Create(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; ok {
		return errors.New("entry already exists")
	}
	s.entries[entry.ID] = *entry
	return nil
}

// Get implements EntryStore.
func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	copied := e
	return &copied, nil
}

// Update implements EntryStore.
func (s *MemoryStore) Update(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return ErrEntryNotFound
	}
	s.entries[entry.ID] = *entry
	return nil
}

// FindByTransactionID implements EntryStore.
func (s *MemoryStore) FindByTransactionID(_ context.Context, refNo string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.TransactionID == refNo {
			copied := e
			return &copied, nil
		}
	}
	return nil, ErrEntryNotFound
}

// FindByMeta implements EntryStore.
func (s *MemoryStore) FindByMeta(_ context.Context, key, value string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, bag := range s.meta {
		if bag[key] == value {
			if e, ok := s.entries[id]; ok {
				copied := e
				return &copied, nil
			}
		}
	}
	return nil, ErrEntryNotFound
}

// GetMeta implements EntryStore.
func (s *MemoryStore) GetMeta(_ context.Context, entryID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bag, ok := s.meta[entryID]
	if !ok {
		return "", false, nil
	}
	value, ok := bag[key]
	return value, ok, nil
}

// MemoryConfig is a fixed ConfigStore for tests and local runs.
type MemoryConfig struct {
	Forms map[string]Form
	// Feeds is keyed by form id.
	Feeds map[string]Feed
}

// GetForm implements ConfigStore.
func (c *MemoryConfig) GetForm(_ context.Context, formID string) (*Form, error) {
	f, ok := c.Forms[formID]
	if !ok {
		return nil, ErrFormNotFound
	}
	copied := f
	return &copied, nil
}

// GetFeed implements ConfigStore.
func (c *MemoryConfig) GetFeed(_ context.Context, formID string) (*Feed, error) {
	f, ok := c.Feeds[formID]
	if !ok {
		return nil, ErrFormNotFound
	}
	copied := f
	return &copied, nil
}

// SetMeta implements EntryStore.
func (s *MemoryStore) SetMeta(_ context.Context, entryID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bag, ok := s.meta[entryID]
	if !ok {
		bag = map[string]string{}
		s.meta[entryID] = bag
	}
	bag[key] = value
	return nil
}
