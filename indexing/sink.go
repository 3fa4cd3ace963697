package indexing

import (
	"encoding/json"
	"slices"
	"sync"
)

// Sink receives index entries: one per document for map-only indexes, one
// per reduce key for reduce indexes. Calls happen after the batch that
// produced them has committed.
type Sink interface {
	Index(index, key string, data json.RawMessage) error
	Delete(index, key string) error
	Drop(index string) error
}

// MemorySink keeps entries in memory. Safe for concurrent use.
type MemorySink struct {
	mu      sync.Mutex
	entries map[string]map[string]json.RawMessage
}

func NewMemorySink() *MemorySink {
	return &MemorySink{entries: make(map[string]map[string]json.RawMessage)}
}

func (s *MemorySink) Index(index, key string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entries[index]
	if m == nil {
		m = make(map[string]json.RawMessage)
		s.entries[index] = m
	}
	m[key] = slices.Clone(data)
	return nil
}

func (s *MemorySink) Delete(index, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries[index], key)
	return nil
}

func (s *MemorySink) Drop(index string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, index)
	return nil
}

// Get returns nil if the key is not indexed.
func (s *MemorySink) Get(index, key string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[index][key]
}

// Keys returns the indexed keys in sorted order.
func (s *MemorySink) Keys(index string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries[index]))
	for k := range s.entries[index] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
