/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kv

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with TTL expiry and LRU eviction. It
// backs tests and the -kv=memory development mode; semantics match the
// Redis backend, including SetNX treating an expired key as absent.
type MemoryStore struct {
	mu sync.Mutex

	entries map[string]*memEntry

	// lruList and lruMap maintain access order for O(1) eviction.
	lruList *list.List
	lruMap  map[string]*list.Element

	maxEntries int

	// now is swappable in tests.
	now func() time.Time

	// onEviction is called for each entry removed by TTL or LRU (optional).
	onEviction func()
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// DefaultMaxEntries bounds the memory backend before LRU eviction kicks in.
const DefaultMaxEntries = 10000

// NewMemoryStore creates an empty store. maxEntries <= 0 uses the default.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]*memEntry),
		lruList:    list.New(),
		lruMap:     make(map[string]*list.Element),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// SetEvictionCallback registers a callback invoked on TTL or LRU eviction.
// Typically used to increment eviction metrics.
func (s *MemoryStore) SetEvictionCallback(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEviction = callback
}

// SetNowFunc overrides the clock. Test hook.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	s.lruList.MoveToFront(s.lruMap[key])
	return e.value, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeEntry(key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	var keys []string
	for key := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.live(key); !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// Size returns the number of live entries.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.entries {
		if _, ok := s.live(key); ok {
			n++
		}
	}
	return n
}

// Clear removes all entries.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*memEntry)
	s.lruList = list.New()
	s.lruMap = make(map[string]*list.Element)
}

// live returns the entry for key if present and unexpired, lazily removing
// expired entries. Must be called with lock held.
func (s *MemoryStore) live(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.removeEntry(key)
		if s.onEviction != nil {
			s.onEviction()
		}
		return nil, false
	}
	return e, true
}

// put inserts or overwrites. Must be called with lock held.
func (s *MemoryStore) put(key, value string, ttl time.Duration) {
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	if _, exists := s.entries[key]; exists {
		s.entries[key] = e
		s.lruList.MoveToFront(s.lruMap[key])
		return
	}

	if len(s.entries) >= s.maxEntries {
		s.evictLRU()
	}
	s.entries[key] = e
	s.lruMap[key] = s.lruList.PushFront(key)
}

// evictLRU removes the least recently used entry. Must be called with lock held.
func (s *MemoryStore) evictLRU() {
	oldest := s.lruList.Back()
	if oldest == nil {
		return
	}
	key, ok := oldest.Value.(string)
	if !ok {
		return
	}
	s.removeEntry(key)
	if s.onEviction != nil {
		s.onEviction()
	}
}

// removeEntry removes an entry and its LRU tracking. Must be called with lock held.
func (s *MemoryStore) removeEntry(key string) {
	delete(s.entries, key)
	if elem, exists := s.lruMap[key]; exists {
		s.lruList.Remove(elem)
		delete(s.lruMap, key)
	}
}
