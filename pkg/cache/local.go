package cache

import (
	"strings"
	"sync"
	"time"
)

type localEntry struct {
	value      string
	insertedAt time.Time
	expiresAt  time.Time
}

// localTier is the in-process cache level: a size-bounded map with a TTL
// per entry. When an insertion would exceed the bound, the entry with
// the oldest insertion timestamp is evicted. The shared tier remains the
// source of truth, so evicting by insertion age instead of recency is an
// accepted simplification.
type localTier struct {
	mu         sync.RWMutex
	data       map[string]*localEntry
	order      []string
	maxEntries int
}

func newLocalTier(maxEntries int) *localTier {
	return &localTier{
		data:       make(map[string]*localEntry),
		maxEntries: maxEntries,
	}
}

func (t *localTier) Get(key string) (string, bool) {
	t.mu.RLock()
	entry, exists := t.data[key]
	if !exists {
		t.mu.RUnlock()
		return "", false
	}
	isExpired := time.Now().After(entry.expiresAt)
	value := entry.value
	t.mu.RUnlock()

	if isExpired {
		t.mu.Lock()
		if current, ok := t.data[key]; ok && time.Now().After(current.expiresAt) {
			t.remove(key)
		}
		t.mu.Unlock()
		return "", false
	}

	return value, true
}

func (t *localTier) Set(key, value string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.data[key]; exists {
		t.remove(key)
	}
	for t.maxEntries > 0 && len(t.data) >= t.maxEntries {
		t.evictOldest()
	}

	now := time.Now()
	t.data[key] = &localEntry{
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	t.order = append(t.order, key)
}

func (t *localTier) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(key)
}

func (t *localTier) DeleteByPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.data {
		if strings.HasPrefix(key, prefix) {
			t.remove(key)
		}
	}
}

func (t *localTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

func (t *localTier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = make(map[string]*localEntry)
	t.order = nil
}

// remove must be called with the write lock held.
func (t *localTier) remove(key string) {
	delete(t.data, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// evictOldest must be called with the write lock held. The order slice
// is kept in sync by remove, so its head is the oldest live entry.
func (t *localTier) evictOldest() {
	if len(t.order) == 0 {
		return
	}
	t.remove(t.order[0])
}
