package session

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore keeps session values in a bounded in-process LRU.
// Values are lost on restart and are not shared between replicas.
type MemoryStore struct {
	cache  *lru.LRU[string, memoryEntry]
	maxTTL time.Duration
	now    func() time.Time
}

// NewMemoryStore creates a store holding at most size entries, none older than maxTTL
func NewMemoryStore(size int, maxTTL time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	return &MemoryStore{
		cache:  lru.NewLRU[string, memoryEntry](size, nil, maxTTL),
		maxTTL: maxTTL,
		now:    time.Now,
	}
}

func memoryKey(sessionID, key string) string {
	return sessionID + "\x00" + key
}

// Get returns a stored value
func (s *MemoryStore) Get(_ context.Context, sessionID, key string) ([]byte, error) {
	k := memoryKey(sessionID, key)
	entry, ok := s.cache.Get(k)
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(entry.expiresAt) {
		s.cache.Remove(k)
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// Set stores a value for ttl, capped at the store's maximum
func (s *MemoryStore) Set(_ context.Context, sessionID, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	s.cache.Add(memoryKey(sessionID, key), memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	})
	return nil
}

// Destroy removes a value; removing an absent key is not an error
func (s *MemoryStore) Destroy(_ context.Context, sessionID, key string) error {
	s.cache.Remove(memoryKey(sessionID, key))
	return nil
}

// Len returns the number of live entries
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
