// Package cache memoizes source fetches per one-minute bucket.
package cache

import (
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

// DefaultTTL is how long an entry survives before the next insert purges it.
const DefaultTTL = time.Hour

// BucketSize is the width of a cache key's time bucket.
const BucketSize = 60

// Key returns the cache key for a source at time t: the source id and the
// index of the one-minute bucket t falls into.
func Key(sourceID string, t time.Time) string {
	return sourceID + ":" + strconv.FormatInt(t.Unix()/BucketSize, 10)
}

type entry struct {
	batch    domain.Batch
	inserted time.Time
}

// Store is a mutex-guarded map of fetch results. Expired entries are
// purged lazily on Put.
type Store struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
	latest  map[string]string // source id -> key of most recent insert
}

// NewStore creates an empty store. A non-positive ttl selects DefaultTTL.
func NewStore(clock clockwork.Clock, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]entry),
		latest:  make(map[string]string),
	}
}

// Get returns the batch stored under key.
func (s *Store) Get(key string) (domain.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e.batch, ok
}

// Put stores a batch under key, superseding any previous value, after
// purging entries older than the TTL.
func (s *Store) Put(key string, batch domain.Batch) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.Sub(e.inserted) > s.ttl {
			delete(s.entries, k)
			if s.latest[e.batch.SourceID] == k {
				delete(s.latest, e.batch.SourceID)
			}
		}
	}
	s.entries[key] = entry{batch: batch, inserted: now}
	s.latest[batch.SourceID] = key
}

// Latest returns the most recently stored batch for a source, however old,
// as long as it has not been purged.
func (s *Store) Latest(sourceID string) (domain.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.latest[sourceID]
	if !ok {
		return domain.Batch{}, false
	}
	e, ok := s.entries[key]
	return e.batch, ok
}

// Len reports the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
