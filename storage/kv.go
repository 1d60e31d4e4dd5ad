package storage

import (
	"math"
	"math/bits"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/z"

	"github.com/huykn/localcached/types"
)

// DefaultShards is the shard count used when New is given a non-positive value.
const DefaultShards = 64

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is a concurrent map of validated keys to entries with TTL. Keys are
// spread over independently locked shards so that there is no global
// serialization point.
type Store struct {
	shards []*shard
	mask   uint64

	count atomic.Int64
	bytes atomic.Int64
}

// New creates a Store. The shard count is rounded up to a power of two.
func New(shards int) *Store {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1 << bits.Len(uint(shards-1))

	s := &Store{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h, _ := z.KeyToHash(key)
	return s.shards[h&s.mask]
}

// Set inserts or replaces the entry for key. ttlMs == 0 means no expiry.
// The value is copied. It reports whether an existing entry was replaced.
func (s *Store) Set(key string, format types.ValueFormat, value []byte, ttlMs uint64, now int64) bool {
	e := &entry{
		format: format,
		value:  append([]byte(nil), value...),
		size:   int64(len(key) + len(value)),
	}
	if ttlMs > 0 {
		e.expiresAt = expiryAt(now, ttlMs)
	}
	e.touched.Store(now)

	sh := s.shardFor(key)
	sh.mu.Lock()
	old, replaced := sh.entries[key]
	sh.entries[key] = e
	sh.mu.Unlock()

	if replaced {
		s.bytes.Add(e.cost() - old.cost())
	} else {
		s.count.Add(1)
		s.bytes.Add(e.cost())
	}
	return replaced
}

// Get returns the live entry for key. An expired entry is removed and
// reported as missing. A hit refreshes the last-touch time.
func (s *Store) Get(key string, now int64) (Item, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	if ok && !e.expired(now) {
		e.touched.Store(now)
		sh.mu.RUnlock()
		return itemOf(e, now), true
	}
	sh.mu.RUnlock()

	if ok {
		s.removeIf(sh, key, e)
	}
	return Item{}, false
}

// expiryAt returns now+ttlMs, saturated at math.MaxInt64.
func expiryAt(now int64, ttlMs uint64) int64 {
	if ttlMs > math.MaxInt64 {
		return math.MaxInt64
	}
	at := now + int64(ttlMs)
	if at < now {
		return math.MaxInt64
	}
	return at
}

func itemOf(e *entry, now int64) Item {
	var ttl uint64
	if e.expiresAt != 0 && e.expiresAt > now {
		ttl = uint64(e.expiresAt - now)
	}
	return Item{Format: e.format, Value: e.value, TTLRemaining: ttl}
}

// removeIf deletes key only while it still maps to e, so a concurrent
// overwrite is never lost.
func (s *Store) removeIf(sh *shard, key string, e *entry) bool {
	sh.mu.Lock()
	cur, ok := sh.entries[key]
	if !ok || cur != e {
		sh.mu.Unlock()
		return false
	}
	delete(sh.entries, key)
	sh.mu.Unlock()

	s.count.Add(-1)
	s.bytes.Add(-e.cost())
	return true
}

// Del removes key and reports whether it existed.
func (s *Store) Del(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if ok {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()

	if ok {
		s.count.Add(-1)
		s.bytes.Add(-e.cost())
	}
	return ok
}

// TouchedAt returns the last-touch time of key without refreshing it.
func (s *Store) TouchedAt(key string) (int64, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	if !ok {
		return 0, false
	}
	return e.touched.Load(), true
}

// Len returns the number of stored entries, expired-but-unread ones included.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// ApproxMemBytes estimates the memory held by entries: key and value bytes
// plus a fixed overhead per entry. It ignores map and allocator overhead and
// is meant for observability only.
func (s *Store) ApproxMemBytes() uint64 {
	if b := s.bytes.Load(); b > 0 {
		return uint64(b)
	}
	return 0
}

// Keys returns the sorted live keys starting with prefix.
func (s *Store) Keys(prefix string, now int64) []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			if strings.HasPrefix(k, prefix) && !e.expired(now) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// SweepExpired removes up to limit expired entries and returns how many it
// removed. Shards are visited one at a time.
func (s *Store) SweepExpired(now int64, limit int) int {
	removed := 0
	for _, sh := range s.shards {
		if removed >= limit {
			break
		}
		sh.mu.Lock()
		for k, e := range sh.entries {
			if removed >= limit {
				break
			}
			if e.expired(now) {
				delete(sh.entries, k)
				s.count.Add(-1)
				s.bytes.Add(-e.cost())
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
