package evict

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Ring tracks eviction candidates in write order. The value of each record
// is the time the key was last queued, which the lru policy compares with
// the entry's last-touch time.
type Ring struct {
	keys *lru.Cache[string, int64]
}

// NewRing returns a ring holding at most capacity keys. When full, the
// oldest record is dropped; its entry stays in the store until it is
// rewritten or expires.
func NewRing(capacity int) (*Ring, error) {
	keys, err := lru.New[string, int64](capacity)
	if err != nil {
		return nil, err
	}
	return &Ring{keys: keys}, nil
}

// Push records a write of key, making it the newest candidate.
func (r *Ring) Push(key string, now int64) {
	r.keys.Add(key, now)
}

// Forget drops key from the ring.
func (r *Ring) Forget(key string) {
	r.keys.Remove(key)
}

// Pop removes and returns the oldest candidate.
func (r *Ring) Pop() (key string, queuedAt int64, ok bool) {
	return r.keys.RemoveOldest()
}

// Len returns the number of tracked keys.
func (r *Ring) Len() int {
	return r.keys.Len()
}
