package storage

import (
	"sync/atomic"

	"github.com/huykn/localcached/types"
)

// entryOverhead is the fixed per-entry cost added to the payload size when
// estimating memory use.
const entryOverhead = 64

// entry is owned by a shard. Everything but touched is immutable once
// stored; an overwrite replaces the whole entry.
type entry struct {
	format    types.ValueFormat
	value     []byte
	expiresAt int64 // unix ms, 0 = no expiry
	touched   atomic.Int64
	size      int64 // len(key) + len(value)
}

func (e *entry) expired(now int64) bool {
	return e.expiresAt != 0 && now >= e.expiresAt
}

func (e *entry) cost() int64 {
	return e.size + entryOverhead
}

// Item is a copy-free view of a live entry returned by Get.
type Item struct {
	Format       types.ValueFormat
	Value        []byte // must not be modified
	TTLRemaining uint64 // ms, 0 when the entry never expires
}
