package storage

import (
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/huykn/localcached/types"
)

func TestNewRoundsShardsToPowerOfTwo(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultShards},
		{-3, DefaultShards},
		{1, 1},
		{3, 4},
		{64, 64},
		{100, 128},
	}
	for _, tt := range tests {
		s := New(tt.in)
		if len(s.shards) != tt.want {
			t.Fatalf("New(%d): expected %d shards, got %d", tt.in, tt.want, len(s.shards))
		}
	}
}

func TestStoreSetGet(t *testing.T) {
	s := New(4)

	if replaced := s.Set("svc:tbl:1", types.FormatJSON, []byte(`{"a":1}`), 0, 1000); replaced {
		t.Fatal("first Set should not report a replacement")
	}

	item, ok := s.Get("svc:tbl:1", 2000)
	if !ok {
		t.Fatal("expected hit")
	}
	if item.Format != types.FormatJSON || string(item.Value) != `{"a":1}` {
		t.Fatalf("unexpected item %+v", item)
	}
	if item.TTLRemaining != 0 {
		t.Fatalf("expected no ttl, got %d", item.TTLRemaining)
	}

	if _, ok := s.Get("svc:tbl:2", 2000); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestStoreSetCopiesValue(t *testing.T) {
	s := New(1)
	v := []byte("abc")
	s.Set("a:b:c", types.FormatMsgPack, v, 0, 0)
	v[0] = 'X'

	item, _ := s.Get("a:b:c", 0)
	if string(item.Value) != "abc" {
		t.Fatalf("stored value aliases caller buffer: %q", item.Value)
	}
}

func TestStoreTTL(t *testing.T) {
	s := New(1)
	s.Set("a:b:c", types.FormatJSON, []byte("1"), 500, 1000)

	item, ok := s.Get("a:b:c", 1200)
	if !ok {
		t.Fatal("expected hit before expiry")
	}
	if item.TTLRemaining != 300 {
		t.Fatalf("expected 300ms remaining, got %d", item.TTLRemaining)
	}

	if _, ok := s.Get("a:b:c", 1500); ok {
		t.Fatal("expected miss at expiry")
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry should be removed on read, len=%d", s.Len())
	}
	if s.ApproxMemBytes() != 0 {
		t.Fatalf("expected zero bytes, got %d", s.ApproxMemBytes())
	}
}

func TestStoreTTLSaturates(t *testing.T) {
	tests := []struct {
		name string
		ttl  uint64
	}{
		{"max uint64", math.MaxUint64},
		{"two to the 63", 1 << 63},
		{"max int64", math.MaxInt64},
		{"just past the clock", math.MaxInt64 - 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(1)
			s.Set("a:b:c", types.FormatJSON, []byte("1"), tt.ttl, 1000)

			item, ok := s.Get("a:b:c", 1001)
			if !ok {
				t.Fatalf("expected hit for ttl %d", tt.ttl)
			}
			if item.TTLRemaining == 0 {
				t.Fatal("expected a remaining ttl")
			}
			if n := s.SweepExpired(1<<62, 10); n != 0 {
				t.Fatalf("expected nothing swept, got %d", n)
			}
		})
	}
}

func TestStoreOverwriteReplacesEntry(t *testing.T) {
	s := New(1)
	s.Set("a:b:c", types.FormatJSON, []byte("1"), 100, 0)
	if !s.Set("a:b:c", types.FormatMsgPack, []byte("22"), 0, 50) {
		t.Fatal("overwrite should report a replacement")
	}

	item, ok := s.Get("a:b:c", 1000)
	if !ok {
		t.Fatal("overwritten entry should drop the old ttl")
	}
	if item.Format != types.FormatMsgPack || string(item.Value) != "22" {
		t.Fatalf("unexpected item %+v", item)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}
	if want := uint64(len("a:b:c") + 2 + entryOverhead); s.ApproxMemBytes() != want {
		t.Fatalf("expected %d bytes, got %d", want, s.ApproxMemBytes())
	}
}

func TestStoreDel(t *testing.T) {
	s := New(2)
	s.Set("a:b:c", types.FormatJSON, []byte("1"), 0, 0)

	if !s.Del("a:b:c") {
		t.Fatal("Del should report an existing key")
	}
	if s.Del("a:b:c") {
		t.Fatal("second Del should report a missing key")
	}
	if s.Len() != 0 || s.ApproxMemBytes() != 0 {
		t.Fatalf("counters not reset: len=%d bytes=%d", s.Len(), s.ApproxMemBytes())
	}
}

func TestStoreTouchedAt(t *testing.T) {
	s := New(1)
	s.Set("a:b:c", types.FormatJSON, []byte("1"), 0, 10)

	if ts, _ := s.TouchedAt("a:b:c"); ts != 10 {
		t.Fatalf("expected touch 10, got %d", ts)
	}
	s.Get("a:b:c", 25)
	if ts, _ := s.TouchedAt("a:b:c"); ts != 25 {
		t.Fatalf("expected touch 25 after Get, got %d", ts)
	}
	if _, ok := s.TouchedAt("x:y:z"); ok {
		t.Fatal("unexpected touch for missing key")
	}
}

func TestStoreKeys(t *testing.T) {
	s := New(8)
	s.Set("billing:invoice:2", types.FormatJSON, []byte("1"), 0, 0)
	s.Set("billing:invoice:1", types.FormatJSON, []byte("1"), 0, 0)
	s.Set("billing:customer:1", types.FormatJSON, []byte("1"), 0, 0)
	s.Set("billing:invoice:old", types.FormatJSON, []byte("1"), 10, 0)

	got := s.Keys("billing:invoice:", 100)
	want := []string{"billing:invoice:1", "billing:invoice:2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if all := s.Keys("", 100); len(all) != 3 {
		t.Fatalf("expected 3 live keys, got %v", all)
	}
}

func TestStoreSweepExpired(t *testing.T) {
	s := New(4)
	for i := 0; i < 10; i++ {
		s.Set(fmt.Sprintf("a:b:%d", i), types.FormatJSON, []byte("1"), 5, 0)
	}
	s.Set("a:b:keep", types.FormatJSON, []byte("1"), 0, 0)

	if n := s.SweepExpired(100, 4); n != 4 {
		t.Fatalf("expected 4 removed with limit, got %d", n)
	}
	if n := s.SweepExpired(100, 100); n != 6 {
		t.Fatalf("expected remaining 6 removed, got %d", n)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", s.Len())
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := New(16)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("svc:w%d:%d", w, i%50)
				s.Set(key, types.FormatJSON, []byte("v"), 0, int64(i))
				s.Get(key, int64(i))
				if i%7 == 0 {
					s.Del(key)
				}
			}
		}(w)
	}
	wg.Wait()

	live := len(s.Keys("", 0))
	if live != s.Len() {
		t.Fatalf("count drifted: keys=%d len=%d", live, s.Len())
	}
}
