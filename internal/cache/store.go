package cache

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"revalidator/internal/logging"
)

// Store is the two-tier cache the proxy serves from. It implements
// backend.Backend.
type Store struct {
	ram         *ramCache
	disk        *diskCache
	overflowLog *logging.RateLimited
}

func OpenStore(path string, ramMax, diskMax int64, logger *slog.Logger) (*Store, error) {
	disk, err := newDiskCache(path, diskMax)
	if err != nil {
		return nil, err
	}
	return &Store{
		ram:         newRAMCache(ramMax),
		disk:        disk,
		overflowLog: logging.NewRateLimited(logger, time.Minute),
	}, nil
}

func (s *Store) Close() {
	s.disk.close()
}

// Get looks in RAM first, then on disk; disk hits are promoted to RAM.
func (s *Store) Get(key string) (Entry, bool) {
	if ent, ok := s.ram.Get(key); ok {
		return ent, true
	}
	if ent, ok := s.disk.Get(key); ok {
		s.ram.Put(key, ent, s.disk, s.overflowLog)
		return ent, true
	}
	return Entry{}, false
}

// Peek is Get without touching LRU order or promoting.
func (s *Store) Peek(key string) (Entry, bool) {
	if ent, ok := s.ram.Peek(key); ok {
		return ent, true
	}
	return s.disk.Peek(key)
}

func (s *Store) Has(key string) bool {
	if _, ok := s.ram.Peek(key); ok {
		return true
	}
	return s.disk.HasKey(key)
}

// Put stores in RAM and persists to disk asynchronously.
func (s *Store) Put(key string, ent Entry) {
	s.ram.Put(key, ent, s.disk, s.overflowLog)
	s.disk.PutAsync(key, ent)
}

func (s *Store) InvalidatePath(_ context.Context, path string) error {
	s.ram.Delete(path)
	s.disk.Delete(path)
	return nil
}

func (s *Store) InvalidateTag(_ context.Context, tag string) error {
	// Queued puts may carry the tag but not be indexed yet.
	s.disk.Flush()
	keys := map[string]struct{}{}
	for _, k := range s.ram.KeysWithTag(tag) {
		keys[k] = struct{}{}
	}
	for _, k := range s.disk.KeysWithTag(tag) {
		keys[k] = struct{}{}
	}
	for k := range keys {
		s.ram.Delete(k)
		s.disk.Delete(k)
	}
	return nil
}

// Keys returns the sorted union of RAM and disk keys.
func (s *Store) Keys() []string {
	m := map[string]struct{}{}
	for _, k := range s.ram.Keys() {
		m[k] = struct{}{}
	}
	for _, k := range s.disk.Keys() {
		m[k] = struct{}{}
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Count is the number of distinct cached paths across both tiers.
func (s *Store) Count() int {
	ramKeys := s.ram.Keys()
	intersect := 0
	for _, k := range ramKeys {
		if s.disk.HasKey(k) {
			intersect++
		}
	}
	return len(ramKeys) + s.disk.KeyCount() - intersect
}

func (s *Store) RAMBytes() int64  { return s.ram.TotalSize() }
func (s *Store) DiskBytes() int64 { return s.disk.TotalSize() }
