// Package memory keeps per-phone OTP state inside the process. It is
// consistent only within one process; run the redis store when several
// instances share traffic.
package memory

import (
	"context"
	"sync"
	"time"

	"accounts-service/internal/bucketing"
	"accounts-service/internal/repository"
)

const sweepInterval = time.Minute

type entry struct {
	value     []byte
	version   int64
	expiresAt time.Time
}

type shard struct {
	mu        sync.Mutex
	entries   map[string]entry
	lastSweep time.Time
}

// StateStore is a versioned key-value map split into murmur3 stripes.
// Keys in different stripes never share a mutex.
type StateStore struct {
	bm     *bucketing.BucketingManager
	shards []*shard
	now    func() time.Time
}

type Option func(*StateStore)

// WithClock overrides time.Now for TTL handling.
func WithClock(now func() time.Time) Option {
	return func(s *StateStore) {
		s.now = now
	}
}

func NewStateStore(bm *bucketing.BucketingManager, opts ...Option) *StateStore {
	s := &StateStore{
		bm:     bm,
		shards: make([]*shard, bm.LockStripes()),
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]entry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StateStore) shardFor(key string) *shard {
	return s.shards[s.bm.GetLockStripe(key)]
}

func (s *StateStore) Get(_ context.Context, key string) (repository.StateRecord, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := s.live(sh, key)
	if !ok {
		return repository.StateRecord{}, nil
	}
	return repository.StateRecord{Value: clone(e.value), Version: e.version}, nil
}

func (s *StateStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, _ := s.live(sh, key)
	s.store(sh, key, e.version+1, value, ttl)
	return nil
}

// CompareAndSwap writes value only if the key is still at version. An
// absent key is at version 0.
func (s *StateStore) CompareAndSwap(_ context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, _ := s.live(sh, key)
	if e.version != version {
		return false, nil
	}
	s.store(sh, key, version+1, value, ttl)
	return true, nil
}

// live returns the unexpired entry for key. Caller holds sh.mu.
func (s *StateStore) live(sh *shard, key string) (entry, bool) {
	e, ok := sh.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(sh.entries, key)
		return entry{}, false
	}
	return e, true
}

// store writes an entry and opportunistically drops expired ones. Caller
// holds sh.mu.
func (s *StateStore) store(sh *shard, key string, version int64, value []byte, ttl time.Duration) {
	now := s.now()
	e := entry{value: clone(value), version: version}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	sh.entries[key] = e

	if now.Sub(sh.lastSweep) < sweepInterval {
		return
	}
	sh.lastSweep = now
	for k, v := range sh.entries {
		if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
			delete(sh.entries, k)
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
