package session

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const lockShards = 64

// keyedLock is an in-process mutex per key. Entries exist only while
// someone holds or waits for the key.
type keyedLock struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	token chan struct{}
	refs  int
}

func newKeyedLock() *keyedLock {
	k := &keyedLock{}
	for i := range k.shards {
		k.shards[i].entries = make(map[string]*lockEntry)
	}
	return k
}

func (k *keyedLock) shard(key string) *lockShard {
	return &k.shards[xxhash.Sum64String(key)%lockShards]
}

// acquire blocks until key is free, ctx ends, or timeout fires. The
// returned func releases the key and must be called exactly once.
func (k *keyedLock) acquire(ctx context.Context, key string, timeout <-chan time.Time) (func(), error) {
	s := k.shard(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &lockEntry{token: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.token <- struct{}{}:
		return func() {
			<-e.token
			s.unref(key, e)
		}, nil
	case <-ctx.Done():
		s.unref(key, e)
		return nil, context.Cause(ctx)
	case <-timeout:
		s.unref(key, e)
		return nil, ErrBusy
	}
}

func (s *lockShard) unref(key string, e *lockEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}

// size returns the number of live entries.
func (k *keyedLock) size() int {
	n := 0
	for i := range k.shards {
		s := &k.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
