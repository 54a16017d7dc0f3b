package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lokvaani/internal/clock"
	"lokvaani/internal/codec"
	"lokvaani/internal/domain"
)

// MemoryStore is a process-local StoreLocker. Records are kept encoded so
// callers never share memory with the store. It suits tests and
// single-instance deployments; leases only coordinate within the process.
type MemoryStore struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[string]memoryRecord
	leases   map[string]memoryLease
}

type memoryRecord struct {
	data      []byte
	version   int64
	expiresAt time.Time
}

type memoryLease struct {
	owner string
	until time.Time
}

// NewMemoryStore returns an empty store. A nil clock uses real time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{
		clock:    c,
		sessions: make(map[string]memoryRecord),
		leases:   make(map[string]memoryLease),
	}
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (domain.Session, error) {
	m.mu.Lock()
	rec, ok := m.liveLocked(sessionID)
	m.mu.Unlock()
	if !ok {
		return domain.Session{}, ErrNotFound
	}

	var s domain.Session
	if err := codec.Unmarshal(rec.data, &s); err != nil {
		return domain.Session{}, fmt.Errorf("repository: memory Get decode: %w", err)
	}
	s.Version = rec.version
	return s, nil
}

func (m *MemoryStore) Set(_ context.Context, s domain.Session, ttl time.Duration) (domain.Session, error) {
	if s.ID == "" {
		return domain.Session{}, fmt.Errorf("repository: memory Set: session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.liveLocked(s.ID)
	switch {
	case s.Version == 0 && exists:
		return domain.Session{}, ErrVersionConflict
	case s.Version != 0 && !exists:
		return domain.Session{}, ErrNotFound
	case exists && cur.version != s.Version:
		return domain.Session{}, ErrVersionConflict
	}

	next := s.Clone()
	next.Version = s.Version + 1
	data, err := codec.Marshal(next)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: memory Set encode: %w", err)
	}
	expiresAt := m.clock.Now().Add(ttl)
	if exists && cur.expiresAt.After(expiresAt) {
		expiresAt = cur.expiresAt
	}
	m.sessions[s.ID] = memoryRecord{data: data, version: next.Version, expiresAt: expiresAt}
	return next, nil
}

func (m *MemoryStore) Touch(_ context.Context, sessionID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.liveLocked(sessionID)
	if !ok {
		return ErrNotFound
	}
	if until := m.clock.Now().Add(ttl); until.After(rec.expiresAt) {
		rec.expiresAt = until
		m.sessions[sessionID] = rec
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	delete(m.leases, sessionID)
	return nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, sessionID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if cur, ok := m.leases[sessionID]; ok && cur.owner != owner && now.Before(cur.until) {
		return ErrLeaseHeld
	}
	m.leases[sessionID] = memoryLease{owner: owner, until: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, sessionID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[sessionID]
	if !ok {
		return nil
	}
	if cur.owner != owner {
		if m.clock.Now().Before(cur.until) {
			return ErrLeaseHeld
		}
		return nil
	}
	delete(m.leases, sessionID)
	return nil
}

// Sweep removes expired sessions and leases and returns how many sessions
// were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for id, rec := range m.sessions {
		if !now.Before(rec.expiresAt) {
			delete(m.sessions, id)
			removed++
		}
	}
	for id, l := range m.leases {
		if !now.Before(l.until) {
			delete(m.leases, id)
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(interval):
			m.Sweep()
		}
	}
}

// Len returns the number of stored records, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) liveLocked(sessionID string) (memoryRecord, bool) {
	rec, ok := m.sessions[sessionID]
	if !ok || !m.clock.Now().Before(rec.expiresAt) {
		return memoryRecord{}, false
	}
	return rec, true
}
