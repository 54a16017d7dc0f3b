// Package repository is the Session Store Adapter: key-value persistence of
// session records with TTL semantics, plus the leases used to serialise
// mutations of one session across instances.
package repository

import (
	"context"
	"errors"
	"time"

	"lokvaani/internal/domain"
)

var (
	// ErrNotFound is returned when a session record is absent or expired.
	ErrNotFound = errors.New("repository: session not found")
	// ErrVersionConflict is returned when a write's expected version does
	// not match the stored record.
	ErrVersionConflict = errors.New("repository: version conflict")
	// ErrLeaseHeld is returned when another owner holds the session lease.
	ErrLeaseHeld = errors.New("repository: lease held by another owner")
)

// Store persists one record per session id.
//
// Set is a compare-and-swap: the record is written only if the stored
// version equals s.Version (zero means the record must not exist yet).
// On success the returned session carries the new version.
//
// Touch extends the record's expiry to now+ttl but never shortens it, and
// never changes the record's content or version.
type Store interface {
	Get(ctx context.Context, sessionID string) (domain.Session, error)
	Set(ctx context.Context, s domain.Session, ttl time.Duration) (domain.Session, error)
	Touch(ctx context.Context, sessionID string, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

// Locker grants time-bounded exclusive leases on a session. Acquiring a
// lease already held by the same owner refreshes it.
type Locker interface {
	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, sessionID, owner string) error
}

// StoreLocker is implemented by every backend in this package.
type StoreLocker interface {
	Store
	Locker
}

// expiryMillis returns the expiry instant as Unix milliseconds.
func expiryMillis(now time.Time, ttl time.Duration) int64 {
	return now.Add(ttl).UnixMilli()
}
