package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lokvaani/internal/domain"
)

// runStoreContract exercises behaviour every backend must share.
// Expiry timing is covered per backend.
func runStoreContract(t *testing.T, newStore func(t *testing.T) StoreLocker) {
	ctx := context.Background()

	t.Run("create then get", func(t *testing.T) {
		s := newStore(t)
		sess := testSession("contract-create")
		sess.Context.Append(domain.Turn{ID: "t1", Query: "namaste", Topic: "greeting"}, 10)

		created, err := s.Set(ctx, sess, time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(1), created.Version)

		got, err := s.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), got.Version)
		require.Equal(t, "hi", got.PreferredLanguage)
		require.Len(t, got.Context.Turns, 1)
		require.Equal(t, "greeting", got.Context.CurrentTopic)
	})

	t.Run("missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "contract-missing")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.Touch(ctx, "contract-missing", time.Minute), ErrNotFound)

		ghost := testSession("contract-missing")
		ghost.Version = 2
		_, err = s.Set(ctx, ghost, time.Minute)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		v1, err := s.Set(ctx, testSession("contract-cas"), time.Minute)
		require.NoError(t, err)

		_, err = s.Set(ctx, testSession("contract-cas"), time.Minute)
		require.ErrorIs(t, err, ErrVersionConflict)

		v1.PreferredLanguage = "ta"
		v2, err := s.Set(ctx, v1, time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(2), v2.Version)

		// v1 is now stale.
		_, err = s.Set(ctx, v1, time.Minute)
		require.ErrorIs(t, err, ErrVersionConflict)

		got, err := s.Get(ctx, "contract-cas")
		require.NoError(t, err)
		require.Equal(t, "ta", got.PreferredLanguage)
	})

	t.Run("concurrent writers serialise through versions", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Set(ctx, testSession("contract-race"), time.Minute)
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for {
					cur, err := s.Get(ctx, "contract-race")
					if err != nil {
						t.Error(err)
						return
					}
					cur.Context.Append(domain.Turn{ID: string(rune('a' + i))}, 100)
					if _, err := s.Set(ctx, cur, time.Minute); err == nil {
						return
					}
				}
			}(i)
		}
		wg.Wait()

		got, err := s.Get(ctx, "contract-race")
		require.NoError(t, err)
		require.Len(t, got.Context.Turns, writers)
		require.Equal(t, int64(writers+1), got.Version)
	})

	t.Run("touch keeps content", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Set(ctx, testSession("contract-touch"), time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Touch(ctx, "contract-touch", time.Minute))
		require.NoError(t, s.Touch(ctx, "contract-touch", time.Minute))

		got, err := s.Get(ctx, "contract-touch")
		require.NoError(t, err)
		require.Equal(t, int64(1), got.Version)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Set(ctx, testSession("contract-delete"), time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.AcquireLease(ctx, "contract-delete", "owner-1", time.Minute))
		require.NoError(t, s.Delete(ctx, "contract-delete"))
		require.NoError(t, s.Delete(ctx, "contract-delete"))

		_, err = s.Get(ctx, "contract-delete")
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, s.AcquireLease(ctx, "contract-delete", "owner-2", time.Minute))
	})

	t.Run("leases", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AcquireLease(ctx, "contract-lease", "owner-1", time.Minute))
		require.NoError(t, s.AcquireLease(ctx, "contract-lease", "owner-1", time.Minute))
		require.ErrorIs(t, s.AcquireLease(ctx, "contract-lease", "owner-2", time.Minute), ErrLeaseHeld)
		require.ErrorIs(t, s.ReleaseLease(ctx, "contract-lease", "owner-2"), ErrLeaseHeld)

		require.NoError(t, s.ReleaseLease(ctx, "contract-lease", "owner-1"))
		require.NoError(t, s.ReleaseLease(ctx, "contract-lease", "owner-1"))
		require.NoError(t, s.AcquireLease(ctx, "contract-lease", "owner-2", time.Minute))
	})
}
