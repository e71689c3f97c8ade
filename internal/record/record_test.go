package record

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openStores returns each backend under test, keyed by name.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func rec(id int64, desc, from string) ConfirmedRecord {
	return ConfirmedRecord{
		EntityID:       id,
		Payload:        map[string]string{"description": desc},
		ReconciledFrom: from,
		ConfirmedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStore_CommitAndGet(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Commit(ctx, rec(1, "Laptop", "tx-1")))

			got, err := s.Get(ctx, 1)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, int64(1), got.EntityID)
			assert.Equal(t, "Laptop", got.Payload["description"])
			assert.Equal(t, "tx-1", got.ReconciledFrom)
			assert.False(t, got.ConfirmedAt.IsZero())

			missing, err := s.Get(ctx, 42)
			require.NoError(t, err)
			assert.Nil(t, missing, "unknown entity returns nil, not error")

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStore_CommitAlreadyExists(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Commit(ctx, rec(1, "Laptop", "tx-1")))

			err := s.Commit(ctx, rec(1, "Laptop", "tx-1"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAlreadyExists))

			var exists *AlreadyExistsError
			require.True(t, errors.As(err, &exists))
			assert.Equal(t, int64(1), exists.Existing.EntityID)
			assert.True(t, exists.SamePayload(map[string]string{"description": "Laptop"}),
				"same payload marks an idempotent replay")
			assert.False(t, exists.SamePayload(map[string]string{"description": "Monitor"}),
				"different payload marks a conflicting write")
			assert.False(t, exists.SamePayload(map[string]string{"description": "Laptop", "extra": "x"}))

			// The original record is untouched.
			got, err := s.Get(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "tx-1", got.ReconciledFrom)
		})
	}
}

func TestStore_CommitValidation(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.Commit(ctx, rec(0, "Laptop", "tx-1"))
			assert.Error(t, err, "zero entity id rejected")

			err = s.Commit(ctx, rec(1, "Laptop", ""))
			assert.Error(t, err, "empty reconciled-from rejected")
		})
	}
}

func TestStore_ConcurrentCommitOnePerEntity(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Many goroutines race to commit the same entity; exactly one wins.
			const racers = 16
			var wg sync.WaitGroup
			var mu sync.Mutex
			var successes int

			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := s.Commit(ctx, rec(7, "Laptop", "tx-race"))
					if err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
						return
					}
					assert.True(t, errors.Is(err, ErrAlreadyExists))
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, successes)
			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Commit(ctx, rec(1, "Laptop", "tx-1")))

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	got.Payload["description"] = "tampered"

	again, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Laptop", again.Payload["description"])
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, rec(1, "Laptop", "tx-1")))
	require.NoError(t, s.Close())

	// Records survive process restart.
	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Laptop", got.Payload["description"])

	err = s2.Commit(ctx, rec(1, "Monitor", "tx-2"))
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}
