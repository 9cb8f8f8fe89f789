package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

// storeBackends runs the contract tests against every Store
// implementation.
func storeBackends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func newTestSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		Mission:     "build a url shortener",
		ProjectName: "build_a_url",
		Status:      phase.StatusPending,
		Phase:       phase.PhasePM,
		CreatedAt:   now,
		UpdatedAt:   now,
		WorkDir:     "/tmp/" + id,
		State:       []byte(`{"mission":"build a url shortener","current_phase":"pm"}`),
	}
}

func TestStoreCreateGet(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession("s-1")
			require.NoError(t, store.Create(ctx, sess))

			got, err := store.Get(ctx, "s-1")
			require.NoError(t, err)
			assert.Equal(t, sess.Mission, got.Mission)
			assert.Equal(t, phase.StatusPending, got.Status)
			assert.Equal(t, phase.PhasePM, got.Phase)
			assert.Equal(t, sess.State, got.State)
			assert.WithinDuration(t, sess.CreatedAt, got.CreatedAt, time.Millisecond)
		})
	}
}

func TestStoreCreateDuplicate(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, newTestSession("s-1")))
			err := store.Create(ctx, newTestSession("s-1"))
			assert.ErrorIs(t, err, ErrDuplicate)
		})
	}
}

func TestStoreGetNotFound(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, newTestSession("s-1")))

			status := phase.StatusRunning
			ph := phase.PhaseArch
			iter := 2
			qa := true
			require.NoError(t, store.Update(ctx, "s-1", Update{
				Status:         &status,
				Phase:          &ph,
				IterationCount: &iter,
				QAPassed:       &qa,
				Errors:         []string{"first failure"},
				State:          []byte(`{"updated":true}`),
				Metadata:       map[string]string{"k": "v"},
			}))

			got, err := store.Get(ctx, "s-1")
			require.NoError(t, err)
			assert.Equal(t, phase.StatusRunning, got.Status)
			assert.Equal(t, phase.PhaseArch, got.Phase)
			assert.Equal(t, 2, got.IterationCount)
			assert.True(t, got.QAPassed)
			assert.Equal(t, []string{"first failure"}, got.Errors)
			assert.Equal(t, []byte(`{"updated":true}`), got.State)
			assert.Equal(t, map[string]string{"k": "v"}, got.Metadata)
		})
	}
}

func TestStoreUpdatePartial(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, newTestSession("s-1")))

			status := phase.StatusRunning
			require.NoError(t, store.Update(ctx, "s-1", Update{Status: &status}))

			got, err := store.Get(ctx, "s-1")
			require.NoError(t, err)
			assert.Equal(t, phase.StatusRunning, got.Status)
			// untouched fields survive
			assert.Equal(t, phase.PhasePM, got.Phase)
			assert.Equal(t, "build a url shortener", got.Mission)
			assert.NotEmpty(t, got.State)
		})
	}
}

func TestStoreUpdateNotFound(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			status := phase.StatusRunning
			err := store.Update(context.Background(), "missing", Update{Status: &status})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreUpdateRefreshesUpdatedAt(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession("s-1")
			sess.UpdatedAt = time.Now().UTC().Add(-time.Hour)
			sess.CreatedAt = sess.UpdatedAt
			require.NoError(t, store.Create(ctx, sess))

			status := phase.StatusRunning
			require.NoError(t, store.Update(ctx, "s-1", Update{Status: &status}))

			got, err := store.Get(ctx, "s-1")
			require.NoError(t, err)
			assert.WithinDuration(t, time.Now().UTC(), got.UpdatedAt, 5*time.Second)
		})
	}
}

func TestStoreList(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				sess := newTestSession(fmt.Sprintf("s-%d", i))
				sess.UpdatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
				require.NoError(t, store.Create(ctx, sess))
			}

			all, err := store.List(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			// newest first
			for i := 1; i < len(all); i++ {
				assert.False(t, all[i-1].UpdatedAt.Before(all[i].UpdatedAt))
			}

			limited, err := store.List(ctx, "", 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestStoreListUnbounded(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			total := DefaultListLimit + 3
			for i := 0; i < total; i++ {
				require.NoError(t, store.Create(ctx, newTestSession(fmt.Sprintf("s-%03d", i))))
			}

			// limit 0 pages at the default
			page, err := store.List(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, page, DefaultListLimit)

			// a negative limit returns everything
			all, err := store.List(ctx, "", -1)
			require.NoError(t, err)
			assert.Len(t, all, total)
		})
	}
}

func TestStoreListByStatus(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, newTestSession("s-1")))

			running := newTestSession("s-2")
			running.Status = phase.StatusRunning
			require.NoError(t, store.Create(ctx, running))

			got, err := store.List(ctx, phase.StatusRunning, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "s-2", got[0].ID)
		})
	}
}

func TestStoreExpireStale(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			stale := newTestSession("stale")
			stale.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
			require.NoError(t, store.Create(ctx, stale))

			fresh := newTestSession("fresh")
			require.NoError(t, store.Create(ctx, fresh))

			done := newTestSession("done")
			done.Status = phase.StatusCompleted
			done.Phase = phase.PhaseComplete
			done.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
			require.NoError(t, store.Create(ctx, done))

			n, err := store.ExpireStale(ctx, 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := store.Get(ctx, "stale")
			require.NoError(t, err)
			assert.Equal(t, phase.StatusExpired, got.Status)

			got, err = store.Get(ctx, "fresh")
			require.NoError(t, err)
			assert.Equal(t, phase.StatusPending, got.Status)

			// completed sessions keep their status
			got, err = store.Get(ctx, "done")
			require.NoError(t, err)
			assert.Equal(t, phase.StatusCompleted, got.Status)

			// idempotent: a second sweep finds nothing new
			n, err = store.ExpireStale(ctx, 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, newTestSession("s-1")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "build a url shortener", got.Mission)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newTestSession("s-1")))

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	got.Status = phase.StatusFailed
	got.Errors = append(got.Errors, "mutated")

	again, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, phase.StatusPending, again.Status)
	assert.Empty(t, again.Errors)
}
