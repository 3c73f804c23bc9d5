package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "aide.db"), 4, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplyOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "aide.db")

	s, err := Open(path, 2, 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.SchemaVersion)
	require.NoError(t, s.Close())

	// Re-opening an already migrated database is a no-op.
	s2, err := Open(path, 2, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s2.Close()

	var count int
	require.NoError(t, s2.FetchOne(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count))
	assert.Equal(t, 3, count)
}

func TestInsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Insert(ctx, "memory_long_term", map[string]any{
		"memory_id":  "mem-1",
		"content":    "prefers dark roast coffee",
		"category":   "preference",
		"importance": 7,
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	n, err := s.Update(ctx, "memory_long_term", map[string]any{"importance": 9}, "memory_id = ?", "mem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var importance int
	require.NoError(t, s.FetchOne(ctx, "SELECT importance FROM memory_long_term WHERE memory_id = ?", "mem-1").Scan(&importance))
	assert.Equal(t, 9, importance)

	n, err = s.Delete(ctx, "memory_long_term", "memory_id = ?", "mem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOpenAppliesBusyTimeout(t *testing.T) {
	ctx := context.Background()

	s, err := Open(filepath.Join(t.TempDir(), "aide.db"), 2, 250, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var timeout int
	require.NoError(t, s.FetchOne(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 250, timeout)

	// Zero falls back to the 5s default.
	s2, err := Open(filepath.Join(t.TempDir(), "aide.db"), 2, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	require.NoError(t, s2.FetchOne(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestUniqueConstraintIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, "memory_long_term", map[string]any{"memory_id": "dup", "content": "a"})
	require.NoError(t, err)

	_, err = s.Insert(ctx, "memory_long_term", map[string]any{"memory_id": "dup", "content": "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestExecuteManyIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rows := [][]any{
		{"m1", "first"},
		{"m2", "second"},
		{"m1", "duplicate id, whole batch must roll back"},
	}
	err := s.ExecuteMany(ctx, "INSERT INTO memory_long_term (memory_id, content) VALUES (?, ?)", rows)
	require.Error(t, err)

	var count int
	require.NoError(t, s.FetchOne(ctx, "SELECT COUNT(*) FROM memory_long_term").Scan(&count))
	assert.Equal(t, 0, count)
}

// hasFTS5 reports whether migration v2 actually created the index; drivers
// built without the sqlite_fts5 tag skip it.
func hasFTS5(t *testing.T, s *Store) bool {
	t.Helper()
	var n int
	require.NoError(t, s.FetchOne(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE name = 'memory_fts'").Scan(&n))
	return n > 0
}

func TestOpenSucceedsWithoutFTS5(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Whether or not the driver carries fts5, the database must open and
	// reach the full schema version.
	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.SchemaVersion)

	assert.True(t, isMissingFTS5(errors.New(`migration failed: no such module: fts5`)))
	assert.False(t, isMissingFTS5(errors.New("no such table: memory_fts")))
	assert.False(t, isMissingFTS5(nil))
}

func TestFTSStaysInSync(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if !hasFTS5(t, s) {
		t.Skip("driver built without fts5")
	}

	_, err := s.Insert(ctx, "memory_long_term", map[string]any{"memory_id": "f1", "content": "the capital of France is Paris"})
	require.NoError(t, err)

	var hits int
	require.NoError(t, s.FetchOne(ctx, "SELECT COUNT(*) FROM memory_fts WHERE memory_fts MATCH ?", "paris").Scan(&hits))
	assert.Equal(t, 1, hits)

	_, err = s.Update(ctx, "memory_long_term", map[string]any{"content": "the capital of Spain is Madrid"}, "memory_id = ?", "f1")
	require.NoError(t, err)

	require.NoError(t, s.FetchOne(ctx, "SELECT COUNT(*) FROM memory_fts WHERE memory_fts MATCH ?", "paris").Scan(&hits))
	assert.Equal(t, 0, hits)
	require.NoError(t, s.FetchOne(ctx, "SELECT COUNT(*) FROM memory_fts WHERE memory_fts MATCH ?", "madrid").Scan(&hits))
	assert.Equal(t, 1, hits)
}

func TestConcurrentWritersSerialize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Execute(ctx,
					"INSERT INTO logs (level, logger_name, message) VALUES (?, ?, ?)",
					"info", "test", "concurrent write")
				if err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, s.FetchOne(ctx, "SELECT COUNT(*) FROM logs").Scan(&count))
	assert.Equal(t, writers*perWriter, count)
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, "conversations", map[string]any{
		"session_id":         "session-1",
		"user_input":         "hello",
		"assistant_response": "hi there",
	})
	require.NoError(t, err)

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.SchemaVersion)
	assert.Equal(t, int64(1), st.Tables["conversations"])
	assert.Greater(t, st.SizeBytes, int64(0))
}
