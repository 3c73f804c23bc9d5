package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestShortTermEvictsOldestPastCap(t *testing.T) {
	st := NewShortTerm(3, 3600, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three", "four", "five"} {
		st.Add(ctx, "s1", "user", msg, nil)
	}

	items := st.All("s1")
	require.Len(t, items, 3)
	assert.Equal(t, "three", items[0].Content)
	assert.Equal(t, "five", items[2].Content)
}

func TestShortTermSessionsAreIsolated(t *testing.T) {
	st := NewShortTerm(10, 3600, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	st.Add(ctx, "a", "user", "hello from a", nil)
	st.Add(ctx, "b", "user", "hello from b", nil)

	require.Len(t, st.All("a"), 1)
	require.Len(t, st.All("b"), 1)
	assert.Equal(t, "hello from a", st.All("a")[0].Content)
}

func TestShortTermExpiry(t *testing.T) {
	st := NewShortTerm(10, 1, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	st.Add(ctx, "s1", "user", "ephemeral", nil)
	require.Len(t, st.All("s1"), 1)

	time.Sleep(1100 * time.Millisecond)
	assert.Empty(t, st.All("s1"))
}

func TestShortTermContextFormat(t *testing.T) {
	st := NewShortTerm(10, 3600, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	st.Add(ctx, "s1", "user", "what is Go", nil)
	st.Add(ctx, "s1", "assistant", "a programming language", nil)
	st.Add(ctx, "s1", "user", "thanks", nil)

	full := st.Context("s1", 0)
	assert.Equal(t, "USER: what is Go\nASSISTANT: a programming language\nUSER: thanks", full)

	limited := st.Context("s1", 2)
	assert.Equal(t, "ASSISTANT: a programming language\nUSER: thanks", limited)
}

func TestShortTermByRoleAndStats(t *testing.T) {
	st := NewShortTerm(10, 3600, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	st.Add(ctx, "s1", "user", "q1", nil)
	st.Add(ctx, "s1", "assistant", "a1", nil)
	st.Add(ctx, "s1", "user", "q2", nil)

	assert.Len(t, st.ByRole("s1", "user"), 2)
	assert.Len(t, st.ByRole("s1", "assistant"), 1)

	stats := st.Stats("s1")
	assert.Equal(t, 3, stats["total_items"])
	assert.Equal(t, 2, stats["user_messages"])
}

func TestShortTermClear(t *testing.T) {
	st := NewShortTerm(10, 3600, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	st.Add(ctx, "s1", "user", "a", nil)
	st.Add(ctx, "s1", "user", "b", nil)

	assert.Equal(t, 2, st.Clear("s1"))
	assert.Empty(t, st.All("s1"))
}

func TestShortTermClearExcludesExpired(t *testing.T) {
	st := NewShortTerm(10, 1, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	st.Add(ctx, "s1", "user", "already dead by the time we clear", nil)
	st.Add(ctx, "s1", "user", "this one too", nil)
	time.Sleep(1100 * time.Millisecond)

	assert.Equal(t, 0, st.Clear("s1"))
}

func TestShortTermWriteThrough(t *testing.T) {
	db := newTestStore(t)
	st := NewShortTerm(10, 3600, db, zaptest.NewLogger(t))
	ctx := context.Background()

	st.Add(ctx, "s1", "user", "persisted", map[string]any{"k": "v"})

	row := db.FetchOne(ctx, "SELECT COUNT(*) FROM memory_short_term WHERE session_id = ?", "s1")
	var count int
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}
