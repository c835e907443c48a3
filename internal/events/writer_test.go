package events

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdline/internal/db"
	"sdline/internal/decision"
	"sdline/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func TestWriterRoundTripsThroughLogger(t *testing.T) {
	w := Writer{DB: newTestDB(t)}
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	l := decision.NewLogger("sess-a", decision.WithSink(w), decision.WithClock(clock), decision.WithDirective("SD-1"))
	l.Log(decision.Entry{Category: decision.CategoryRequirement, Action: decision.ActionPass, Reason: "prd present", Context: map[string]any{"requirement": "prd_exists"}})
	l.Log(decision.Entry{Category: decision.CategoryRequirement, Action: decision.ActionBlock, Reason: "handoff missing"})

	other := decision.NewLogger("sess-b", decision.WithSink(w), decision.WithDirective("SD-2"))
	other.Log(decision.Entry{Category: decision.CategoryRun, Action: decision.ActionPass})

	ctx := context.Background()
	got, err := w.List(ctx, Query{SessionID: "sess-a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, decision.ActionPass, got[0].Action)
	assert.Equal(t, "prd_exists", got[0].Context["requirement"])
	assert.Equal(t, "SD-1", got[1].DirectiveID)

	blocked, err := w.List(ctx, Query{DirectiveID: "SD-1", Action: string(decision.ActionBlock)})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "handoff missing", blocked[0].Reason)

	sessions, err := w.Sessions(ctx, "SD-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-b"}, sessions)
}
