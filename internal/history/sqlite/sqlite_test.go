package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/aoctl/internal/history"
)

func TestSQLiteSink_RoundTrip(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	run := uuid.New()
	base := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)

	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventWorkerStart, OccurredAt: base, RunID: run, Name: "p1", PID: 4242, Detail: "/proj"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventTickFailure, OccurredAt: base.Add(time.Second), RunID: run, Name: "Tick", Detail: "failures=1: boom"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventWorkerStop, OccurredAt: base.Add(2 * time.Second), RunID: run, Name: "p1", PID: 4242}))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM aoctl_history WHERE run_id = ?", run.String()).Scan(&count))
	assert.Equal(t, 3, count)

	got, err := sink.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, history.EventWorkerStop, got[0].Type)
	assert.Equal(t, run, got[0].RunID)
	assert.Equal(t, 4242, got[0].PID)
	assert.Empty(t, got[0].Detail)
	assert.Equal(t, history.EventTickFailure, got[1].Type)
	assert.Equal(t, "failures=1: boom", got[1].Detail)
	assert.True(t, got[1].OccurredAt.Equal(base.Add(time.Second)))
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventEscalation, OccurredAt: time.Now(), RunID: uuid.New(), Name: "Tick"}))
	got, err := sink.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
