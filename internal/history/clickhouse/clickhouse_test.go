package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/aoctl/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its
// native protocol address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start ClickHouse container")

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(Options{Addr: addr, Table: "aoctl_history_test"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	run := uuid.New()
	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventWorkerStart, OccurredAt: now, RunID: run, Name: "p1", PID: 12345}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventTickFailure, OccurredAt: now.Add(time.Second), RunID: run, Name: "Tick", Detail: "failures=1: boom"}))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM aoctl_history_test WHERE run_id = ?", run).Scan(&count))
	assert.Equal(t, uint64(2), count)

	var detail *string
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT detail FROM aoctl_history_test WHERE type = 'tick_failure'").Scan(&detail))
	require.NotNil(t, detail)
	assert.Equal(t, "failures=1: boom", *detail)
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	_, err := New(Options{Addr: "invalid-host:9000", Table: "test_table"})
	assert.Error(t, err)
}
