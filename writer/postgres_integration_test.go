//go:build integration

package writer

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"l3flow/models"
)

func startPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("l3flow_test"),
		postgres.WithUsername("l3flow"),
		postgres.WithPassword("l3flow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(3*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	store := newPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	// bootstrapping twice must be harmless
	require.NoError(t, store.EnsureSchema(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStoreRetriedBatchHasNoDuplicates(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	events := testEvents("coinbase", "BTC-USD", 1, 50)

	require.NoError(t, store.WriteEvents(ctx, events[:20]))
	require.NoError(t, store.WriteEvents(ctx, events))
	require.NoError(t, store.WriteEvents(ctx, events))

	stats, err := store.Statistics(ctx, "coinbase", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(50), stats.EventCount)
	assert.Equal(t, int64(50), stats.DistinctOrders)
	assert.True(t, stats.FirstEventAt.Equal(events[0].Timestamp))
	assert.True(t, stats.LastEventAt.Equal(events[49].Timestamp))
}

func TestPostgresStoreBufferRetry(t *testing.T) {
	store := startPostgres(t)
	b := NewBuffer("bitfinex", "BTC-USD", testWriterConfig(10), store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	events := testEvents("bitfinex", "BTC-USD", 1, 10)
	for _, e := range events {
		b.Add(e)
	}
	// a replay of the same events must not add rows
	for _, e := range events {
		b.Add(e)
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	b.Close(closeCtx)

	stats, err := store.Statistics(context.Background(), "bitfinex", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.EventCount)
}

func TestPostgresStoreQueriesAndSnapshots(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	require.NoError(t, store.WriteEvents(ctx, testEvents("coinbase", "ETH-USD", 1, 10)))

	got, err := store.QueryOrders(ctx, models.OrderQuery{Venue: "coinbase", Instrument: "ETH-USD", Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(10), got[0].Sequence)
	assert.Equal(t, "100.5", got[0].Price.String())
	assert.Equal(t, "test", got[0].Metadata["src"])

	ranged, err := store.QueryOrders(ctx, models.OrderQuery{
		Venue: "coinbase", Instrument: "ETH-USD",
		Start: baseTime.Add(2 * time.Second),
		End:   baseTime.Add(4 * time.Second),
	})
	require.NoError(t, err)
	assert.Len(t, ranged, 3)

	after, err := store.EventsAfter(ctx, "coinbase", "ETH-USD", 8, 100)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(9), after[0].Sequence)

	max, err := store.MaxSequence(ctx, "coinbase", "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(10), max)
	max, err = store.MaxSequence(ctx, "bitfinex", "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)

	_, err = store.LatestSnapshot(ctx, "coinbase", "ETH-USD")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("coinbase", "ETH-USD", 5)))
	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("coinbase", "ETH-USD", 9)))
	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("coinbase", "ETH-USD", 9)))

	latest, err := store.LatestSnapshot(ctx, "coinbase", "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(9), latest.Sequence)
	require.Len(t, latest.Bids, 1)
	assert.Equal(t, "1.5", latest.Bids[0].Size.String())
	assert.True(t, latest.Stats.Spread.Valid)
	assert.Equal(t, "1", latest.Stats.Spread.Decimal.String())

	before, err := store.SnapshotAtOrBefore(ctx, "coinbase", "ETH-USD", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), before.Sequence)

	stats, err := store.Statistics(ctx, "coinbase", "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.SnapshotCount)
}
