package writer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l3flow/models"
)

func TestSpoolReplaysInSequenceOrder(t *testing.T) {
	spool, err := OpenSpool(t.TempDir())
	require.NoError(t, err)
	defer spool.Close()

	require.NoError(t, spool.Put(testEvents("coinbase", "BTC-USD", 20, 2)))
	require.NoError(t, spool.Put(testEvents("coinbase", "BTC-USD", 5, 3)))
	require.NoError(t, spool.Put(testEvents("bitfinex", "BTC-USD", 1, 1)))

	n, err := spool.Len("coinbase", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var firsts []int64
	replayed, err := spool.Replay("coinbase", "BTC-USD", func(events []models.OrderEvent) error {
		firsts = append(firsts, events[0].Sequence)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, replayed)
	assert.Equal(t, []int64{5, 20}, firsts)

	n, err = spool.Len("coinbase", "BTC-USD")
	require.NoError(t, err)
	assert.Zero(t, n)

	// other streams are untouched
	n, err = spool.Len("bitfinex", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSpoolReplayStopsAtFirstError(t *testing.T) {
	spool, err := OpenSpool(t.TempDir())
	require.NoError(t, err)
	defer spool.Close()

	require.NoError(t, spool.Put(testEvents("coinbase", "ETH-USD", 1, 2)))
	require.NoError(t, spool.Put(testEvents("coinbase", "ETH-USD", 3, 2)))

	calls := 0
	replayed, err := spool.Replay("coinbase", "ETH-USD", func(events []models.OrderEvent) error {
		calls++
		if calls == 2 {
			return errors.New("store down")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, replayed)

	n, err := spool.Len("coinbase", "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSpoolSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	spool, err := OpenSpool(dir)
	require.NoError(t, err)
	require.NoError(t, spool.Put(testEvents("coinbase", "BTC-USD", 1, 3)))
	require.NoError(t, spool.Close())

	spool, err = OpenSpool(dir)
	require.NoError(t, err)
	defer spool.Close()

	var got []models.OrderEvent
	_, err = spool.Replay("coinbase", "BTC-USD", func(events []models.OrderEvent) error {
		got = append(got, events...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Price.Equal(testEvents("coinbase", "BTC-USD", 1, 1)[0].Price))
	assert.Equal(t, "test", got[2].Metadata["src"])
}
