package writer

import (
	"context"
	"errors"

	"l3flow/models"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("not found")

// EventSink accepts flushed batches of order events. WriteEvents must be
// idempotent: a batch may be written again after a partial failure.
type EventSink interface {
	Name() string
	WriteEvents(ctx context.Context, events []models.OrderEvent) error
}

// SnapshotPublisher forwards snapshots to a best-effort secondary sink.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, snap *models.Snapshot) error
}

// Store is the primary system of record for events and snapshots.
type Store interface {
	EventSink

	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error
	LatestSnapshot(ctx context.Context, venue, instrument string) (*models.Snapshot, error)
	SnapshotAtOrBefore(ctx context.Context, venue, instrument string, sequence int64) (*models.Snapshot, error)
	EventsAfter(ctx context.Context, venue, instrument string, after int64, limit int) ([]models.OrderEvent, error)
	// MaxSequence is the highest persisted event sequence, zero when none.
	MaxSequence(ctx context.Context, venue, instrument string) (int64, error)
	QueryOrders(ctx context.Context, q models.OrderQuery) ([]models.OrderEvent, error)
	Statistics(ctx context.Context, venue, instrument string) (models.StorageStats, error)

	Close() error
}

func streamKey(venue, instrument string) string {
	return venue + "|" + instrument
}
