package writer

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	appconfig "l3flow/config"
	"l3flow/logger"
	"l3flow/models"
)

//go:embed schema.sql
var schemaSQL string

// pgClient is the subset of *pgxpool.Pool the store needs.
type pgClient interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

var _ pgClient = (*pgxpool.Pool)(nil)
var _ Store = (*PostgresStore)(nil)

const (
	insertEventSQL = `INSERT INTO level3_orders
	(venue, instrument, order_id, sequence, side, price, size, event_kind, ts, metadata, received_at)
	VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11)
	ON CONFLICT (venue, instrument, order_id, sequence) DO NOTHING`

	insertSnapshotSQL = `INSERT INTO level3_snapshots
	(venue, instrument, sequence, ts, bids, asks, bid_orders, ask_orders, bid_volume, ask_volume, best_bid, best_ask, spread, mid_price)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13::numeric, $14::numeric)
	ON CONFLICT (venue, instrument, sequence) DO NOTHING`

	selectEventColumns = `venue, instrument, order_id, sequence, side, price::text, size::text, event_kind, ts, metadata, received_at`

	selectSnapshotColumns = `venue, instrument, sequence, ts, bids, asks, bid_orders, ask_orders,
	bid_volume::text, ask_volume::text, best_bid::text, best_ask::text, spread::text, mid_price::text`
)

// PostgresStore is the primary event and snapshot store.
type PostgresStore struct {
	db  pgClient
	log *logger.Log
}

// NewPostgresStore connects a pgx pool and, if configured, bootstraps the
// tables.
func NewPostgresStore(ctx context.Context, cfg appconfig.PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgresql config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "l3flow"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgresql pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgresql: %w", err)
	}

	s := newPostgresStore(pool)
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	s.log.WithComponent("postgres_store").WithFields(logger.Fields{
		"host":     cfg.Host,
		"database": cfg.Database,
	}).Info("postgres store connected")
	return s, nil
}

func newPostgresStore(db pgClient) *PostgresStore {
	return &PostgresStore{db: db, log: logger.GetLogger()}
}

func buildConnectionString(cfg appconfig.PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		sslMode,
	)
}

// EnsureSchema creates the tables and indexes when they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func splitStatements(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *PostgresStore) Name() string { return "postgres" }

// WriteEvents inserts the batch in one round trip. Rows that already exist
// are skipped, so replaying a batch is harmless.
func (s *PostgresStore) WriteEvents(ctx context.Context, events []models.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		meta, err := encodeMetadata(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", e.Key(), err)
		}
		receivedAt := e.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}
		batch.Queue(insertEventSQL,
			e.Venue, e.Instrument, e.OrderID, e.Sequence, string(e.Side),
			e.Price.String(), e.Size.String(), string(e.Kind), e.Timestamp, meta, receivedAt,
		)
	}

	br := s.db.SendBatch(ctx, batch)
	var inserted int64
	for range events {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return fmt.Errorf("insert events: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}

	if skipped := int64(len(events)) - inserted; skipped > 0 {
		s.log.WithComponent("postgres_store").WithFields(logger.Fields{
			"batch":   len(events),
			"skipped": skipped,
		}).Debug("duplicate events ignored")
	}
	return nil
}

func encodeMetadata(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	return json.Marshal(meta)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("encode bids: %w", err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("encode asks: %w", err)
	}
	st := snap.Stats
	_, err = s.db.Exec(ctx, insertSnapshotSQL,
		snap.Venue, snap.Instrument, snap.Sequence, snap.Timestamp, bids, asks,
		st.BidOrders, st.AskOrders, st.BidVolume.String(), st.AskVolume.String(),
		nullDecimalText(st.BestBid), nullDecimalText(st.BestAsk),
		nullDecimalText(st.Spread), nullDecimalText(st.MidPrice),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func nullDecimalText(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	v := d.Decimal.String()
	return &v
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, venue, instrument string) (*models.Snapshot, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectSnapshotColumns+` FROM level3_snapshots
	WHERE venue = $1 AND instrument = $2
	ORDER BY sequence DESC LIMIT 1`, venue, instrument)
	return scanSnapshot(row)
}

func (s *PostgresStore) SnapshotAtOrBefore(ctx context.Context, venue, instrument string, sequence int64) (*models.Snapshot, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectSnapshotColumns+` FROM level3_snapshots
	WHERE venue = $1 AND instrument = $2 AND sequence <= $3
	ORDER BY sequence DESC LIMIT 1`, venue, instrument, sequence)
	return scanSnapshot(row)
}

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var (
		snap                 models.Snapshot
		bids, asks           []byte
		bidVolume, askVolume string
		bestBid, bestAsk     *string
		spread, mid          *string
	)
	err := row.Scan(&snap.Venue, &snap.Instrument, &snap.Sequence, &snap.Timestamp, &bids, &asks,
		&snap.Stats.BidOrders, &snap.Stats.AskOrders, &bidVolume, &askVolume,
		&bestBid, &bestAsk, &spread, &mid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	if err := json.Unmarshal(bids, &snap.Bids); err != nil {
		return nil, fmt.Errorf("decode bids: %w", err)
	}
	if err := json.Unmarshal(asks, &snap.Asks); err != nil {
		return nil, fmt.Errorf("decode asks: %w", err)
	}
	if snap.Stats.BidVolume, err = decimal.NewFromString(bidVolume); err != nil {
		return nil, fmt.Errorf("decode bid volume: %w", err)
	}
	if snap.Stats.AskVolume, err = decimal.NewFromString(askVolume); err != nil {
		return nil, fmt.Errorf("decode ask volume: %w", err)
	}
	for _, f := range []struct {
		src *string
		dst *decimal.NullDecimal
	}{
		{bestBid, &snap.Stats.BestBid},
		{bestAsk, &snap.Stats.BestAsk},
		{spread, &snap.Stats.Spread},
		{mid, &snap.Stats.MidPrice},
	} {
		if f.src == nil {
			continue
		}
		d, err := decimal.NewFromString(*f.src)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot stats: %w", err)
		}
		*f.dst = decimal.NewNullDecimal(d)
	}
	snap.Timestamp = snap.Timestamp.UTC()
	return &snap, nil
}

func (s *PostgresStore) EventsAfter(ctx context.Context, venue, instrument string, after int64, limit int) ([]models.OrderEvent, error) {
	if limit <= 0 {
		limit = models.MaxQueryLimit
	}
	rows, err := s.db.Query(ctx, `SELECT `+selectEventColumns+` FROM level3_orders
	WHERE venue = $1 AND instrument = $2 AND sequence > $3
	ORDER BY sequence ASC, id ASC LIMIT $4`, venue, instrument, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return collectEvents(rows)
}

func (s *PostgresStore) MaxSequence(ctx context.Context, venue, instrument string) (int64, error) {
	var max int64
	err := s.db.QueryRow(ctx, `SELECT COALESCE(max(sequence), 0) FROM level3_orders
	WHERE venue = $1 AND instrument = $2`, venue, instrument).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return max, nil
}

// QueryOrders returns events newest first.
func (s *PostgresStore) QueryOrders(ctx context.Context, q models.OrderQuery) ([]models.OrderEvent, error) {
	q.Normalize()
	var start, end *time.Time
	if !q.Start.IsZero() {
		start = &q.Start
	}
	if !q.End.IsZero() {
		end = &q.End
	}
	rows, err := s.db.Query(ctx, `SELECT `+selectEventColumns+` FROM level3_orders
	WHERE venue = $1 AND instrument = $2
	AND ($3::timestamptz IS NULL OR ts >= $3)
	AND ($4::timestamptz IS NULL OR ts <= $4)
	ORDER BY ts DESC, sequence DESC
	LIMIT $5 OFFSET $6`, q.Venue, q.Instrument, start, end, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]models.OrderEvent, error) {
	defer rows.Close()
	var out []models.OrderEvent
	for rows.Next() {
		var (
			e           models.OrderEvent
			side, kind  string
			price, size string
			meta        []byte
		)
		if err := rows.Scan(&e.Venue, &e.Instrument, &e.OrderID, &e.Sequence, &side,
			&price, &size, &kind, &e.Timestamp, &meta, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Side = models.Side(side)
		e.Kind = models.EventKind(kind)
		var err error
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("decode price: %w", err)
		}
		if e.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("decode size: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		e.ReceivedAt = e.ReceivedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Statistics(ctx context.Context, venue, instrument string) (models.StorageStats, error) {
	stats := models.StorageStats{Venue: venue, Instrument: instrument}
	var first, last *time.Time
	err := s.db.QueryRow(ctx, `SELECT count(*), count(DISTINCT order_id), min(ts), max(ts)
	FROM level3_orders WHERE venue = $1 AND instrument = $2`, venue, instrument).
		Scan(&stats.EventCount, &stats.DistinctOrders, &first, &last)
	if err != nil {
		return stats, fmt.Errorf("event statistics: %w", err)
	}
	if first != nil {
		stats.FirstEventAt = first.UTC()
	}
	if last != nil {
		stats.LastEventAt = last.UTC()
	}
	err = s.db.QueryRow(ctx, `SELECT count(*) FROM level3_snapshots WHERE venue = $1 AND instrument = $2`,
		venue, instrument).Scan(&stats.SnapshotCount)
	if err != nil {
		return stats, fmt.Errorf("snapshot statistics: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
