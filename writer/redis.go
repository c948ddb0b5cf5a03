package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "l3flow/config"
	"l3flow/logger"
	"l3flow/models"
)

const snapshotKeyPrefix = "l3flow:snapshot:"

// SnapshotCache keeps the newest snapshot of every stream in redis so that
// readers and restarts avoid a database round trip.
type SnapshotCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewSnapshotCache(ctx context.Context, cfg appconfig.RedisConfig) (*SnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &SnapshotCache{client: client, ttl: cfg.TTL}, nil
}

func snapshotKey(venue, instrument string) string {
	return snapshotKeyPrefix + venue + ":" + instrument
}

func (c *SnapshotCache) Put(ctx context.Context, snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return c.client.Set(ctx, snapshotKey(snap.Venue, snap.Instrument), data, c.ttl).Err()
}

func (c *SnapshotCache) Get(ctx context.Context, venue, instrument string) (*models.Snapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(venue, instrument)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (c *SnapshotCache) Close() error { return c.client.Close() }

// SnapshotCacher is what CachedStore needs from a cache.
type SnapshotCacher interface {
	Put(ctx context.Context, snap *models.Snapshot) error
	Get(ctx context.Context, venue, instrument string) (*models.Snapshot, error)
	Close() error
}

// CachedStore fronts a Store with the snapshot cache. Cache failures are
// logged and never fail the call.
type CachedStore struct {
	Store
	cache SnapshotCacher
	log   *logger.Log
}

func NewCachedStore(store Store, cache SnapshotCacher) *CachedStore {
	return &CachedStore{Store: store, cache: cache, log: logger.GetLogger()}
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if err := s.Store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := s.cache.Put(ctx, snap); err != nil {
		s.log.WithComponent("snapshot_cache").WithStream(snap.Venue, snap.Instrument).WithError(err).Warn("cache put failed")
	}
	return nil
}

func (s *CachedStore) LatestSnapshot(ctx context.Context, venue, instrument string) (*models.Snapshot, error) {
	snap, err := s.cache.Get(ctx, venue, instrument)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.WithComponent("snapshot_cache").WithStream(venue, instrument).WithError(err).Warn("cache get failed")
	}

	snap, err = s.Store.LatestSnapshot(ctx, venue, instrument)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Put(ctx, snap); err != nil {
		s.log.WithComponent("snapshot_cache").WithStream(venue, instrument).WithError(err).Debug("cache refill failed")
	}
	return snap, nil
}

func (s *CachedStore) Close() error {
	cacheErr := s.cache.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return cacheErr
}
