package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

// DefaultSnapshotTTL must outlive the longest expected alert; alerts
// reference snapshots by key so later strategy edits never rewrite history.
const DefaultSnapshotTTL = 7 * 24 * time.Hour

// ErrSnapshotMissing is returned when a referenced snapshot has expired or
// was never written.
var ErrSnapshotMissing = fmt.Errorf("strategy snapshot missing")

// SnapshotStore freezes strategy JSON at alert-open time. Written by the
// alert manager, read by enrichment, expired by TTL.
type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotStore creates a snapshot store with the default TTL.
func NewSnapshotStore(client *redis.Client) *SnapshotStore {
	return &SnapshotStore{client: client, ttl: DefaultSnapshotTTL}
}

// SetTTL overrides the snapshot lifetime.
func (s *SnapshotStore) SetTTL(ttl time.Duration) { s.ttl = ttl }

// Save writes the strategy under its snapshot key and returns the key.
func (s *SnapshotStore) Save(ctx context.Context, strategy *models.Strategy) (string, error) {
	key := SnapshotKey(strategy.ID, strategy.UpdateTime)
	data, err := json.Marshal(strategy)
	if err != nil {
		return "", fmt.Errorf("failed to marshal strategy snapshot: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to write strategy snapshot: %w", err)
	}
	return key, nil
}

// LoadLatest returns the newest surviving snapshot of a strategy, or
// ErrSnapshotMissing when every snapshot expired. Newest means the highest
// update time encoded in the key, not key order.
func (s *SnapshotStore) LoadLatest(ctx context.Context, strategyID int64) (*models.Strategy, error) {
	pattern := fmt.Sprintf("%s:snap:strategy:%d:*", Prefix, strategyID)

	var latest string
	var latestTime int64 = -1
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ts, err := strconv.ParseInt(key[strings.LastIndexByte(key, ':')+1:], 10, 64)
		if err != nil {
			continue
		}
		if ts > latestTime {
			latest, latestTime = key, ts
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list strategy snapshots: %w", err)
	}
	if latest == "" {
		return nil, ErrSnapshotMissing
	}
	return s.Load(ctx, latest)
}

// Load hydrates the snapshot stored under key.
func (s *SnapshotStore) Load(ctx context.Context, key string) (*models.Strategy, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrSnapshotMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy snapshot: %w", err)
	}
	var strategy models.Strategy
	if err := json.Unmarshal(data, &strategy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal strategy snapshot: %w", err)
	}
	return &strategy, nil
}
