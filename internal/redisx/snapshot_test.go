package redisx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

func snapshotStrategy(id, updateTime int64, name string) *models.Strategy {
	return &models.Strategy{
		ID:         id,
		Name:       name,
		BkBizID:    2,
		IsEnabled:  true,
		UpdateTime: updateTime,
	}
}

func TestSnapshotSaveAndLoad(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	store := NewSnapshotStore(client)

	key, err := store.Save(ctx, snapshotStrategy(42, 1700000000, "cpu usage"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if want := SnapshotKey(42, 1700000000); key != want {
		t.Fatalf("snapshot key = %s, want %s", key, want)
	}

	got, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.ID != 42 || got.Name != "cpu usage" || got.UpdateTime != 1700000000 {
		t.Fatalf("loaded strategy = %+v, want the saved one", got)
	}
}

func TestSnapshotLoadLatestByUpdateTime(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	store := NewSnapshotStore(client)

	// Update times chosen so that lexicographic key order disagrees with
	// numeric order: "9" sorts after "100".
	for _, s := range []*models.Strategy{
		snapshotStrategy(7, 9, "oldest"),
		snapshotStrategy(7, 100, "newest"),
		snapshotStrategy(7, 30, "middle"),
		snapshotStrategy(8, 200, "other strategy"),
	} {
		if _, err := store.Save(ctx, s); err != nil {
			t.Fatalf("save %s failed: %v", s.Name, err)
		}
	}

	got, err := store.LoadLatest(ctx, 7)
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if got.Name != "newest" || got.UpdateTime != 100 {
		t.Fatalf("LoadLatest picked %q (update_time %d), want the highest update time", got.Name, got.UpdateTime)
	}
}

func TestSnapshotMissing(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	store := NewSnapshotStore(client)

	if _, err := store.LoadLatest(ctx, 99); !errors.Is(err, ErrSnapshotMissing) {
		t.Fatalf("LoadLatest with no snapshots = %v, want ErrSnapshotMissing", err)
	}

	store.SetTTL(time.Minute)
	if _, err := store.Save(ctx, snapshotStrategy(42, 1700000000, "cpu usage")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.LoadLatest(ctx, 42); !errors.Is(err, ErrSnapshotMissing) {
		t.Fatalf("LoadLatest after expiry = %v, want ErrSnapshotMissing", err)
	}
}
