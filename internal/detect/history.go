package detect

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/tsdb"
)

// HistoryProvider serves historical values for comparison algorithms.
// ValueAt returns nil when no sample exists for the dimensions at ts.
type HistoryProvider interface {
	ValueAt(ctx context.Context, item *models.Item, dimensions map[string]string, ts int64) (*float64, error)
}

// DefaultHistoryCacheSize bounds the per-worker history cache.
const DefaultHistoryCacheSize = 1024

// HistoryCache pulls historical buckets through the data-source adapter and
// caches them keyed by (item_id, timestamp). One cached entry holds every
// series of the bucket, so ring-ratio checks across many dimension tuples
// share a single pull.
type HistoryCache struct {
	querier tsdb.Querier
	size    int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type historyEntry struct {
	key    string
	values map[string]float64 // dimension tuple -> value
}

// NewHistoryCache creates a bounded history cache over a querier.
func NewHistoryCache(querier tsdb.Querier, size int) *HistoryCache {
	if size <= 0 {
		size = DefaultHistoryCacheSize
	}
	return &HistoryCache{
		querier: querier,
		size:    size,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// ValueAt returns the item's value for the dimension tuple at the aligned
// timestamp ts, pulling the whole bucket on a cache miss.
func (c *HistoryCache) ValueAt(ctx context.Context, item *models.Item, dimensions map[string]string, ts int64) (*float64, error) {
	entry, err := c.bucket(ctx, item, ts)
	if err != nil {
		return nil, err
	}
	tuple := events.RecordID(dimensions, 0)
	if v, ok := entry.values[tuple]; ok {
		value := v
		return &value, nil
	}
	return nil, nil
}

func (c *HistoryCache) bucket(ctx context.Context, item *models.Item, ts int64) (*historyEntry, error) {
	key := fmt.Sprintf("%d:%d", item.ID, ts)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		entry := el.Value.(*historyEntry)
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	if len(item.QueryConfigs) == 0 {
		return nil, fmt.Errorf("item %d has no query configs", item.ID)
	}
	qc := &item.QueryConfigs[0]
	interval := item.Interval()

	seriesList, err := c.querier.Query(ctx, tsdb.QueryParams{
		Table:    qc.Table,
		Metric:   qc.Metric,
		Method:   qc.Method,
		Where:    qc.Where,
		GroupBy:  qc.GroupBy,
		Interval: interval,
		Start:    ts,
		End:      ts + interval,
	})
	if err != nil {
		return nil, fmt.Errorf("pulling history bucket at %d: %w", ts, err)
	}

	entry := &historyEntry{key: key, values: make(map[string]float64, len(seriesList))}
	for _, series := range seriesList {
		for _, sample := range series.Samples {
			if sample.Timestamp == ts {
				entry.values[events.RecordID(series.Dimensions, 0)] = sample.Value
				break
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*historyEntry), nil
	}
	c.entries[key] = c.order.PushFront(entry)
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*historyEntry).key)
	}
	return entry, nil
}
