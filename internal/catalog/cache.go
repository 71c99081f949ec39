package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/router"
)

// Cache refreshes the catalog on a fixed cadence and publishes immutable
// snapshots. A refresh error keeps the previous snapshot; partial snapshots
// are never published.
type Cache struct {
	store       Store
	clusterName string
	interval    time.Duration

	qosSources    []string
	qosMultiplier int

	current    atomic.Pointer[Snapshot]
	generation atomic.Int64
	refreshCh  chan struct{}
}

// NewCache creates an unstarted cache. Refresh or Run must populate it
// before Snapshot returns a usable view.
func NewCache(store Store, clusterName string, interval time.Duration) *Cache {
	return &Cache{
		store:       store,
		clusterName: clusterName,
		interval:    interval,
		refreshCh:   make(chan struct{}, 1),
	}
}

// ConfigureQoS sets the data-source labels subject to the access-stage QoS
// drop and the interval-multiplier backoff applied to them. Takes effect on
// the next refresh.
func (c *Cache) ConfigureQoS(sources []string, multiplier int) {
	c.qosSources = sources
	c.qosMultiplier = multiplier
}

// Snapshot returns the current immutable view, or nil before the first
// successful refresh.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Router returns a router over the current snapshot's rules.
func (c *Cache) Router() *router.Router {
	snap := c.Snapshot()
	if snap == nil {
		return router.New(nil)
	}
	return router.New(snap.RouterRules)
}

// Refresh pulls every catalog collection and atomically swaps in the new
// snapshot. All-or-nothing: any load error leaves the old snapshot in place.
func (c *Cache) Refresh(ctx context.Context) error {
	strategies, err := c.store.LoadStrategies(ctx)
	if err != nil {
		return fmt.Errorf("refresh strategies: %w", err)
	}
	shields, err := c.store.LoadShields(ctx)
	if err != nil {
		return fmt.Errorf("refresh shields: %w", err)
	}
	groups, err := c.store.LoadUserGroups(ctx)
	if err != nil {
		return fmt.Errorf("refresh user groups: %w", err)
	}
	actions, err := c.store.LoadActionConfigs(ctx)
	if err != nil {
		return fmt.Errorf("refresh action configs: %w", err)
	}
	rules, err := c.store.LoadRouterRules(ctx)
	if err != nil {
		return fmt.Errorf("refresh router rules: %w", err)
	}
	whitelist, err := c.store.LoadBizWhitelist(ctx)
	if err != nil {
		return fmt.Errorf("refresh biz whitelist: %w", err)
	}

	sortShields(shields)
	snap := &Snapshot{
		Generation:    c.generation.Add(1),
		Strategies:    strategies,
		Shields:       shields,
		UserGroups:    groups,
		ActionConfigs: actions,
		RouterRules:   rules,
		Settings: Settings{
			ClusterName:    c.clusterName,
			BizWhitelist:   whitelist,
			QoSDropSources: c.qosDropSources(),
		},
		queryGroups: buildQueryGroups(strategies),
	}
	c.current.Store(snap)

	slog.Info("Catalog snapshot refreshed",
		"generation", snap.Generation,
		"strategies", len(strategies),
		"shields", len(shields),
		"user_groups", len(groups),
		"action_configs", len(actions),
		"query_groups", len(snap.queryGroups),
	)
	return nil
}

func (c *Cache) qosDropSources() map[string]int {
	if len(c.qosSources) == 0 {
		return nil
	}
	mult := c.qosMultiplier
	if mult < 2 {
		mult = 2
	}
	sources := make(map[string]int, len(c.qosSources))
	for _, s := range c.qosSources {
		sources[s] = mult
	}
	return sources
}

// TriggerRefresh requests an out-of-band refresh (ops API, alarmctl).
func (c *Cache) TriggerRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on the interval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		slog.Error("Initial catalog refresh failed", "error", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.refreshCh:
		}
		if err := c.Refresh(ctx); err != nil {
			// Keep serving the previous snapshot.
			slog.Error("Catalog refresh failed, retaining previous snapshot", "error", err)
		}
	}
}
