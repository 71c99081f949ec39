package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/cmdb"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
)

// ErrDropAlert is returned by an enricher to discard the alert entirely.
var ErrDropAlert = errors.New("alert dropped by enricher")

// Enricher adds one facet of context to an alert. Enrichers must be
// idempotent: re-running over an already enriched alert is a no-op.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, alert *models.Alert) error
}

// Pipeline runs enrichers in order. A failing or panicking enricher is
// recorded on the alert and skipped; only ErrDropAlert stops the run.
type Pipeline struct {
	enrichers []Enricher
}

// NewPipeline assembles the ordered enrichment pipeline.
func NewPipeline(enrichers ...Enricher) *Pipeline {
	return &Pipeline{enrichers: enrichers}
}

// Run enriches the alert in place. It reports drop=true when an enricher
// rejected the alert.
func (p *Pipeline) Run(ctx context.Context, alert *models.Alert) (drop bool) {
	var failed []string
	for _, enricher := range p.enrichers {
		err := p.runOne(ctx, enricher, alert)
		if errors.Is(err, ErrDropAlert) {
			slog.Info("Alert dropped during enrichment",
				"enricher", enricher.Name(),
				"fingerprint", alert.Fingerprint,
			)
			return true
		}
		if err != nil {
			slog.Warn("Enricher failed",
				"enricher", enricher.Name(),
				"fingerprint", alert.Fingerprint,
				"error", err,
			)
			failed = append(failed, enricher.Name())
		}
	}
	if len(failed) > 0 {
		if alert.Tags == nil {
			alert.Tags = make(map[string]string)
		}
		alert.Tags["_enrich_errors"] = strings.Join(failed, ",")
	}
	return false
}

func (p *Pipeline) runOne(ctx context.Context, enricher Enricher, alert *models.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enricher panicked: %v", r)
		}
	}()
	return enricher.Enrich(ctx, alert)
}

// snapshotEnricher pins the strategy document the alert was opened under so
// later notification rendering survives strategy edits.
type snapshotEnricher struct {
	catalog   *catalog.Cache
	snapshots *redisx.SnapshotStore
}

// NewSnapshotEnricher creates the strategy snapshot enricher.
func NewSnapshotEnricher(cat *catalog.Cache, snapshots *redisx.SnapshotStore) Enricher {
	return &snapshotEnricher{catalog: cat, snapshots: snapshots}
}

func (e *snapshotEnricher) Name() string { return "strategy_snapshot" }

func (e *snapshotEnricher) Enrich(ctx context.Context, alert *models.Alert) error {
	if alert.SnapshotKey != "" {
		return nil
	}
	snap := e.catalog.Snapshot()
	if snap == nil {
		return fmt.Errorf("catalog snapshot not ready")
	}
	strategy := snap.Strategy(alert.StrategyID)
	if strategy == nil {
		return fmt.Errorf("strategy %d not in catalog", alert.StrategyID)
	}
	key, err := e.snapshots.Save(ctx, strategy)
	if err != nil {
		return err
	}
	alert.SnapshotKey = key
	return nil
}

// hostEnricher resolves the target host through CMDB and attaches topology
// context as tags.
type hostEnricher struct {
	provider cmdb.Provider
}

// NewHostEnricher creates the CMDB host translation enricher.
func NewHostEnricher(provider cmdb.Provider) Enricher {
	return &hostEnricher{provider: provider}
}

func (e *hostEnricher) Name() string { return "cmdb_host" }

func (e *hostEnricher) Enrich(ctx context.Context, alert *models.Alert) error {
	if alert.TargetType != TargetTypeHost {
		return nil
	}
	if alert.Tags["host_name"] != "" {
		return nil
	}
	ip, cloudStr, ok := strings.Cut(alert.Target, "|")
	if !ok {
		return fmt.Errorf("malformed host target %q", alert.Target)
	}
	cloudID, err := strconv.ParseInt(cloudStr, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed cloud id in target %q", alert.Target)
	}
	host, err := e.provider.HostByIP(ctx, ip, cloudID)
	if errors.Is(err, cmdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if alert.Tags == nil {
		alert.Tags = make(map[string]string)
	}
	alert.Tags["host_name"] = host.HostName
	alert.Tags["bk_host_id"] = strconv.FormatInt(host.BkHostID, 10)
	if len(host.TopoNodes) > 0 {
		alert.Tags["topo_nodes"] = strings.Join(host.TopoNodes, ",")
	}
	if host.BCSCluster != "" {
		alert.Tags["bcs_cluster_id"] = host.BCSCluster
	}
	return nil
}

// serviceInstanceEnricher resolves the service instance display name.
type serviceInstanceEnricher struct {
	provider cmdb.Provider
}

// NewServiceInstanceEnricher creates the service instance enricher.
func NewServiceInstanceEnricher(provider cmdb.Provider) Enricher {
	return &serviceInstanceEnricher{provider: provider}
}

func (e *serviceInstanceEnricher) Name() string { return "service_instance" }

func (e *serviceInstanceEnricher) Enrich(ctx context.Context, alert *models.Alert) error {
	if alert.TargetType != TargetTypeServiceInstance {
		return nil
	}
	if alert.Tags["service_instance_name"] != "" {
		return nil
	}
	instanceID, err := strconv.ParseInt(alert.Target, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed service instance target %q", alert.Target)
	}
	instance, err := e.provider.ServiceInstance(ctx, instanceID)
	if errors.Is(err, cmdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if alert.Tags == nil {
		alert.Tags = make(map[string]string)
	}
	alert.Tags["service_instance_name"] = instance.Name
	return nil
}

// aliasEnricher replaces raw result-table and log-index identifiers on the
// alert's dimensions with their display aliases from the strategy snapshot.
type aliasEnricher struct {
	catalog *catalog.Cache
}

// NewAliasEnricher creates the field alias enricher.
func NewAliasEnricher(cat *catalog.Cache) Enricher {
	return &aliasEnricher{catalog: cat}
}

func (e *aliasEnricher) Name() string { return "field_alias" }

func (e *aliasEnricher) Enrich(_ context.Context, alert *models.Alert) error {
	snap := e.catalog.Snapshot()
	if snap == nil {
		return nil
	}
	strategy := snap.Strategy(alert.StrategyID)
	if strategy == nil {
		return nil
	}
	if alert.Tags == nil {
		alert.Tags = make(map[string]string)
	}
	for i := range strategy.Items {
		for j := range strategy.Items[i].QueryConfigs {
			qc := &strategy.Items[i].QueryConfigs[j]
			if qc.Alias != "" && alert.Tags["metric_alias"] == "" {
				alert.Tags["metric_alias"] = qc.Alias
			}
			if qc.IndexSetID != 0 && alert.Tags["index_set_id"] == "" {
				alert.Tags["index_set_id"] = fmt.Sprintf("%d", qc.IndexSetID)
			}
		}
	}
	return nil
}

// whitelistEnricher drops alerts for businesses outside the tenant
// whitelist. An empty whitelist admits everything.
type whitelistEnricher struct {
	catalog *catalog.Cache
}

// NewWhitelistEnricher creates the tenant whitelist gate.
func NewWhitelistEnricher(cat *catalog.Cache) Enricher {
	return &whitelistEnricher{catalog: cat}
}

func (e *whitelistEnricher) Name() string { return "biz_whitelist" }

func (e *whitelistEnricher) Enrich(_ context.Context, alert *models.Alert) error {
	snap := e.catalog.Snapshot()
	if snap == nil {
		return nil
	}
	if !snap.Settings.WhitelistAllows(alert.BkBizID) {
		return ErrDropAlert
	}
	return nil
}
