// Package alert owns the alert lifecycle: fingerprint dedupe, open/update,
// enrichment, recovery and TTL close. It consumes anomalies and emits alert
// signals for the converge stage.
package alert

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

// Target types recognised on anomaly dimensions.
const (
	TargetTypeHost            = "HOST"
	TargetTypeServiceInstance = "SERVICE"
	TargetTypeTopo            = "TOPO"
)

// ResolveTarget derives the (target_type, target) pair from anomaly
// dimensions. Hosts canonicalise to "ip|cloud_id".
func ResolveTarget(dimensions map[string]string) (string, string) {
	if ip, ok := dimensions["bk_target_ip"]; ok && ip != "" {
		cloud := dimensions["bk_target_cloud_id"]
		if cloud == "" {
			cloud = "0"
		}
		return TargetTypeHost, ip + "|" + cloud
	}
	if id, ok := dimensions["bk_target_service_instance_id"]; ok && id != "" {
		return TargetTypeServiceInstance, id
	}
	if node, ok := dimensions["bk_obj_id"]; ok && node != "" {
		return TargetTypeTopo, node + "|" + dimensions["bk_inst_id"]
	}
	return "", ""
}

// Fingerprint hashes the strategy's dedupe-key values for an anomaly.
// Strategies without an override hash the default key set. Unknown keys
// resolve through the anomaly dimensions so dimension-level dedupe is a
// config choice away.
func Fingerprint(strategy *models.Strategy, anomaly *events.Anomaly) string {
	keys := strategy.DedupeKeys
	if len(keys) == 0 {
		keys = models.DefaultDedupeKeys
	}
	targetType, target := ResolveTarget(anomaly.Dimensions)

	parts := make([]string, 0, len(keys))
	for _, key := range sortedCopy(keys) {
		var value string
		switch key {
		case "alert_name":
			value = strategy.Name
		case "strategy_id":
			value = strconv.FormatInt(strategy.ID, 10)
		case "bk_biz_id":
			value = strconv.FormatInt(strategy.BkBizID, 10)
		case "target_type":
			value = targetType
		case "target":
			value = target
		default:
			value = anomaly.Dimensions[key]
		}
		parts = append(parts, fmt.Sprintf("%s:%s", key, value))
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func sortedCopy(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}
