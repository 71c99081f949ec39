// Package redisx provides the k/v-store primitives the pipeline coordinates
// through: namespaced keys, TTL locks, monotonic checkpoints, strategy
// snapshots and the convergence window.
package redisx

import "fmt"

// Prefix is the cluster-wide key namespace. Every key the pipeline writes
// follows bkmonitorv3:<component>:<purpose>:<key>.
const Prefix = "bkmonitorv3"

// Key assembles a namespaced key from component, purpose and key parts.
func Key(component, purpose string, parts ...any) string {
	key := fmt.Sprintf("%s:%s:%s", Prefix, component, purpose)
	for _, p := range parts {
		key = fmt.Sprintf("%s:%v", key, p)
	}
	return key
}

// LockKey builds a lock key for a scope and key, e.g. lock:strategy:42.
func LockKey(scope string, key any) string {
	return fmt.Sprintf("%s:lock:%s:%v", Prefix, scope, key)
}

// CheckpointKey builds the checkpoint key for a strategy query group.
func CheckpointKey(strategyID int64, groupKey string) string {
	return fmt.Sprintf("%s:ckpt:%d:%s", Prefix, strategyID, groupKey)
}

// SnapshotKey builds the strategy snapshot key referenced by alerts.
func SnapshotKey(strategyID, updateTime int64) string {
	return fmt.Sprintf("%s:snap:strategy:%d:%d", Prefix, strategyID, updateTime)
}

// ConvergeKey builds the sorted-set key holding a convergence window.
func ConvergeKey(signature string) string {
	return fmt.Sprintf("%s:conv:%s", Prefix, signature)
}

// GlobalShieldKey is the process-wide dispatch kill switch.
func GlobalShieldKey() string {
	return Key("converge", "global_shield")
}

// TriggerKey holds the recent anomaly timestamps for one detected series at
// one severity, consulted by the trigger window check.
func TriggerKey(strategyID, itemID int64, level int, seriesKey string) string {
	return Key("detect", "trigger", strategyID, itemID, level, seriesKey)
}

// DetectResultKey holds the recent anomaly timestamps for a fingerprint,
// consulted by the recovery checker.
func DetectResultKey(fingerprint string) string {
	return Key("alert", "detect_result", fingerprint)
}

// QoSTokenKey builds the per-strategy action rate-limit bucket key.
func QoSTokenKey(strategyID int64, signal string, severity int) string {
	return Key("converge", "qos", strategyID, signal, severity)
}

// ActionDedupeKey guards against dispatching the same action twice for one
// alert transition within the convergence window.
func ActionDedupeKey(alertID string, actionConfigID int64, signal string) string {
	return Key("action", "dedupe", alertID, actionConfigID, signal)
}

// AnomalyReplayKey retains a recent raw anomaly payload for replay.
func AnomalyReplayKey(anomalyID string) string {
	return Key("detect", "replay", anomalyID)
}

// DimensionInventoryKey holds the continuous dimension-tuple inventory for
// an item, fed by access and consumed by the no-data check.
func DimensionInventoryKey(strategyID, itemID int64) string {
	return Key("access", "dims", strategyID, itemID)
}

// BacklogKey holds a consumer-reported backlog gauge for a topic, consulted
// by upstream stages for backpressure.
func BacklogKey(topic string) string {
	return Key("queue", "backlog", topic)
}

// DuplicateKey guards against re-emitting the same record within an access
// window.
func DuplicateKey(strategyID int64, groupKey string, ts int64) string {
	return Key("access", "dup", strategyID, groupKey, ts)
}
