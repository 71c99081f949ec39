package converge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
)

// Candidate is one (signal, action config) pair about to become a trigger.
type Candidate struct {
	AlertID        string
	Fingerprint    string
	StrategyID     int64
	BkBizID        int64
	Severity       int
	Signal         string
	ActionConfigID int64
}

// Signature composes the identity a burst is collapsed on. Fields come from
// configuration so operators can widen or narrow what counts as "the same"
// dispatch.
func Signature(fields []string, c *Candidate) string {
	h := md5.New()
	for _, field := range fields {
		var value string
		switch field {
		case "bk_biz_id":
			value = strconv.FormatInt(c.BkBizID, 10)
		case "strategy_id":
			value = strconv.FormatInt(c.StrategyID, 10)
		case "action_config_id":
			value = strconv.FormatInt(c.ActionConfigID, 10)
		case "signal":
			value = c.Signal
		case "severity":
			value = strconv.Itoa(c.Severity)
		case "fingerprint":
			value = c.Fingerprint
		case "alert_id":
			value = c.AlertID
		}
		fmt.Fprintf(h, "%s:%s|", field, value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Window suppresses repeat candidates sharing a signature inside a sliding
// time window. The first candidate in each window passes; later ones
// converge onto it.
type Window struct {
	cfg   config.ConvergeConfig
	redis *redis.Client
}

// NewWindow creates the convergence window over the shared k/v store.
func NewWindow(cfg config.ConvergeConfig, rdb *redis.Client) *Window {
	return &Window{cfg: cfg, redis: rdb}
}

// Admit records the candidate and reports whether it is the first of its
// signature inside the window. windowSeconds of zero falls back to the
// configured default.
func (w *Window) Admit(ctx context.Context, c *Candidate, windowSeconds int64, now time.Time) (bool, error) {
	if windowSeconds <= 0 {
		windowSeconds = int64(w.cfg.DefaultWindowSeconds)
	}
	key := redisx.ConvergeKey(Signature(w.cfg.SignatureFields, c))
	ts := now.Unix()
	windowStart := ts - windowSeconds

	pipe := w.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(windowStart, 10))
	count := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: fmt.Sprintf("%s:%d", c.AlertID, ts)})
	pipe.Expire(ctx, key, 2*time.Duration(windowSeconds)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("updating convergence window: %w", err)
	}
	return count.Val() == 0, nil
}

// QoS caps how many triggers one (strategy, signal, severity) tuple may
// dispatch inside a window. Overflow is suppressed rather than queued so a
// flapping strategy cannot starve the executor.
type QoS struct {
	cfg   config.ConvergeConfig
	redis *redis.Client
}

// NewQoS creates the per-strategy trigger rate limiter.
func NewQoS(cfg config.ConvergeConfig, rdb *redis.Client) *QoS {
	return &QoS{cfg: cfg, redis: rdb}
}

// Allow consumes one token and reports whether the candidate is still under
// the cap. A non-positive limit disables the cap.
func (q *QoS) Allow(ctx context.Context, c *Candidate) (bool, error) {
	limit := q.cfg.QoSLimitPerWindow
	if limit <= 0 {
		return true, nil
	}
	key := redisx.QoSTokenKey(c.StrategyID, c.Signal, c.Severity)
	count, err := q.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("consuming qos token: %w", err)
	}
	if count == 1 {
		window := time.Duration(q.cfg.DefaultWindowSeconds) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		if err := q.redis.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("arming qos window: %w", err)
		}
	}
	return count <= int64(limit), nil
}
