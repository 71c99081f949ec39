// alarmctl is the admin CLI for the alerting pipeline. Subcommands: tasks,
// shield on|off|status, refresh, inspect <strategy_id>, replay <anomaly_id>.
// Exit codes: 0 success, 2 usage, 3 upstream failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/kafka"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/shared"
)

const (
	exitOK       = 0
	exitUsage    = 2
	exitUpstream = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var apiURL string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.StringVar(&apiURL, "api-url", "", "ops API base URL (default derived from config listen address)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		return exitUpstream
	}
	if apiURL == "" {
		apiURL = deriveAPIURL(cfg.API.Listen)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "tasks":
		return cmdTasks(ctx, cfg)
	case "shield":
		if len(args) != 2 {
			usage()
			return exitUsage
		}
		return cmdShield(ctx, cfg, args[1])
	case "refresh":
		return cmdRefresh(ctx, apiURL)
	case "inspect":
		if len(args) != 2 {
			usage()
			return exitUsage
		}
		return cmdInspect(ctx, cfg, args[1])
	case "replay":
		if len(args) != 2 {
			usage()
			return exitUsage
		}
		return cmdReplay(ctx, cfg, args[1])
	}
	usage()
	return exitUsage
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: alarmctl [flags] <command>

Commands:
  tasks                  list poll tasks per strategy with checkpoints
  shield on|off|status   flip or report the global notification shield
  refresh                force a catalog refresh via the ops API
  inspect <strategy_id>  dump a strategy's lock and checkpoint state
  replay <anomaly_id>    re-publish a recent anomaly to the pipeline

Flags:
`)
	flag.PrintDefaults()
}

func deriveAPIURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}

func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	return shared.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

// cmdTasks lists the per-strategy query-group tasks the access stage
// schedules, with their checkpoints and the reporting services' health.
func cmdTasks(ctx context.Context, cfg *config.Config) int {
	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		return exitUpstream
	}
	defer rdb.Close()

	store, err := catalog.NewPgStore(cfg.Postgres.DSN)
	if err != nil {
		fmt.Fprintln(os.Stderr, "postgres:", err)
		return exitUpstream
	}
	cache := catalog.NewCache(store, cfg.ClusterName, time.Minute)
	if err := cache.Refresh(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "catalog:", err)
		return exitUpstream
	}
	snap := cache.Snapshot()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STRATEGY\tGROUP\tINTERVAL\tCHECKPOINT")
	for _, group := range snap.QueryGroups() {
		ckpt, err := rdb.Get(ctx, redisx.CheckpointKey(group.StrategyID, group.Key)).Int64()
		checkpoint := "-"
		if err == nil {
			checkpoint = time.Unix(ckpt, 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%ds\t%s\n", group.StrategyID, group.Key, group.Interval, checkpoint)
	}
	w.Flush()

	reader := metrics.NewReader(rdb)
	snapshots, err := reader.GetAllServiceMetrics(ctx)
	if err == nil && len(snapshots) > 0 {
		fmt.Println()
		sw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(sw, "SERVICE\tPROCESSED\tERRORS\tRATE")
		for _, name := range metrics.ServiceNames {
			m, ok := snapshots[name]
			if !ok {
				continue
			}
			fmt.Fprintf(sw, "%s\t%d\t%d\t%.1f/s\n", name, m.MessagesProcessed, m.ProcessingErrors, m.MessagesPerSecond)
		}
		sw.Flush()
	}
	return exitOK
}

func cmdShield(ctx context.Context, cfg *config.Config, verb string) int {
	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		return exitUpstream
	}
	defer rdb.Close()

	key := redisx.GlobalShieldKey()
	switch verb {
	case "on":
		if err := rdb.Set(ctx, key, "1", 0).Err(); err != nil {
			fmt.Fprintln(os.Stderr, "redis:", err)
			return exitUpstream
		}
		fmt.Println("global shield enabled")
	case "off":
		if err := rdb.Del(ctx, key).Err(); err != nil {
			fmt.Fprintln(os.Stderr, "redis:", err)
			return exitUpstream
		}
		fmt.Println("global shield disabled")
	case "status":
		val, err := rdb.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			fmt.Fprintln(os.Stderr, "redis:", err)
			return exitUpstream
		}
		if val == "1" || val == "true" {
			fmt.Println("global shield: on")
		} else {
			fmt.Println("global shield: off")
		}
	default:
		usage()
		return exitUsage
	}
	return exitOK
}

// cmdRefresh asks the running ops API to reload the catalog, so the worker
// fleet picks up config changes immediately.
func cmdRefresh(ctx context.Context, apiURL string) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/api/v1/catalog/refresh", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return exitUpstream
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ops API:", err)
		return exitUpstream
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "ops API returned", resp.Status)
		return exitUpstream
	}
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		fmt.Printf("catalog refreshed: %d strategies\n", body["strategies"])
	} else {
		fmt.Println("catalog refreshed")
	}
	return exitOK
}

func cmdInspect(ctx context.Context, cfg *config.Config, arg string) int {
	strategyID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid strategy id:", arg)
		return exitUsage
	}

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		return exitUpstream
	}
	defer rdb.Close()

	store, err := catalog.NewPgStore(cfg.Postgres.DSN)
	if err != nil {
		fmt.Fprintln(os.Stderr, "postgres:", err)
		return exitUpstream
	}
	cache := catalog.NewCache(store, cfg.ClusterName, time.Minute)
	if err := cache.Refresh(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "catalog:", err)
		return exitUpstream
	}
	strategy := cache.Snapshot().Strategy(strategyID)
	if strategy == nil {
		fmt.Fprintln(os.Stderr, "strategy not found:", strategyID)
		return exitUpstream
	}

	fmt.Printf("strategy %d: %s (biz %d, enabled %v)\n",
		strategy.ID, strategy.Name, strategy.BkBizID, strategy.IsEnabled)

	lockTTL, err := rdb.TTL(ctx, redisx.LockKey("strategy", strategyID)).Result()
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		return exitUpstream
	}
	if lockTTL > 0 {
		fmt.Printf("lock: held, ttl %s\n", lockTTL)
	} else {
		fmt.Println("lock: free")
	}

	pattern := redisx.CheckpointKey(strategyID, "*")
	prefix := redisx.CheckpointKey(strategyID, "")
	var cursor uint64
	printed := false
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			fmt.Fprintln(os.Stderr, "redis:", err)
			return exitUpstream
		}
		for _, key := range keys {
			ts, err := rdb.Get(ctx, key).Int64()
			if err != nil {
				continue
			}
			fmt.Printf("checkpoint %s: %s\n",
				strings.TrimPrefix(key, prefix), time.Unix(ts, 0).UTC().Format(time.RFC3339))
			printed = true
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	if !printed {
		fmt.Println("checkpoints: none")
	}
	return exitOK
}

// cmdReplay re-publishes a retained anomaly payload to the anomaly topic.
// The alert manager upsert is idempotent on the same input.
func cmdReplay(ctx context.Context, cfg *config.Config, anomalyID string) int {
	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		return exitUpstream
	}
	defer rdb.Close()

	payload, err := rdb.Get(ctx, redisx.AnomalyReplayKey(anomalyID)).Bytes()
	if err == redis.Nil {
		fmt.Fprintln(os.Stderr, "anomaly not found or expired:", anomalyID)
		return exitUpstream
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		return exitUpstream
	}

	writer, err := kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.AnomalyTopic)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kafka:", err)
		return exitUpstream
	}
	defer writer.Close()

	if err := writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(anomalyID),
		Value: payload,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "kafka:", err)
		return exitUpstream
	}
	fmt.Println("anomaly replayed:", anomalyID)
	return exitOK
}
