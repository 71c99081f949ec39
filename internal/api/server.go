// Package api serves the ops surface: health, prometheus metrics, service
// snapshots, alert acknowledgement, the global shield switch, catalog
// refresh and per-strategy scheduling state.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/catalog"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/redisx"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/telemetry"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/metrics"
)

// Server is the ops HTTP API.
type Server struct {
	cfg       config.APIConfig
	alerts    alert.Store
	catalog   *catalog.Cache
	redis     *redis.Client
	reader    *metrics.Reader
	telemetry *telemetry.Metrics
	router    *gin.Engine
}

// NewServer wires the ops API routes.
func NewServer(
	cfg config.APIConfig,
	alerts alert.Store,
	cat *catalog.Cache,
	rdb *redis.Client,
	tel *telemetry.Metrics,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       cfg,
		alerts:    alerts,
		catalog:   cat,
		redis:     rdb,
		reader:    metrics.NewReader(rdb),
		telemetry: tel,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.telemetry.Registry, promhttp.HandlerOpts{},
	)))

	v1 := s.router.Group("/api/v1")
	v1.GET("/services", s.listServices)
	v1.POST("/alerts/:id/ack", s.ackAlert)
	v1.GET("/shield/global", s.globalShieldStatus)
	v1.PUT("/shield/global", s.setGlobalShield)
	v1.POST("/catalog/refresh", s.refreshCatalog)
	v1.GET("/strategies/:id/state", s.strategyState)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting ops API", "listen", s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops API server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listServices returns the latest per-service metrics snapshots from Redis.
func (s *Server) listServices(c *gin.Context) {
	snapshots, err := s.reader.GetAllServiceMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": snapshots})
}

// ackAlert marks an open abnormal alert as acknowledged. Acknowledgement
// suppresses re-notification but never closes the alert; detection keeps
// evaluating it and updates keep flowing.
func (s *Server) ackAlert(c *gin.Context) {
	id := c.Param("id")
	row, err := s.alerts.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, alert.ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	switch row.Status {
	case models.AlertStatusAbnormalAck:
		c.JSON(http.StatusOK, gin.H{"id": id, "status": row.Status})
		return
	case models.AlertStatusAbnormal:
	default:
		c.JSON(http.StatusConflict, gin.H{
			"error":  "alert is terminal",
			"status": row.Status,
		})
		return
	}

	row.Status = models.AlertStatusAbnormalAck
	row.IsAck = true
	if err := s.alerts.Update(c.Request.Context(), row); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Info("Alert acknowledged", "alert_id", id)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": row.Status})
}

type shieldRequest struct {
	Enabled bool `json:"enabled"`
}

// setGlobalShield flips the cluster-wide notification mute.
func (s *Server) setGlobalShield(c *gin.Context) {
	var req shieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	key := redisx.GlobalShieldKey()
	var err error
	if req.Enabled {
		err = s.redis.Set(c.Request.Context(), key, "1", 0).Err()
	} else {
		err = s.redis.Del(c.Request.Context(), key).Err()
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Info("Global shield updated", "enabled", req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

func (s *Server) globalShieldStatus(c *gin.Context) {
	val, err := s.redis.Get(c.Request.Context(), redisx.GlobalShieldKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": val == "1" || val == "true"})
}

// refreshCatalog forces an immediate catalog reload instead of waiting for
// the periodic refresh.
func (s *Server) refreshCatalog(c *gin.Context) {
	if err := s.catalog.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	snap := s.catalog.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"strategies": len(snap.Strategies),
	})
}

// strategyState reports one strategy's scheduling view: whether its access
// lock is currently held and the per-group detection checkpoints.
func (s *Server) strategyState(c *gin.Context) {
	strategyID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy id"})
		return
	}

	snap := s.catalog.Snapshot()
	if snap == nil || snap.Strategy(strategyID) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		return
	}

	ctx := c.Request.Context()
	lockKey := redisx.LockKey("strategy", strategyID)
	lockTTL, err := s.redis.TTL(ctx, lockKey).Result()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	checkpoints, err := s.scanCheckpoints(ctx, strategyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"strategy_id":      strategyID,
		"lock_held":        lockTTL > 0,
		"lock_ttl_seconds": int64(lockTTL / time.Second),
		"checkpoints":      checkpoints,
	})
}

// scanCheckpoints collects the strategy's per-group checkpoint timestamps.
func (s *Server) scanCheckpoints(ctx context.Context, strategyID int64) (map[string]int64, error) {
	pattern := redisx.CheckpointKey(strategyID, "*")
	prefix := redisx.CheckpointKey(strategyID, "")
	checkpoints := make(map[string]int64)

	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			val, err := s.redis.Get(ctx, key).Int64()
			if err != nil {
				continue
			}
			checkpoints[strings.TrimPrefix(key, prefix)] = val
		}
		if next == 0 {
			return checkpoints, nil
		}
		cursor = next
	}
}
