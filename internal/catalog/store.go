package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub031/internal/router"
)

// Store is the authoritative catalog source the cache refreshes from.
type Store interface {
	LoadStrategies(ctx context.Context) (map[int64]*models.Strategy, error)
	LoadShields(ctx context.Context) ([]*models.Shield, error)
	LoadUserGroups(ctx context.Context) (map[int64]*models.UserGroup, error)
	LoadActionConfigs(ctx context.Context) (map[int64]*models.ActionConfig, error)
	LoadRouterRules(ctx context.Context) ([]router.Rule, error)
	LoadBizWhitelist(ctx context.Context) (map[int64]bool, error)
}

// PgStore loads the catalog from Postgres. The config layer owns these
// tables and serialises each object as a JSON document; the pipeline only
// reads.
type PgStore struct {
	conn *sql.DB
}

// NewPgStore opens and validates a Postgres connection.
func NewPgStore(dsn string) (*PgStore, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PgStore{conn: conn}, nil
}

// NewPgStoreFromConn wraps an existing connection, used by tests and the
// alert/action stores that share the pool.
func NewPgStoreFromConn(conn *sql.DB) *PgStore {
	return &PgStore{conn: conn}
}

// Close closes the underlying connection.
func (s *PgStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Conn exposes the pool for stores that share it.
func (s *PgStore) Conn() *sql.DB { return s.conn }

// LoadStrategies reads every enabled strategy document.
func (s *PgStore) LoadStrategies(ctx context.Context) (map[int64]*models.Strategy, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, config FROM alarm_strategies WHERE is_enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*models.Strategy)
	for rows.Next() {
		var id int64
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan strategy row: %w", err)
		}
		var strategy models.Strategy
		if err := json.Unmarshal(doc, &strategy); err != nil {
			return nil, fmt.Errorf("failed to unmarshal strategy %d: %w", id, err)
		}
		strategy.ID = id
		out[id] = &strategy
	}
	return out, rows.Err()
}

// LoadShields reads every enabled shield document.
func (s *PgStore) LoadShields(ctx context.Context) ([]*models.Shield, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, config FROM alarm_shields WHERE is_enabled = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query shields: %w", err)
	}
	defer rows.Close()

	var out []*models.Shield
	for rows.Next() {
		var id int64
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan shield row: %w", err)
		}
		var shield models.Shield
		if err := json.Unmarshal(doc, &shield); err != nil {
			return nil, fmt.Errorf("failed to unmarshal shield %d: %w", id, err)
		}
		shield.ID = id
		shield.IsEnabled = true
		out = append(out, &shield)
	}
	return out, rows.Err()
}

// LoadUserGroups reads every user group document.
func (s *PgStore) LoadUserGroups(ctx context.Context) (map[int64]*models.UserGroup, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, config FROM alarm_user_groups`)
	if err != nil {
		return nil, fmt.Errorf("failed to query user groups: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*models.UserGroup)
	for rows.Next() {
		var id int64
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan user group row: %w", err)
		}
		var group models.UserGroup
		if err := json.Unmarshal(doc, &group); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user group %d: %w", id, err)
		}
		group.ID = id
		out[id] = &group
	}
	return out, rows.Err()
}

// LoadActionConfigs reads every enabled action config document.
func (s *PgStore) LoadActionConfigs(ctx context.Context) (map[int64]*models.ActionConfig, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, config FROM alarm_action_configs WHERE is_enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("failed to query action configs: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*models.ActionConfig)
	for rows.Next() {
		var id int64
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan action config row: %w", err)
		}
		var cfg models.ActionConfig
		if err := json.Unmarshal(doc, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action config %d: %w", id, err)
		}
		cfg.ID = id
		cfg.IsEnabled = true
		out[id] = &cfg
	}
	return out, rows.Err()
}

// LoadRouterRules reads the ordered cluster routing rules.
func (s *PgStore) LoadRouterRules(ctx context.Context) ([]router.Rule, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT config FROM alarm_router_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query router rules: %w", err)
	}
	defer rows.Close()

	var out []router.Rule
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan router rule row: %w", err)
		}
		var rule router.Rule
		if err := json.Unmarshal(doc, &rule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal router rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// LoadBizWhitelist reads the tenant business whitelist. An empty table means
// no whitelist is enforced.
func (s *PgStore) LoadBizWhitelist(ctx context.Context) (map[int64]bool, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT bk_biz_id FROM alarm_biz_whitelist`)
	if err != nil {
		return nil, fmt.Errorf("failed to query biz whitelist: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist row: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
