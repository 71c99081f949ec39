package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

// ErrAlertNotFound is returned when no alert matches a lookup.
var ErrAlertNotFound = errors.New("alert not found")

// Store is the alert persistence contract the manager and checkers use.
type Store interface {
	GetOpenByFingerprint(ctx context.Context, fingerprint string) (*models.Alert, error)
	GetByID(ctx context.Context, id string) (*models.Alert, error)
	Insert(ctx context.Context, alert *models.Alert) error
	Update(ctx context.Context, alert *models.Alert) error
	ListOpen(ctx context.Context) ([]*models.Alert, error)
}

// PgStore persists alerts in Postgres. The (fingerprint, status) pair backs
// the single-open-alert invariant: a partial unique index over non-terminal
// statuses rejects a second open row for the same fingerprint.
type PgStore struct {
	conn *sql.DB
}

// NewPgStore opens and pings a Postgres connection.
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

// NewPgStoreFromConn wraps an existing connection.
func NewPgStoreFromConn(conn *sql.DB) *PgStore {
	return &PgStore{conn: conn}
}

// Close releases the connection.
func (s *PgStore) Close() error {
	return s.conn.Close()
}

const alertColumns = `id, fingerprint, alert_name, bk_biz_id, strategy_id,
	strategy_snapshot_key, severity, status, target_type, target,
	first_anomaly_time, latest_time, end_time, is_ack, dimensions, events`

// GetOpenByFingerprint returns the single non-terminal alert for a
// fingerprint, or ErrAlertNotFound.
func (s *PgStore) GetOpenByFingerprint(ctx context.Context, fingerprint string) (*models.Alert, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM alarm_alerts
		WHERE fingerprint = $1 AND status IN ($2, $3)
	`, alertColumns)
	row := s.conn.QueryRowContext(ctx, query, fingerprint,
		models.AlertStatusAbnormal, models.AlertStatusAbnormalAck)
	return scanAlert(row)
}

// GetByID returns one alert by its ID.
func (s *PgStore) GetByID(ctx context.Context, id string) (*models.Alert, error) {
	query := fmt.Sprintf(`SELECT %s FROM alarm_alerts WHERE id = $1`, alertColumns)
	return scanAlert(s.conn.QueryRowContext(ctx, query, id))
}

// Insert writes a freshly opened alert. The partial unique index on
// (fingerprint) over open statuses makes a concurrent double-open fail here.
func (s *PgStore) Insert(ctx context.Context, alert *models.Alert) error {
	dimensions, err := json.Marshal(alert.Dimensions)
	if err != nil {
		return fmt.Errorf("failed to marshal dimensions: %w", err)
	}
	eventList, err := json.Marshal(alert.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	query := `
		INSERT INTO alarm_alerts (id, fingerprint, alert_name, bk_biz_id, strategy_id,
			strategy_snapshot_key, severity, status, target_type, target,
			first_anomaly_time, latest_time, end_time, is_ack, dimensions, events)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.conn.ExecContext(ctx, query,
		alert.ID, alert.Fingerprint, alert.Name, alert.BkBizID, alert.StrategyID,
		alert.SnapshotKey, alert.Severity, alert.Status, alert.TargetType, alert.Target,
		alert.FirstAnomalyTime, alert.LatestTime, alert.EndTime, alert.IsAck,
		dimensions, eventList,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an alert row.
func (s *PgStore) Update(ctx context.Context, alert *models.Alert) error {
	eventList, err := json.Marshal(alert.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	query := `
		UPDATE alarm_alerts
		SET severity = $2, status = $3, latest_time = $4, end_time = $5,
		    is_ack = $6, events = $7, strategy_snapshot_key = $8
		WHERE id = $1
	`
	result, err := s.conn.ExecContext(ctx, query,
		alert.ID, alert.Severity, alert.Status, alert.LatestTime, alert.EndTime,
		alert.IsAck, eventList, alert.SnapshotKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// ListOpen returns every non-terminal alert, for the recovery checker.
func (s *PgStore) ListOpen(ctx context.Context) ([]*models.Alert, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM alarm_alerts
		WHERE status IN ($1, $2)
		ORDER BY latest_time
	`, alertColumns)
	rows, err := s.conn.QueryContext(ctx, query,
		models.AlertStatusAbnormal, models.AlertStatusAbnormalAck)
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var dimensions, eventList []byte
	err := row.Scan(
		&alert.ID, &alert.Fingerprint, &alert.Name, &alert.BkBizID, &alert.StrategyID,
		&alert.SnapshotKey, &alert.Severity, &alert.Status, &alert.TargetType, &alert.Target,
		&alert.FirstAnomalyTime, &alert.LatestTime, &alert.EndTime, &alert.IsAck,
		&dimensions, &eventList,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	if len(dimensions) > 0 {
		if err := json.Unmarshal(dimensions, &alert.Dimensions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dimensions: %w", err)
		}
	}
	if len(eventList) > 0 {
		if err := json.Unmarshal(eventList, &alert.Events); err != nil {
			return nil, fmt.Errorf("failed to unmarshal events: %w", err)
		}
	}
	return &alert, nil
}

func scanAlerts(rows *sql.Rows) ([]*models.Alert, error) {
	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}
