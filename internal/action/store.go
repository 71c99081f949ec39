package action

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

// ErrInstanceNotFound is returned when no action instance matches a lookup.
var ErrInstanceNotFound = errors.New("action instance not found")

// Store is the action-instance persistence contract.
type Store interface {
	Insert(ctx context.Context, instance *models.ActionInstance) error
	Update(ctx context.Context, instance *models.ActionInstance) error
	GetByID(ctx context.Context, id string) (*models.ActionInstance, error)
	// CountAttempts returns how many instances exist for one
	// (alert, action config) pair, which numbers the next attempt.
	CountAttempts(ctx context.Context, alertID string, actionConfigID int64) (int, error)
	// ListPolling returns non-terminal instances with an external task,
	// due another poll.
	ListPolling(ctx context.Context) ([]*models.ActionInstance, error)
}

// PgStore persists action instances in Postgres. A unique index on
// (alert_id, action_config_id, attempt) backs the idempotency invariant.
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

const instanceColumns = `id, action_config_id, bk_biz_id, alert_ids, signal,
	assignees, status, failure_reason, shielder_id, create_time, end_time,
	retry_count, attempt, recipients, external_task_id`

// Insert writes a fresh action instance. The alert_id column denormalises
// the first alert for the idempotency index.
func (s *PgStore) Insert(ctx context.Context, instance *models.ActionInstance) error {
	alertIDs, err := json.Marshal(instance.AlertIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal alert ids: %w", err)
	}
	assignees, err := json.Marshal(instance.Assignees)
	if err != nil {
		return fmt.Errorf("failed to marshal assignees: %w", err)
	}
	recipients, err := json.Marshal(instance.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	alertID := ""
	if len(instance.AlertIDs) > 0 {
		alertID = instance.AlertIDs[0]
	}
	query := `
		INSERT INTO alarm_action_instances (id, action_config_id, bk_biz_id, alert_ids,
			signal, assignees, status, failure_reason, shielder_id, create_time,
			end_time, retry_count, attempt, recipients, external_task_id, alert_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.conn.ExecContext(ctx, query,
		instance.ID, instance.ActionConfigID, instance.BkBizID, alertIDs,
		instance.Signal, assignees, instance.Status, instance.FailureReason,
		instance.ShielderID, instance.CreateTime, instance.EndTime,
		instance.RetryCount, instance.Attempt, recipients, instance.ExternalTaskID,
		alertID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert action instance: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of a non-terminal instance.
func (s *PgStore) Update(ctx context.Context, instance *models.ActionInstance) error {
	recipients, err := json.Marshal(instance.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	query := `
		UPDATE alarm_action_instances
		SET status = $2, failure_reason = $3, end_time = $4, retry_count = $5,
		    recipients = $6, external_task_id = $7
		WHERE id = $1
	`
	result, err := s.conn.ExecContext(ctx, query,
		instance.ID, instance.Status, instance.FailureReason, instance.EndTime,
		instance.RetryCount, recipients, instance.ExternalTaskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update action instance: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// GetByID returns one instance by its ID.
func (s *PgStore) GetByID(ctx context.Context, id string) (*models.ActionInstance, error) {
	query := fmt.Sprintf(`SELECT %s FROM alarm_action_instances WHERE id = $1`, instanceColumns)
	return scanInstance(s.conn.QueryRowContext(ctx, query, id))
}

// CountAttempts counts instances for one (alert, action config) pair.
func (s *PgStore) CountAttempts(ctx context.Context, alertID string, actionConfigID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM alarm_action_instances
		WHERE alert_id = $1 AND action_config_id = $2
	`
	var count int
	if err := s.conn.QueryRowContext(ctx, query, alertID, actionConfigID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return count, nil
}

// ListPolling returns running instances with a pending external task.
func (s *PgStore) ListPolling(ctx context.Context) ([]*models.ActionInstance, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM alarm_action_instances
		WHERE status = $1 AND external_task_id <> ''
		ORDER BY create_time
	`, instanceColumns)
	rows, err := s.conn.QueryContext(ctx, query, models.ActionStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list polling instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*models.ActionInstance, error) {
	var instance models.ActionInstance
	var alertIDs, assignees, recipients []byte
	err := row.Scan(
		&instance.ID, &instance.ActionConfigID, &instance.BkBizID, &alertIDs,
		&instance.Signal, &assignees, &instance.Status, &instance.FailureReason,
		&instance.ShielderID, &instance.CreateTime, &instance.EndTime,
		&instance.RetryCount, &instance.Attempt, &recipients, &instance.ExternalTaskID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to scan action instance: %w", err)
	}
	if len(alertIDs) > 0 {
		if err := json.Unmarshal(alertIDs, &instance.AlertIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert ids: %w", err)
		}
	}
	if len(assignees) > 0 {
		if err := json.Unmarshal(assignees, &instance.Assignees); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assignees: %w", err)
		}
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &instance.Recipients); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
		}
	}
	return &instance, nil
}

func scanInstances(rows *sql.Rows) ([]*models.ActionInstance, error) {
	var instances []*models.ActionInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate action instances: %w", err)
	}
	return instances, nil
}
