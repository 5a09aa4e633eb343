package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// ScheduledTaskRepository is the sqlite-backed store.ScheduledTaskRepository.
type ScheduledTaskRepository struct {
	db *sql.DB
}

var _ store.ScheduledTaskRepository = ScheduledTaskRepository{}

const scheduledTaskSelectColumns = `
	SELECT id, user_id, project_id, name, prompt, config_snapshot, enabled,
	       cron_expr, timezone, next_run_at, last_run_id, last_run_status,
	       last_error, created_at, updated_at
	FROM scheduled_tasks`

func (r ScheduledTaskRepository) Create(ctx context.Context, tx store.Tx, t *v1.ScheduledTask) error {
	q := querier(tx, r.db)
	config, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (
			id, user_id, project_id, name, prompt, config_snapshot, enabled,
			cron_expr, timezone, next_run_at, last_run_id, last_run_status,
			last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.ProjectID, t.Name, t.Prompt, string(config), t.Enabled,
		t.CronExpr, t.Timezone, t.NextRunAt, t.LastRunID, t.LastRunStatus,
		t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r ScheduledTaskRepository) Get(ctx context.Context, tx store.Tx, id string) (*v1.ScheduledTask, error) {
	q := querier(tx, r.db)
	row := q.QueryRowContext(ctx, scheduledTaskSelectColumns+` WHERE id = ?`, id)
	return scanScheduledTask(row, id)
}

func (r ScheduledTaskRepository) Update(ctx context.Context, tx store.Tx, t *v1.ScheduledTask) error {
	q := querier(tx, r.db)
	config, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			name = ?, prompt = ?, config_snapshot = ?, enabled = ?, cron_expr = ?,
			timezone = ?, next_run_at = ?, last_run_id = ?, last_run_status = ?,
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Prompt, string(config), t.Enabled, t.CronExpr, t.Timezone,
		t.NextRunAt, t.LastRunID, t.LastRunStatus, t.LastError, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("scheduled_task", t.ID)
	}
	return nil
}

func (r ScheduledTaskRepository) List(ctx context.Context, tx store.Tx, userID string) ([]*v1.ScheduledTask, error) {
	q := querier(tx, r.db)
	rows, err := q.QueryContext(ctx, scheduledTaskSelectColumns+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDue implements the scan behind POST /internal/scheduled-tasks/dispatch-due:
// every enabled task whose next_run_at has arrived, oldest first.
func (r ScheduledTaskRepository) ListDue(ctx context.Context, tx store.Tx, now time.Time, limit int) ([]*v1.ScheduledTask, error) {
	q := querier(tx, r.db)
	rows, err := q.QueryContext(ctx, scheduledTaskSelectColumns+`
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows, "due")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanScheduledTask(row rowScanner, lookupKey string) (*v1.ScheduledTask, error) {
	var t v1.ScheduledTask
	var config sql.NullString
	err := row.Scan(
		&t.ID, &t.UserID, &t.ProjectID, &t.Name, &t.Prompt, &config, &t.Enabled,
		&t.CronExpr, &t.Timezone, &t.NextRunAt, &t.LastRunID, &t.LastRunStatus,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("scheduled_task", lookupKey)
	}
	if err != nil {
		return nil, err
	}
	if config.Valid && config.String != "" && config.String != "null" {
		if err := json.Unmarshal([]byte(config.String), &t.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config_snapshot: %w", err)
		}
	}
	return &t, nil
}
