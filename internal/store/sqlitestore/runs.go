package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// RunRepository is the sqlite-backed store.RunRepository.
type RunRepository struct {
	db *sql.DB
}

var _ store.RunRepository = RunRepository{}

func (r RunRepository) Create(ctx context.Context, tx store.Tx, run *v1.Run) error {
	q := querier(tx, r.db)
	config, err := json.Marshal(run.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("marshal config_snapshot: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO runs (
			id, session_id, user_message_id, status, progress, schedule_mode,
			scheduled_at, config_snapshot, claimed_by, lease_expires_at,
			attempts, permission_mode, scheduled_task_id, last_error,
			started_at, finished_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.UserMessageID, run.Status, run.Progress,
		run.ScheduleMode, run.ScheduledAt, string(config), run.ClaimedBy,
		run.LeaseExpiresAt, run.Attempts, run.PermissionMode,
		run.ScheduledTaskID, run.LastError, run.StartedAt, run.FinishedAt,
		run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (r RunRepository) Get(ctx context.Context, tx store.Tx, id string) (*v1.Run, error) {
	q := querier(tx, r.db)
	row := q.QueryRowContext(ctx, runSelectColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row, id)
}

func (r RunRepository) Update(ctx context.Context, tx store.Tx, run *v1.Run) error {
	q := querier(tx, r.db)
	config, err := json.Marshal(run.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("marshal config_snapshot: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, progress = ?, scheduled_at = ?, config_snapshot = ?,
			claimed_by = ?, lease_expires_at = ?, attempts = ?,
			permission_mode = ?, scheduled_task_id = ?, last_error = ?,
			started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		run.Status, run.Progress, run.ScheduledAt, string(config),
		run.ClaimedBy, run.LeaseExpiresAt, run.Attempts, run.PermissionMode,
		run.ScheduledTaskID, run.LastError, run.StartedAt, run.FinishedAt,
		run.UpdatedAt, run.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("run", run.ID)
	}
	return nil
}

// ClaimNext implements the lease-based claim protocol of spec §4.1.2: an
// eligible run is one that is either queued, or claimed/running with an
// expired lease, restricted to the puller's schedule modes, with scheduled
// runs additionally gated on scheduled_at<=now and nightly runs gated on
// the caller-computed nightlyOpen window flag. Eligible rows are ordered
// oldest-scheduled-first, then oldest-created-first, and the first match
// is atomically re-stamped with the new owner and lease before being
// returned, so two pullers racing the same row never both win it.
func (r RunRepository) ClaimNext(ctx context.Context, tx store.Tx, workerID string, leaseSeconds int, modes []v1.ScheduleMode, now time.Time, nightlyOpen bool) (*v1.Run, error) {
	q := querier(tx, r.db)
	if len(modes) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(modes))
	args := make([]any, 0, len(modes)+4)
	for i, m := range modes {
		placeholders[i] = "?"
		args = append(args, string(m))
	}
	modeClause := strings.Join(placeholders, ",")

	includeNightly := nightlyOpen
	args = append(args, now, now, includeNightly)

	query := fmt.Sprintf(`
		SELECT id FROM runs
		WHERE schedule_mode IN (%s)
		  AND (
			status = 'queued'
			OR (status IN ('claimed','running') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
		  )
		  AND (schedule_mode != 'scheduled' OR scheduled_at <= ?)
		  AND (schedule_mode != 'nightly' OR ? = 1)
		ORDER BY
			CASE WHEN scheduled_at IS NULL THEN 1 ELSE 0 END,
			scheduled_at ASC,
			created_at ASC
		LIMIT 1`, modeClause)

	var id string
	err := q.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := q.ExecContext(ctx, `
		UPDATE runs SET
			status = 'claimed', claimed_by = ?, lease_expires_at = ?,
			attempts = attempts + 1, updated_at = ?
		WHERE id = ?`, workerID, leaseExpiresAt, now, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race to a concurrent claimant between the SELECT and
		// the UPDATE; the caller's next poll will pick up another run.
		return nil, nil
	}

	row := q.QueryRowContext(ctx, runSelectColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row, id)
}

func (r RunRepository) LatestNonTerminal(ctx context.Context, tx store.Tx, sessionID string) (*v1.Run, error) {
	q := querier(tx, r.db)
	row := q.QueryRowContext(ctx, runSelectColumns+`
		FROM runs
		WHERE session_id = ? AND status NOT IN ('completed','failed','canceled')
		ORDER BY created_at DESC LIMIT 1`, sessionID)
	run, err := scanRun(row, sessionID)
	if apperr.IsNotFound(err) {
		return nil, nil
	}
	return run, err
}

func (r RunRepository) CancelAllActive(ctx context.Context, tx store.Tx, sessionID string, now time.Time) error {
	q := querier(tx, r.db)
	_, err := q.ExecContext(ctx, `
		UPDATE runs SET status = 'canceled', lease_expires_at = NULL,
			finished_at = ?, updated_at = ?
		WHERE session_id = ? AND status IN ('queued','claimed','running')`,
		now, now, sessionID)
	return err
}

const runSelectColumns = `
	SELECT id, session_id, user_message_id, status, progress, schedule_mode,
	       scheduled_at, config_snapshot, claimed_by, lease_expires_at,
	       attempts, permission_mode, scheduled_task_id, last_error,
	       started_at, finished_at, created_at, updated_at`

func scanRun(row rowScanner, lookupKey string) (*v1.Run, error) {
	var run v1.Run
	var config sql.NullString
	err := row.Scan(
		&run.ID, &run.SessionID, &run.UserMessageID, &run.Status, &run.Progress,
		&run.ScheduleMode, &run.ScheduledAt, &config, &run.ClaimedBy,
		&run.LeaseExpiresAt, &run.Attempts, &run.PermissionMode,
		&run.ScheduledTaskID, &run.LastError, &run.StartedAt, &run.FinishedAt,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("run", lookupKey)
	}
	if err != nil {
		return nil, err
	}
	if config.Valid && config.String != "" && config.String != "null" {
		if err := json.Unmarshal([]byte(config.String), &run.ConfigSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal config_snapshot: %w", err)
		}
	}
	return &run, nil
}
