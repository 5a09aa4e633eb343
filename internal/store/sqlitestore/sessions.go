package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// SessionRepository is the sqlite-backed store.SessionRepository.
type SessionRepository struct {
	db *sql.DB
}

var _ store.SessionRepository = SessionRepository{}

func querier(tx store.Tx, db *sql.DB) interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
} {
	if tx != nil {
		if t, ok := tx.(*sql.Tx); ok {
			return t
		}
	}
	return db
}

func (r SessionRepository) Create(ctx context.Context, tx store.Tx, s *v1.Session) error {
	q := querier(tx, r.db)
	config, err := json.Marshal(s.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("marshal config_snapshot: %w", err)
	}
	statePatch, err := json.Marshal(s.StatePatch)
	if err != nil {
		return fmt.Errorf("marshal state_patch: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, project_id, status, config_snapshot, sdk_session_id,
			state_patch, workspace_export_status, workspace_files_prefix,
			workspace_manifest_key, workspace_archive_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.ProjectID, s.Status, string(config), s.SDKSessionID,
		string(statePatch), s.WorkspaceExportStatus, s.WorkspaceFilesPrefix,
		s.WorkspaceManifestKey, s.WorkspaceArchiveKey, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (r SessionRepository) Get(ctx context.Context, tx store.Tx, id string) (*v1.Session, error) {
	q := querier(tx, r.db)
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, status, config_snapshot, sdk_session_id,
		       state_patch, workspace_export_status, workspace_files_prefix,
		       workspace_manifest_key, workspace_archive_key, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row, id)
}

func (r SessionRepository) GetBySDKSessionID(ctx context.Context, tx store.Tx, sdkSessionID string) (*v1.Session, error) {
	q := querier(tx, r.db)
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, status, config_snapshot, sdk_session_id,
		       state_patch, workspace_export_status, workspace_files_prefix,
		       workspace_manifest_key, workspace_archive_key, created_at, updated_at
		FROM sessions WHERE sdk_session_id = ?`, sdkSessionID)
	return scanSession(row, sdkSessionID)
}

func (r SessionRepository) Update(ctx context.Context, tx store.Tx, s *v1.Session) error {
	q := querier(tx, r.db)
	config, err := json.Marshal(s.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("marshal config_snapshot: %w", err)
	}
	statePatch, err := json.Marshal(s.StatePatch)
	if err != nil {
		return fmt.Errorf("marshal state_patch: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, config_snapshot = ?, sdk_session_id = ?, state_patch = ?,
			workspace_export_status = ?, workspace_files_prefix = ?,
			workspace_manifest_key = ?, workspace_archive_key = ?, updated_at = ?
		WHERE id = ?`,
		s.Status, string(config), s.SDKSessionID, string(statePatch),
		s.WorkspaceExportStatus, s.WorkspaceFilesPrefix, s.WorkspaceManifestKey,
		s.WorkspaceArchiveKey, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("session", s.ID)
	}
	return nil
}

func (r SessionRepository) SetStatusIfNotCanceled(ctx context.Context, tx store.Tx, id string, status v1.SessionStatus) (bool, error) {
	q := querier(tx, r.db)
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != ?`, status, id, v1.SessionCanceled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r SessionRepository) List(ctx context.Context, tx store.Tx, userID string, limit, offset int) ([]*v1.Session, error) {
	q := querier(tx, r.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, project_id, status, config_snapshot, sdk_session_id,
		       state_patch, workspace_export_status, workspace_files_prefix,
		       workspace_manifest_key, workspace_archive_key, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Session
	for rows.Next() {
		s, err := scanSession(rows, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, lookupKey string) (*v1.Session, error) {
	var s v1.Session
	var config, statePatch sql.NullString
	err := row.Scan(
		&s.ID, &s.UserID, &s.ProjectID, &s.Status, &config, &s.SDKSessionID,
		&statePatch, &s.WorkspaceExportStatus, &s.WorkspaceFilesPrefix,
		&s.WorkspaceManifestKey, &s.WorkspaceArchiveKey, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session", lookupKey)
	}
	if err != nil {
		return nil, err
	}
	if config.Valid && config.String != "" && config.String != "null" {
		if err := json.Unmarshal([]byte(config.String), &s.ConfigSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal config_snapshot: %w", err)
		}
	}
	if statePatch.Valid && statePatch.String != "" && statePatch.String != "null" {
		if err := json.Unmarshal([]byte(statePatch.String), &s.StatePatch); err != nil {
			return nil, fmt.Errorf("unmarshal state_patch: %w", err)
		}
	}
	return &s, nil
}
