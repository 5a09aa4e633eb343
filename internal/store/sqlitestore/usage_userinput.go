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

// UsageLogRepository is the sqlite-backed store.UsageLogRepository.
type UsageLogRepository struct {
	db *sql.DB
}

var _ store.UsageLogRepository = UsageLogRepository{}

func (r UsageLogRepository) Create(ctx context.Context, tx store.Tx, u *v1.UsageLog) error {
	q := querier(tx, r.db)
	usage, err := json.Marshal(u.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage_json: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO usage_logs (id, session_id, run_id, total_cost_usd, duration_ms, usage_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.SessionID, u.RunID, u.TotalCostUSD, u.DurationMs, string(usage), u.CreatedAt,
	)
	return err
}

// UserInputRequestRepository is the sqlite-backed store.UserInputRequestRepository.
type UserInputRequestRepository struct {
	db *sql.DB
}

var _ store.UserInputRequestRepository = UserInputRequestRepository{}

func (r UserInputRequestRepository) Create(ctx context.Context, tx store.Tx, req *v1.UserInputRequest) error {
	q := querier(tx, r.db)
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO user_input_requests (id, session_id, status, expires_at, payload, answer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.Status, req.ExpiresAt, string(payload), req.Answer, req.CreatedAt,
	)
	return err
}

func (r UserInputRequestRepository) Get(ctx context.Context, tx store.Tx, id string) (*v1.UserInputRequest, error) {
	q := querier(tx, r.db)
	row := q.QueryRowContext(ctx, `
		SELECT id, session_id, status, expires_at, payload, answer, created_at
		FROM user_input_requests WHERE id = ?`, id)

	var req v1.UserInputRequest
	var payload sql.NullString
	err := row.Scan(&req.ID, &req.SessionID, &req.Status, &req.ExpiresAt, &payload, &req.Answer, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user_input_request", id)
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &req.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &req, nil
}

// ExpireAllPending implements spec §4.3.4 step 3: every pending input
// request for the session is marked expired when the session is canceled.
func (r UserInputRequestRepository) ExpireAllPending(ctx context.Context, tx store.Tx, sessionID string, _ time.Time) error {
	q := querier(tx, r.db)
	_, err := q.ExecContext(ctx, `
		UPDATE user_input_requests SET status = ?
		WHERE session_id = ? AND status = ?`,
		v1.UserInputExpired, sessionID, v1.UserInputPending,
	)
	return err
}
