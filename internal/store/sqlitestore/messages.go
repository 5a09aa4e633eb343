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

// MessageRepository is the sqlite-backed store.MessageRepository.
type MessageRepository struct {
	db *sql.DB
}

var _ store.MessageRepository = MessageRepository{}

func (r MessageRepository) Create(ctx context.Context, tx store.Tx, m *v1.AgentMessage) error {
	q := querier(tx, r.db)
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO agent_messages (id, session_id, role, content, text_preview, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, string(content), m.TextPreview, m.CreatedAt,
	)
	return err
}

func (r MessageRepository) List(ctx context.Context, tx store.Tx, sessionID string, limit, offset int) ([]*v1.AgentMessage, error) {
	q := querier(tx, r.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, role, content, text_preview, created_at
		FROM agent_messages WHERE session_id = ?
		ORDER BY created_at ASC LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.AgentMessage
	for rows.Next() {
		var m v1.AgentMessage
		var content sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &content, &m.TextPreview, &m.CreatedAt); err != nil {
			return nil, err
		}
		if content.Valid && content.String != "" {
			if err := json.Unmarshal([]byte(content.String), &m.Content); err != nil {
				return nil, fmt.Errorf("unmarshal content: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ToolExecutionRepository is the sqlite-backed store.ToolExecutionRepository.
type ToolExecutionRepository struct {
	db *sql.DB
}

var _ store.ToolExecutionRepository = ToolExecutionRepository{}

func (r ToolExecutionRepository) GetByToolUseID(ctx context.Context, tx store.Tx, sessionID, toolUseID string) (*v1.ToolExecution, error) {
	q := querier(tx, r.db)
	row := q.QueryRowContext(ctx, toolExecSelectColumns+`
		FROM tool_executions WHERE session_id = ? AND tool_use_id = ?`, sessionID, toolUseID)
	te, err := scanToolExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("tool_execution", toolUseID)
	}
	return te, err
}

func (r ToolExecutionRepository) Create(ctx context.Context, tx store.Tx, te *v1.ToolExecution) error {
	q := querier(tx, r.db)
	input, err := json.Marshal(te.ToolInput)
	if err != nil {
		return fmt.Errorf("marshal tool_input: %w", err)
	}
	output, outputSet, err := marshalToolOutput(te.ToolOutput)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO tool_executions (
			id, session_id, message_id, tool_use_id, tool_name, tool_input,
			tool_output, tool_output_set, result_message_id, is_error,
			duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		te.ID, te.SessionID, te.MessageID, te.ToolUseID, te.ToolName, string(input),
		output, outputSet, te.ResultMessageID, te.IsError, te.DurationMs, te.CreatedAt,
	)
	return err
}

func (r ToolExecutionRepository) Update(ctx context.Context, tx store.Tx, te *v1.ToolExecution) error {
	q := querier(tx, r.db)
	output, outputSet, err := marshalToolOutput(te.ToolOutput)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE tool_executions SET
			tool_output = ?, tool_output_set = ?, result_message_id = ?,
			is_error = ?, duration_ms = ?
		WHERE id = ?`,
		output, outputSet, te.ResultMessageID, te.IsError, te.DurationMs, te.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("tool_execution", te.ID)
	}
	return nil
}

func (r ToolExecutionRepository) ListOpen(ctx context.Context, tx store.Tx, sessionID string) ([]*v1.ToolExecution, error) {
	q := querier(tx, r.db)
	rows, err := q.QueryContext(ctx, toolExecSelectColumns+`
		FROM tool_executions WHERE session_id = ? AND tool_output_set = 0
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.ToolExecution
	for rows.Next() {
		te, err := scanToolExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, te)
	}
	return out, rows.Err()
}

func marshalToolOutput(out *v1.ToolOutput) (sql.NullString, bool, error) {
	if out == nil {
		return sql.NullString{}, false, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return sql.NullString{}, false, fmt.Errorf("marshal tool_output: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, true, nil
}

const toolExecSelectColumns = `
	SELECT id, session_id, message_id, tool_use_id, tool_name, tool_input,
	       tool_output, tool_output_set, result_message_id, is_error,
	       duration_ms, created_at`

func scanToolExecution(row rowScanner) (*v1.ToolExecution, error) {
	var te v1.ToolExecution
	var input, output sql.NullString
	var outputSet bool
	err := row.Scan(
		&te.ID, &te.SessionID, &te.MessageID, &te.ToolUseID, &te.ToolName,
		&input, &output, &outputSet, &te.ResultMessageID, &te.IsError,
		&te.DurationMs, &te.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &te.ToolInput); err != nil {
			return nil, fmt.Errorf("unmarshal tool_input: %w", err)
		}
	}
	if outputSet {
		var o v1.ToolOutput
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &o); err != nil {
				return nil, fmt.Errorf("unmarshal tool_output: %w", err)
			}
		}
		te.ToolOutput = &o
	}
	return &te, nil
}
