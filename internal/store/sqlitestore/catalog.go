package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/store"
)

// CatalogRepository is the sqlite-backed store.CatalogRepository. It
// implements the shadowing rule shared by every capability catalog: for a
// given (kind, name), a user-scoped record outranks a system-scoped one.
type CatalogRepository struct {
	db *sql.DB
}

var _ store.CatalogRepository = CatalogRepository{}

func (r CatalogRepository) ResolveVisible(ctx context.Context, tx store.Tx, kind store.CapabilityKind, userID string, ids []string) ([]store.CatalogRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := querier(tx, r.db)

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(kind))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, userID)

	query := fmt.Sprintf(`
		SELECT id, name, scope, owner_user_id, payload
		FROM capability_records
		WHERE kind = ? AND id IN (%s) AND (scope = 'system' OR owner_user_id = ?)`,
		strings.Join(placeholders, ","))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]store.CatalogRecord, len(ids))
	byName := make(map[string]store.CatalogRecord, len(ids))
	for rows.Next() {
		var rec store.CatalogRecord
		var ownerUserID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Scope, &ownerUserID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}

		// A user-scoped record always shadows a same-named system-scoped
		// one, regardless of which was fetched first.
		existing, ok := byName[rec.Name]
		if !ok || (rec.Scope == "user" && existing.Scope != "user") {
			byName[rec.Name] = rec
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]store.CatalogRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			continue // deleted since enqueue; silently skipped per spec §4.2.2
		}
		if winner, ok := byName[rec.Name]; ok {
			out = append(out, winner)
		}
	}
	return dedupeByID(out), nil
}

func dedupeByID(in []store.CatalogRecord) []store.CatalogRecord {
	seen := make(map[string]bool, len(in))
	out := make([]store.CatalogRecord, 0, len(in))
	for _, rec := range in {
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		out = append(out, rec)
	}
	return out
}

func (r CatalogRepository) Create(ctx context.Context, tx store.Tx, kind store.CapabilityKind, rec *store.CatalogRecord) error {
	q := querier(tx, r.db)
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO capability_records (id, kind, name, scope, owner_user_id, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, string(kind), rec.Name, rec.Scope, rec.OwnerUserID, string(payload))
	return err
}

func (r CatalogRepository) Get(ctx context.Context, tx store.Tx, kind store.CapabilityKind, id string) (*store.CatalogRecord, error) {
	q := querier(tx, r.db)
	row := q.QueryRowContext(ctx, `
		SELECT id, name, scope, owner_user_id, payload
		FROM capability_records WHERE kind = ? AND id = ?`, string(kind), id)
	return scanCatalogRecord(row, id)
}

func (r CatalogRepository) Update(ctx context.Context, tx store.Tx, kind store.CapabilityKind, rec *store.CatalogRecord) error {
	q := querier(tx, r.db)
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE capability_records SET name = ?, payload = ?
		WHERE kind = ? AND id = ?`, rec.Name, string(payload), string(kind), rec.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(string(kind), rec.ID)
	}
	return nil
}

func (r CatalogRepository) Delete(ctx context.Context, tx store.Tx, kind store.CapabilityKind, id string) error {
	q := querier(tx, r.db)
	res, err := q.ExecContext(ctx, `DELETE FROM capability_records WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(string(kind), id)
	}
	return nil
}

func (r CatalogRepository) ListVisible(ctx context.Context, tx store.Tx, kind store.CapabilityKind, userID string) ([]store.CatalogRecord, error) {
	q := querier(tx, r.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, scope, owner_user_id, payload
		FROM capability_records
		WHERE kind = ? AND (scope = 'system' OR owner_user_id = ?)
		ORDER BY name`, string(kind), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]store.CatalogRecord)
	var order []string
	for rows.Next() {
		var rec store.CatalogRecord
		var ownerUserID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Scope, &ownerUserID, &payload); err != nil {
			return nil, err
		}
		if ownerUserID.Valid {
			rec.OwnerUserID = &ownerUserID.String
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		existing, ok := byName[rec.Name]
		if !ok {
			order = append(order, rec.Name)
		}
		if !ok || (rec.Scope == "user" && existing.Scope != "user") {
			byName[rec.Name] = rec
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]store.CatalogRecord, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

func (r CatalogRepository) UpsertInstall(ctx context.Context, tx store.Tx, kind store.CapabilityKind, userID, capabilityID string, enabled bool) error {
	q := querier(tx, r.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO capability_installs (id, kind, user_id, capability_id, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, user_id, capability_id) DO UPDATE SET enabled = excluded.enabled`,
		fmt.Sprintf("%s:%s:%s", kind, userID, capabilityID), string(kind), userID, capabilityID, enabled)
	return err
}

func scanCatalogRecord(row rowScanner, lookupKey string) (*store.CatalogRecord, error) {
	var rec store.CatalogRecord
	var ownerUserID sql.NullString
	var payload sql.NullString
	err := row.Scan(&rec.ID, &rec.Name, &rec.Scope, &ownerUserID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("capability", lookupKey)
	}
	if err != nil {
		return nil, err
	}
	if ownerUserID.Valid {
		rec.OwnerUserID = &ownerUserID.String
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &rec, nil
}

func (r CatalogRepository) ListInstalls(ctx context.Context, tx store.Tx, kind store.CapabilityKind, userID string) ([]store.Install, error) {
	q := querier(tx, r.db)
	rows, err := q.QueryContext(ctx, `
		SELECT capability_id, enabled FROM capability_installs
		WHERE kind = ? AND user_id = ?`, string(kind), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Install
	for rows.Next() {
		var inst store.Install
		if err := rows.Scan(&inst.ID, &inst.Enabled); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
