// Package catalog implements CRUD and shadowed-visibility listing for the
// capability catalogs of spec §3 (Invariants) and §3's per-kind record
// types: MCP servers, skills, plugins, sub-agents, and env vars. Slash
// commands are stored through this Service too; their render step, which
// the other kinds don't have, lives in internal/cp/slashcommand.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/store"
)

// Service is the CRUD facade shared by every capability kind: the
// shadowing rule and the install/enable link are identical across kinds,
// so one implementation serves all of them, parameterized by
// store.CapabilityKind.
type Service struct {
	store store.Store
	now   func() time.Time
}

// New builds a Service. now defaults to time.Now; tests may override it.
func New(st store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// Record is the kind-agnostic view of a catalog entry returned to
// callers, mirroring store.CatalogRecord without leaking the store
// package's Tx-threaded method set.
type Record struct {
	ID          string
	Name        string
	Scope       string
	OwnerUserID *string
	Payload     map[string]any
}

// CreateInput is the contract for registering a new catalog record.
// Scope "system" records have no owner; scope "user" records are owned by
// CallerUserID.
type CreateInput struct {
	Scope        string
	CallerUserID string
	Name         string
	Payload      map[string]any
}

// Create registers a new record, rejecting a duplicate (kind, scope,
// owner, name) as a conflict per the catalog's UNIQUE constraint (spec
// §3, Invariants: at most one user-scoped and one system-scoped record
// per name).
func (s *Service) Create(ctx context.Context, kind store.CapabilityKind, in CreateInput) (*Record, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.BadRequest("name must not be empty")
	}
	if in.Scope != "user" && in.Scope != "system" {
		return nil, apperr.BadRequest("scope must be 'user' or 'system'")
	}

	rec := &store.CatalogRecord{
		ID:      uuid.NewString(),
		Name:    name,
		Scope:   in.Scope,
		Payload: in.Payload,
	}
	if in.Scope == "user" {
		rec.OwnerUserID = &in.CallerUserID
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return s.store.Catalog().Create(ctx, tx, kind, rec)
	})
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, apperr.Conflict(string(kind) + " '" + name + "' already exists in this scope")
		}
		return nil, err
	}
	return toRecord(rec), nil
}

// Get fetches one record by id, enforcing that a user-scoped record is
// only visible to its owner.
func (s *Service) Get(ctx context.Context, kind store.CapabilityKind, id, callerUserID string) (*Record, error) {
	var rec *store.CatalogRecord
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := s.store.Catalog().Get(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec.Scope == "user" && (rec.OwnerUserID == nil || *rec.OwnerUserID != callerUserID) {
		return nil, apperr.NotFound(string(kind), id)
	}
	return toRecord(rec), nil
}

// Update replaces a record's name and payload. The caller must already
// own the record; ownership is checked by Get-then-Update at the HTTP
// handler layer, matching the rest of the control plane's CRUD routes.
func (s *Service) Update(ctx context.Context, kind store.CapabilityKind, id, name string, payload map[string]any) (*Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.BadRequest("name must not be empty")
	}
	rec := &store.CatalogRecord{ID: id, Name: name, Payload: payload}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := s.store.Catalog().Update(ctx, tx, kind, rec); err != nil {
			return err
		}
		updated, err := s.store.Catalog().Get(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		rec = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toRecord(rec), nil
}

// Delete removes a record by id.
func (s *Service) Delete(ctx context.Context, kind store.CapabilityKind, id string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return s.store.Catalog().Delete(ctx, tx, kind, id)
	})
}

// List returns every record of kind visible to callerUserID (system ∪
// the caller's own), shadowed by name.
func (s *Service) List(ctx context.Context, kind store.CapabilityKind, callerUserID string) ([]Record, error) {
	var recs []store.CatalogRecord
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := s.store.Catalog().ListVisible(ctx, tx, kind, callerUserID)
		if err != nil {
			return err
		}
		recs = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for i := range recs {
		out = append(out, *toRecord(&recs[i]))
	}
	return out, nil
}

// SetInstall idempotently enables/disables callerUserID's installation
// link for capabilityID (spec §3, Installation links).
func (s *Service) SetInstall(ctx context.Context, kind store.CapabilityKind, callerUserID, capabilityID string, enabled bool) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return s.store.Catalog().UpsertInstall(ctx, tx, kind, callerUserID, capabilityID, enabled)
	})
}

// ListInstalls returns callerUserID's installation links for kind,
// matching the taskconfig.Install shape used by the merge/materialize
// helpers.
func (s *Service) ListInstalls(ctx context.Context, kind store.CapabilityKind, callerUserID string) ([]store.Install, error) {
	var installs []store.Install
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		i, err := s.store.Catalog().ListInstalls(ctx, tx, kind, callerUserID)
		if err != nil {
			return err
		}
		installs = i
		return nil
	})
	return installs, err
}

func toRecord(r *store.CatalogRecord) *Record {
	return &Record{ID: r.ID, Name: r.Name, Scope: r.Scope, OwnerUserID: r.OwnerUserID, Payload: r.Payload}
}

// isUniqueConstraintErr reports whether err is a sqlite UNIQUE constraint
// violation, the only integrity error Create can provoke.
func isUniqueConstraintErr(err error) bool {
	sqliteErr, ok := err.(sqlite3.Error)
	return ok && sqliteErr.Code == sqlite3.ErrConstraint
}
