package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/store"
	"github.com/loomrun/loomrun/internal/store/sqlitestore"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestCreateRejectsDuplicateNameInSameScope(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, store.KindSkill, CreateInput{
		Scope: "system", Name: "formatter", Payload: map[string]any{"v": 1},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.Create(ctx, store.KindSkill, CreateInput{
		Scope: "system", Name: "formatter", Payload: map[string]any{"v": 2},
	})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUserRecordShadowsSystemRecordOfSameName(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, store.KindMCPServer, CreateInput{
		Scope: "system", Name: "fs", Payload: map[string]any{"tier": "system"},
	})
	if err != nil {
		t.Fatalf("create system: %v", err)
	}
	_, err = svc.Create(ctx, store.KindMCPServer, CreateInput{
		Scope: "user", CallerUserID: "user-1", Name: "fs", Payload: map[string]any{"tier": "user"},
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	recs, err := svc.List(ctx, store.KindMCPServer, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 shadowed record, got %d", len(recs))
	}
	if recs[0].Payload["tier"] != "user" {
		t.Fatalf("expected user record to shadow system record, got %v", recs[0].Payload)
	}

	otherUserRecs, err := svc.List(ctx, store.KindMCPServer, "user-2")
	if err != nil {
		t.Fatalf("list other user: %v", err)
	}
	if len(otherUserRecs) != 1 || otherUserRecs[0].Payload["tier"] != "system" {
		t.Fatalf("expected other user to see system record, got %v", otherUserRecs)
	}
}

func TestGetHidesOtherUsersRecord(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Create(ctx, store.KindSkill, CreateInput{
		Scope: "user", CallerUserID: "owner", Name: "private-skill", Payload: nil,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, store.KindSkill, rec.ID, "someone-else"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found for non-owner, got %v", err)
	}
	if _, err := svc.Get(ctx, store.KindSkill, rec.ID, "owner"); err != nil {
		t.Fatalf("expected owner to see record: %v", err)
	}
}

func TestSetInstallIsIdempotentAndListable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Create(ctx, store.KindMCPServer, CreateInput{Scope: "system", Name: "fs"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.SetInstall(ctx, store.KindMCPServer, "user-1", rec.ID, true); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := svc.SetInstall(ctx, store.KindMCPServer, "user-1", rec.ID, false); err != nil {
		t.Fatalf("re-install: %v", err)
	}

	installs, err := svc.ListInstalls(ctx, store.KindMCPServer, "user-1")
	if err != nil {
		t.Fatalf("list installs: %v", err)
	}
	if len(installs) != 1 || installs[0].Enabled {
		t.Fatalf("expected one disabled install, got %v", installs)
	}
}
