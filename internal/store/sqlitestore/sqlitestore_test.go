package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	repoURL := "https://example.com/repo.git"
	sess := &v1.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		Status:    v1.SessionPending,
		ConfigSnapshot: &v1.TaskConfig{RepoURL: &repoURL},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.Sessions().Create(ctx, nil, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := s.Sessions().Get(ctx, nil, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", got.UserID)
	}
	if got.ConfigSnapshot == nil || got.ConfigSnapshot.RepoURL == nil || *got.ConfigSnapshot.RepoURL != repoURL {
		t.Errorf("expected repo_url round-tripped, got %+v", got.ConfigSnapshot)
	}
}

func TestSessionSetStatusIfNotCanceledIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess := &v1.Session{ID: "sess-2", UserID: "user-1", Status: v1.SessionCanceled, CreatedAt: now, UpdatedAt: now}
	if err := s.Sessions().Create(ctx, nil, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	changed, err := s.Sessions().SetStatusIfNotCanceled(ctx, nil, "sess-2", v1.SessionRunning)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if changed {
		t.Fatal("expected canceled session status to be sticky")
	}

	got, err := s.Sessions().Get(ctx, nil, "sess-2")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != v1.SessionCanceled {
		t.Errorf("expected status to remain canceled, got %s", got.Status)
	}
}

func TestRunClaimNextOnlyClaimsEligibleRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seedSession(t, s, "sess-3")

	future := now.Add(time.Hour)
	runs := []*v1.Run{
		{ID: "run-queued", SessionID: "sess-3", UserMessageID: "m1", Status: v1.RunQueued, ScheduleMode: v1.ScheduleImmediate, CreatedAt: now, UpdatedAt: now},
		{ID: "run-future", SessionID: "sess-3", UserMessageID: "m2", Status: v1.RunQueued, ScheduleMode: v1.ScheduleScheduled, ScheduledAt: &future, CreatedAt: now, UpdatedAt: now},
	}
	for _, r := range runs {
		if err := s.Runs().Create(ctx, nil, r); err != nil {
			t.Fatalf("create run %s: %v", r.ID, err)
		}
	}

	claimed, err := s.Runs().ClaimNext(ctx, nil, "worker-1", 30, []v1.ScheduleMode{v1.ScheduleImmediate, v1.ScheduleScheduled}, now, false)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimable run")
	}
	if claimed.ID != "run-queued" {
		t.Errorf("expected run-queued to be claimed first, got %s", claimed.ID)
	}
	if claimed.Status != v1.RunClaimed || claimed.ClaimedBy == nil || *claimed.ClaimedBy != "worker-1" {
		t.Errorf("expected run claimed by worker-1, got %+v", claimed)
	}

	none, err := s.Runs().ClaimNext(ctx, nil, "worker-2", 30, []v1.ScheduleMode{v1.ScheduleImmediate, v1.ScheduleScheduled}, now, false)
	if err != nil {
		t.Fatalf("claim next (second): %v", err)
	}
	if none != nil {
		t.Errorf("expected no further eligible run before scheduled_at, got %+v", none)
	}
}

func TestRunClaimNextReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seedSession(t, s, "sess-4")

	expired := now.Add(-time.Minute)
	claimedBy := "dead-worker"
	run := &v1.Run{
		ID: "run-stuck", SessionID: "sess-4", UserMessageID: "m1", Status: v1.RunRunning,
		ScheduleMode: v1.ScheduleImmediate, ClaimedBy: &claimedBy, LeaseExpiresAt: &expired,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Runs().Create(ctx, nil, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	claimed, err := s.Runs().ClaimNext(ctx, nil, "worker-new", 30, []v1.ScheduleMode{v1.ScheduleImmediate}, now, false)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if claimed == nil || claimed.ID != "run-stuck" {
		t.Fatalf("expected expired-lease run reclaimed, got %+v", claimed)
	}
	if *claimed.ClaimedBy != "worker-new" {
		t.Errorf("expected new owner, got %s", *claimed.ClaimedBy)
	}
}

func TestToolExecutionListOpenExcludesCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSession(t, s, "sess-5")

	open := &v1.ToolExecution{ID: "te-open", SessionID: "sess-5", ToolUseID: "tu-1", ToolName: "Read", CreatedAt: now}
	done := &v1.ToolExecution{ID: "te-done", SessionID: "sess-5", ToolUseID: "tu-2", ToolName: "Read", ToolOutput: &v1.ToolOutput{Content: "ok"}, CreatedAt: now}
	if err := s.ToolExecutions().Create(ctx, nil, open); err != nil {
		t.Fatalf("create open: %v", err)
	}
	if err := s.ToolExecutions().Create(ctx, nil, done); err != nil {
		t.Fatalf("create done: %v", err)
	}

	openList, err := s.ToolExecutions().ListOpen(ctx, nil, "sess-5")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(openList) != 1 || openList[0].ID != "te-open" {
		t.Fatalf("expected exactly te-open, got %+v", openList)
	}
}

func TestCatalogResolveVisiblePrefersUserScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCapability(t, s, "cap-sys", "mcp_server", "playwright", "system", "")
	seedCapability(t, s, "cap-user", "mcp_server", "playwright", "user", "user-1")

	resolved, err := s.Catalog().ResolveVisible(ctx, nil, store.KindMCPServer, "user-1", []string{"cap-sys", "cap-user"})
	if err != nil {
		t.Fatalf("resolve visible: %v", err)
	}
	for _, rec := range resolved {
		if rec.Scope != "user" {
			t.Errorf("expected only user-scoped record to win shadowing, got %+v", resolved)
		}
	}
}

func seedSession(t *testing.T, s *Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.Sessions().Create(context.Background(), nil, &v1.Session{
		ID: id, UserID: "user-1", Status: v1.SessionRunning, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
}

func seedCapability(t *testing.T, s *Store, id, kind, name, scope, ownerUserID string) {
	t.Helper()
	var owner any
	if ownerUserID != "" {
		owner = ownerUserID
	}
	_, err := s.db.Exec(`
		INSERT INTO capability_records (id, kind, name, scope, owner_user_id, payload)
		VALUES (?, ?, ?, ?, ?, '{}')`, id, kind, name, scope, owner)
	if err != nil {
		t.Fatalf("seed capability %s: %v", id, err)
	}
}
