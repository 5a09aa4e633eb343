package scheduledtask

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomrun/loomrun/internal/cp/queue"
	"github.com/loomrun/loomrun/internal/store/sqlitestore"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

func newTestService(t *testing.T) (*sqlitestore.Store, *queue.Service, *Service) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := queue.New(st)
	return st, q, New(st, q)
}

func TestCreateComputesNextRunAt(t *testing.T) {
	_, _, svc := newTestService(t)
	task, err := svc.Create(context.Background(), CreateInput{
		UserID:   "user-1",
		Name:     "nightly cleanup",
		Prompt:   "clean up stale branches",
		CronExpr: "0 2 * * *",
		Timezone: "UTC",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.NextRunAt == nil {
		t.Fatal("expected next_run_at computed")
	}
}

func TestCreateRejectsEmptyPrompt(t *testing.T) {
	_, _, svc := newTestService(t)
	_, err := svc.Create(context.Background(), CreateInput{UserID: "user-1", CronExpr: "0 2 * * *"})
	if err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestDispatchDueEnqueuesAndAdvancesNextRun(t *testing.T) {
	st, _, svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateInput{
		UserID:   "user-1",
		Name:     "hourly digest",
		Prompt:   "summarize activity",
		CronExpr: "0 * * * *",
		Timezone: "UTC",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	task.NextRunAt = &past
	if err := st.ScheduledTasks().Update(ctx, nil, task); err != nil {
		t.Fatalf("backdate next_run_at: %v", err)
	}

	dispatched, err := svc.DispatchDue(ctx, 10)
	if err != nil {
		t.Fatalf("dispatch due: %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("expected 1 task dispatched, got %d", dispatched)
	}

	updated, err := st.ScheduledTasks().Get(ctx, nil, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !updated.NextRunAt.After(past) {
		t.Error("expected next_run_at advanced past the backdated time")
	}

	sessions, err := st.Sessions().List(ctx, nil, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session created by dispatch, got %d", len(sessions))
	}
}

func TestUpdateLastRunIfNewerSkipsWhenAlreadyRecordedForOtherRun(t *testing.T) {
	st, _, svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateInput{
		UserID: "user-1", Name: "t", Prompt: "p", CronExpr: "0 2 * * *", Timezone: "UTC", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	runA := &v1.Run{ID: "run-a", Status: v1.RunCompleted}
	if err := svc.UpdateLastRunIfNewer(ctx, nil, task.ID, runA); err != nil {
		t.Fatalf("update for run-a: %v", err)
	}
	got, err := st.ScheduledTasks().Get(ctx, nil, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.LastRunID == nil || *got.LastRunID != "run-a" {
		t.Fatalf("expected last_run_id=run-a, got %v", got.LastRunID)
	}

	runB := &v1.Run{ID: "run-b", Status: v1.RunFailed}
	if err := svc.UpdateLastRunIfNewer(ctx, nil, task.ID, runB); err != nil {
		t.Fatalf("update for run-b: %v", err)
	}
	got, err = st.ScheduledTasks().Get(ctx, nil, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if *got.LastRunID != "run-a" {
		t.Errorf("expected last_run_id to remain run-a, got %v", *got.LastRunID)
	}

	if err := svc.UpdateLastRunIfNewer(ctx, nil, task.ID, runA); err != nil {
		t.Fatalf("re-update for run-a: %v", err)
	}
	got, err = st.ScheduledTasks().Get(ctx, nil, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if *got.LastRunStatus != v1.RunCompleted {
		t.Errorf("expected last_run_status updated for matching run id, got %v", *got.LastRunStatus)
	}
}
