package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomrun/loomrun/internal/store/sqlitestore"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
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

func TestEnqueueCreatesQueuedRunAndPendingSession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	run, err := svc.Enqueue(ctx, EnqueueInput{
		UserID:       "user-1",
		Prompt:       "fix the failing test",
		ScheduleMode: v1.ScheduleImmediate,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if run.Status != v1.RunQueued {
		t.Errorf("expected queued run, got %s", run.Status)
	}
	if run.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", run.Attempts)
	}

	sess, err := svc.store.Sessions().Get(ctx, nil, run.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != v1.SessionPending {
		t.Errorf("expected pending session, got %s", sess.Status)
	}
}

func TestEnqueueRejectsEmptyPrompt(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Enqueue(context.Background(), EnqueueInput{UserID: "user-1", Prompt: "  ", ScheduleMode: v1.ScheduleImmediate})
	if err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestEnqueueImmediateWithScheduledAtCoercesToScheduled(t *testing.T) {
	svc := newTestService(t)
	at := time.Now().Add(time.Hour)
	run, err := svc.Enqueue(context.Background(), EnqueueInput{
		UserID: "user-1", Prompt: "later", ScheduleMode: v1.ScheduleImmediate, ScheduledAt: &at,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if run.ScheduleMode != v1.ScheduleScheduled {
		t.Errorf("expected coercion to scheduled, got %s", run.ScheduleMode)
	}
}

func TestEnqueueNightlyRejectsScheduledAt(t *testing.T) {
	svc := newTestService(t)
	at := time.Now().Add(time.Hour)
	_, err := svc.Enqueue(context.Background(), EnqueueInput{
		UserID: "user-1", Prompt: "nightly run", ScheduleMode: v1.ScheduleNightly, ScheduledAt: &at,
	})
	if err == nil {
		t.Fatal("expected error for nightly run with scheduled_at")
	}
}

func TestClaimReturnsPromptAndStripsMCPConfig(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	run, err := svc.Enqueue(ctx, EnqueueInput{
		UserID:       "user-1",
		Prompt:       "run the migration",
		ScheduleMode: v1.ScheduleImmediate,
		Config:       v1.TaskConfig{MCPConfig: map[string]bool{"srv-1": true}},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp, err := svc.Claim(ctx, ClaimRequest{WorkerID: "worker-1", LeaseSeconds: 30, ScheduleModes: []v1.ScheduleMode{v1.ScheduleImmediate}})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a claimable run")
	}
	if resp.Run.ID != run.ID {
		t.Errorf("expected to claim the enqueued run, got %s", resp.Run.ID)
	}
	if resp.Prompt != "run the migration" {
		t.Errorf("expected prompt round-tripped, got %q", resp.Prompt)
	}
	if resp.ConfigSnapshot != nil && resp.ConfigSnapshot.MCPConfig != nil {
		t.Errorf("expected mcp_config stripped from claim response, got %+v", resp.ConfigSnapshot.MCPConfig)
	}
	if resp.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", resp.UserID)
	}
}

func TestStartRequiresMatchingWorker(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	run, err := svc.Enqueue(ctx, EnqueueInput{UserID: "user-1", Prompt: "task", ScheduleMode: v1.ScheduleImmediate})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Claim(ctx, ClaimRequest{WorkerID: "worker-1", LeaseSeconds: 30, ScheduleModes: []v1.ScheduleMode{v1.ScheduleImmediate}}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := svc.Start(ctx, run.ID, "worker-2"); err == nil {
		t.Fatal("expected conflict starting with wrong worker id")
	}

	started, err := svc.Start(ctx, run.ID, "worker-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != v1.RunRunning {
		t.Errorf("expected running status, got %s", started.Status)
	}
}

func TestFailClearsLeaseAndRecordsError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	run, err := svc.Enqueue(ctx, EnqueueInput{UserID: "user-1", Prompt: "task", ScheduleMode: v1.ScheduleImmediate})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Claim(ctx, ClaimRequest{WorkerID: "worker-1", LeaseSeconds: 30, ScheduleModes: []v1.ScheduleMode{v1.ScheduleImmediate}}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	errMsg := "boom"
	failed, err := svc.Fail(ctx, run.ID, "worker-1", &errMsg)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != v1.RunFailed {
		t.Errorf("expected failed status, got %s", failed.Status)
	}
	if failed.LeaseExpiresAt != nil {
		t.Errorf("expected lease cleared, got %v", failed.LeaseExpiresAt)
	}
	if failed.LastError == nil || *failed.LastError != errMsg {
		t.Errorf("expected last_error recorded, got %v", failed.LastError)
	}
}

func TestNightlyWindowOpen(t *testing.T) {
	base := time.Date(2026, 1, 1, 2, 30, 0, 0, time.UTC)
	if !nightlyWindowOpen(base, "02:00", 360) {
		t.Error("expected window open 30 minutes after start")
	}
	outside := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	if nightlyWindowOpen(outside, "02:00", 360) {
		t.Error("expected window closed well outside the range")
	}
}
