package cancel

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loomrun/loomrun/internal/cp/callback"
	"github.com/loomrun/loomrun/internal/cp/queue"
	"github.com/loomrun/loomrun/internal/store/sqlitestore"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

type fakeNotifier struct {
	called bool
	err    error
	last   v1.ExecutorCancelRequest
}

func (f *fakeNotifier) NotifyCancel(ctx context.Context, req v1.ExecutorCancelRequest) error {
	f.called = true
	f.last = req
	return f.err
}

func newTestEnv(t *testing.T) (*sqlitestore.Store, *queue.Service, *callback.Processor) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, queue.New(st), callback.New(st, nil)
}

func TestCancelTransitionsSessionRunsAndToolExecutions(t *testing.T) {
	st, q, proc := newTestEnv(t)
	ctx := context.Background()

	run, err := q.Enqueue(ctx, queue.EnqueueInput{UserID: "user-1", Prompt: "work", ScheduleMode: v1.ScheduleImmediate})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, queue.ClaimRequest{WorkerID: "worker-1", LeaseSeconds: 30, ScheduleModes: []v1.ScheduleMode{v1.ScheduleImmediate}}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err = proc.Process(ctx, v1.Callback{
		SessionID: run.SessionID,
		Status:    v1.CallbackRunning,
		NewMessage: &v1.Message{
			Type: v1.MessageAssistant,
			Content: []v1.ContentBlock{
				{Type: v1.BlockToolUse, ToolUseID: "tu-1", ToolName: "Bash", ToolInput: map[string]any{"cmd": "sleep 10"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	notifier := &fakeNotifier{}
	coord := New(st, notifier)

	reason := "user requested stop"
	resp, err := coord.Cancel(ctx, run.SessionID, "user-1", &reason)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if resp.Session.Status != v1.SessionCanceled {
		t.Errorf("expected canceled session, got %s", resp.Session.Status)
	}
	if !resp.ExecutorNotified {
		t.Error("expected executor notified")
	}
	if !notifier.called || notifier.last.SessionID != run.SessionID {
		t.Error("expected notifier invoked with session id")
	}

	gotRun, err := st.Runs().Get(ctx, nil, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if gotRun.Status != v1.RunCanceled {
		t.Errorf("expected canceled run, got %s", gotRun.Status)
	}
	if gotRun.LeaseExpiresAt != nil {
		t.Error("expected lease cleared")
	}

	te, err := st.ToolExecutions().GetByToolUseID(ctx, nil, run.SessionID, "tu-1")
	if err != nil {
		t.Fatalf("get tool execution: %v", err)
	}
	if !te.IsError {
		t.Error("expected tool execution marked errored")
	}
	if te.ToolOutput == nil {
		t.Fatal("expected tool_output set as done signal")
	}
	if te.DurationMs == nil {
		t.Error("expected duration_ms computed")
	}
}

func TestCancelRejectsNonOwner(t *testing.T) {
	st, q, _ := newTestEnv(t)
	ctx := context.Background()

	run, err := q.Enqueue(ctx, queue.EnqueueInput{UserID: "user-1", Prompt: "work", ScheduleMode: v1.ScheduleImmediate})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	coord := New(st, nil)
	_, err = coord.Cancel(ctx, run.SessionID, "user-2", nil)
	if err == nil {
		t.Fatal("expected error for non-owner cancel")
	}
}

func TestCancelSucceedsLocallyWhenNotifierFails(t *testing.T) {
	st, q, _ := newTestEnv(t)
	ctx := context.Background()

	run, err := q.Enqueue(ctx, queue.EnqueueInput{UserID: "user-1", Prompt: "work", ScheduleMode: v1.ScheduleImmediate})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	coord := New(st, &fakeNotifier{err: errors.New("dispatcher unreachable")})
	resp, err := coord.Cancel(ctx, run.SessionID, "user-1", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if resp.Session.Status != v1.SessionCanceled {
		t.Error("expected local cancellation to succeed despite notifier failure")
	}
	if resp.ExecutorNotified {
		t.Error("expected ExecutorNotified false when notifier errors")
	}
}
