package callback

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loomrun/loomrun/internal/cp/queue"
	"github.com/loomrun/loomrun/internal/store/sqlitestore"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

func newTestEnv(t *testing.T) (*sqlitestore.Store, *queue.Service, *Processor) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, queue.New(st), New(st, nil)
}

func claimedRun(t *testing.T, st *sqlitestore.Store, q *queue.Service, prompt string) *v1.Run {
	t.Helper()
	ctx := context.Background()
	run, err := q.Enqueue(ctx, queue.EnqueueInput{UserID: "user-1", Prompt: prompt, ScheduleMode: v1.ScheduleImmediate})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, queue.ClaimRequest{WorkerID: "worker-1", LeaseSeconds: 30, ScheduleModes: []v1.ScheduleMode{v1.ScheduleImmediate}}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return run
}

func TestProcessDiscardsCallbackForUnknownSession(t *testing.T) {
	_, _, proc := newTestEnv(t)
	err := proc.Process(context.Background(), v1.Callback{SessionID: "does-not-exist", Status: v1.CallbackRunning})
	if err != nil {
		t.Fatalf("expected no error for unknown session, got %v", err)
	}
}

func TestProcessIsStickyAfterCancellation(t *testing.T) {
	st, q, proc := newTestEnv(t)
	ctx := context.Background()
	run := claimedRun(t, st, q, "work")

	sess, err := st.Sessions().Get(ctx, nil, run.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	sess.Status = v1.SessionCanceled
	if err := st.Sessions().Update(ctx, nil, sess); err != nil {
		t.Fatalf("update session: %v", err)
	}

	err = proc.Process(ctx, v1.Callback{SessionID: run.SessionID, Status: v1.CallbackCompleted, Progress: 100})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := st.Runs().Get(ctx, nil, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status == v1.RunCompleted {
		t.Error("expected canceled session to discard completion callback")
	}
}

func TestProcessRecordsMessageAndToolExecutionLifecycle(t *testing.T) {
	st, q, proc := newTestEnv(t)
	ctx := context.Background()
	run := claimedRun(t, st, q, "work")

	err := proc.Process(ctx, v1.Callback{
		SessionID: run.SessionID,
		Status:    v1.CallbackRunning,
		Progress:  10,
		NewMessage: &v1.Message{
			Type: v1.MessageAssistant,
			Content: []v1.ContentBlock{
				{Type: v1.BlockToolUse, ToolUseID: "tu-1", ToolName: "Read", ToolInput: map[string]any{"path": "a.go"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("process tool use: %v", err)
	}

	te, err := st.ToolExecutions().GetByToolUseID(ctx, nil, run.SessionID, "tu-1")
	if err != nil {
		t.Fatalf("get tool execution: %v", err)
	}
	if te.ToolName != "Read" || te.ToolOutput != nil {
		t.Fatalf("expected open tool execution, got %+v", te)
	}

	err = proc.Process(ctx, v1.Callback{
		SessionID: run.SessionID,
		Status:    v1.CallbackRunning,
		Progress:  50,
		NewMessage: &v1.Message{
			Type: v1.MessageAssistant,
			Content: []v1.ContentBlock{
				{Type: v1.BlockToolResult, ResultToolUseID: "tu-1", ResultContent: "file contents"},
			},
		},
	})
	if err != nil {
		t.Fatalf("process tool result: %v", err)
	}

	te, err = st.ToolExecutions().GetByToolUseID(ctx, nil, run.SessionID, "tu-1")
	if err != nil {
		t.Fatalf("get tool execution after result: %v", err)
	}
	if te.ToolOutput == nil {
		t.Fatal("expected tool_output set as done signal")
	}
	if te.DurationMs == nil {
		t.Error("expected duration_ms computed")
	}

	gotRun, err := st.Runs().Get(ctx, nil, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if gotRun.Status != v1.RunRunning || gotRun.Progress != 50 {
		t.Errorf("expected run running at progress 50, got %+v", gotRun)
	}
}

func TestProcessToolResultCreatesPlaceholderWhenToolUseMissing(t *testing.T) {
	st, q, proc := newTestEnv(t)
	ctx := context.Background()
	run := claimedRun(t, st, q, "work")

	err := proc.Process(ctx, v1.Callback{
		SessionID: run.SessionID,
		Status:    v1.CallbackRunning,
		NewMessage: &v1.Message{
			Type: v1.MessageAssistant,
			Content: []v1.ContentBlock{
				{Type: v1.BlockToolResult, ResultToolUseID: "tu-orphan", ResultContent: nil, IsError: true},
			},
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	te, err := st.ToolExecutions().GetByToolUseID(ctx, nil, run.SessionID, "tu-orphan")
	if err != nil {
		t.Fatalf("get tool execution: %v", err)
	}
	if te.ToolName != "unknown" {
		t.Errorf("expected placeholder tool name 'unknown', got %s", te.ToolName)
	}
	if te.ToolOutput == nil {
		t.Fatal("expected tool_output set even for nil content")
	}
	if !te.IsError {
		t.Error("expected is_error propagated")
	}
}

func TestProcessCompletionTransitionsSessionAndRun(t *testing.T) {
	st, q, proc := newTestEnv(t)
	ctx := context.Background()
	run := claimedRun(t, st, q, "work")

	err := proc.Process(ctx, v1.Callback{SessionID: run.SessionID, Status: v1.CallbackCompleted, Progress: 90})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	sess, err := st.Sessions().Get(ctx, nil, run.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != v1.SessionCompleted {
		t.Errorf("expected completed session, got %s", sess.Status)
	}
	if sess.WorkspaceExportStatus != v1.ExportPending {
		t.Errorf("expected export status pending, got %s", sess.WorkspaceExportStatus)
	}

	gotRun, err := st.Runs().Get(ctx, nil, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if gotRun.Status != v1.RunCompleted || gotRun.Progress != 100 {
		t.Errorf("expected completed run forced to progress 100, got %+v", gotRun)
	}
	if gotRun.FinishedAt == nil {
		t.Error("expected finished_at set")
	}
}
