// Package callback implements the executor callback processing rules of
// spec §4.3.2: ingesting a single streaming update and applying it
// atomically to session/run/message/tool-execution/usage state.
package callback

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/logger"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

const textPreviewMaxLen = 500

// ScheduledTaskUpdater mirrors a run's outcome onto its owning scheduled
// task's last_run_* summary (spec §4.3.2 step 9). It is optional: nil
// skips step 9 entirely. cmd/controlplane wires in internal/cp/scheduledtask's
// Service; runs with no ScheduledTaskID skip step 9 either way.
type ScheduledTaskUpdater interface {
	UpdateLastRunIfNewer(ctx context.Context, tx store.Tx, taskID string, run *v1.Run) error
}

// Processor applies callbacks to store state.
type Processor struct {
	store    store.Store
	tasks    ScheduledTaskUpdater
	now      func() time.Time
	newID    func() string
}

// New builds a Processor. tasks may be nil.
func New(st store.Store, tasks ScheduledTaskUpdater) *Processor {
	return &Processor{store: st, tasks: tasks, now: time.Now, newID: uuid.NewString}
}

// Process implements spec §4.3.2 steps 1-9. It never returns an error for a
// callback referencing an unknown or already-canceled session — those are
// the documented no-op paths — only for genuine processing failures.
func (p *Processor) Process(ctx context.Context, cb v1.Callback) error {
	return p.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := p.resolveSession(ctx, tx, cb.SessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			// Step 1: session not yet visible to this replica; ack with no
			// side effects.
			return nil
		}
		if sess.Status == v1.SessionCanceled {
			// Step 2: cancellation is sticky.
			logger.Default().Info("discarding callback for canceled session", zap.String("session_id", sess.ID))
			return nil
		}

		now := p.now()
		sdkSessionID := cb.SDKSessionID
		if sdkSessionID == nil && cb.NewMessage != nil {
			sdkSessionID = cb.NewMessage.SDKSessionID
		}
		if sdkSessionID != nil && (sess.SDKSessionID == nil || *sess.SDKSessionID != *sdkSessionID) {
			sess.SDKSessionID = sdkSessionID // step 3
		}

		if cb.Status == v1.CallbackCompleted || cb.Status == v1.CallbackFailed {
			// step 4
			exportPending := v1.ExportPending
			sess.WorkspaceExportStatus = exportPending
			if cb.Status == v1.CallbackCompleted {
				sess.Status = v1.SessionCompleted
			} else {
				sess.Status = v1.SessionFailed
			}
		}

		if cb.StatePatch != nil {
			sess.StatePatch = cb.StatePatch // step 5: full replace, not merge
		}

		if cb.WorkspaceFilesPrefix != nil {
			sess.WorkspaceFilesPrefix = cb.WorkspaceFilesPrefix
		}
		if cb.WorkspaceManifestKey != nil {
			sess.WorkspaceManifestKey = cb.WorkspaceManifestKey
		}
		if cb.WorkspaceArchiveKey != nil {
			sess.WorkspaceArchiveKey = cb.WorkspaceArchiveKey
		}
		if cb.WorkspaceExportStatus != nil {
			sess.WorkspaceExportStatus = *cb.WorkspaceExportStatus // step 6
		}

		sess.UpdatedAt = now
		if err := p.store.Sessions().Update(ctx, tx, sess); err != nil {
			return err
		}

		var run *v1.Run
		if cb.NewMessage != nil {
			// step 7
			r, err := p.recordMessage(ctx, tx, sess, *cb.NewMessage, now)
			if err != nil {
				return err
			}
			run = r
		}

		if run == nil {
			run, err = p.store.Runs().LatestNonTerminal(ctx, tx, sess.ID)
			if err != nil {
				return err
			}
		}
		if run == nil {
			return nil
		}

		if err := p.applyRunTransition(ctx, tx, run, cb, now); err != nil {
			return err
		}

		if run.ScheduledTaskID != nil && p.tasks != nil {
			if err := p.tasks.UpdateLastRunIfNewer(ctx, tx, *run.ScheduledTaskID, run); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Processor) resolveSession(ctx context.Context, tx store.Tx, sessionID string) (*v1.Session, error) {
	sess, err := p.store.Sessions().Get(ctx, tx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}
	sess, err = p.store.Sessions().GetBySDKSessionID(ctx, tx, sessionID)
	if err == nil {
		return sess, nil
	}
	if apperr.IsNotFound(err) {
		return nil, nil
	}
	return nil, err
}

// recordMessage implements step 7: append the AgentMessage and upsert tool
// executions from its content blocks. It returns the session's latest
// non-terminal run, used as the usage-log target for ResultMessages.
func (p *Processor) recordMessage(ctx context.Context, tx store.Tx, sess *v1.Session, msg v1.Message, now time.Time) (*v1.Run, error) {
	agentMsg := &v1.AgentMessage{
		ID:          p.newID(),
		SessionID:   sess.ID,
		Role:        roleForMessageType(msg.Type),
		Content:     msg.Content,
		TextPreview: textPreview(msg.Content),
		CreatedAt:   now,
	}
	if err := p.store.Messages().Create(ctx, tx, agentMsg); err != nil {
		return nil, err
	}

	for _, block := range msg.Content {
		switch block.Type {
		case v1.BlockToolUse:
			if err := p.upsertToolUse(ctx, tx, sess.ID, agentMsg.ID, block, now); err != nil {
				return nil, err
			}
		case v1.BlockToolResult:
			if err := p.upsertToolResult(ctx, tx, sess.ID, agentMsg.ID, block, now); err != nil {
				return nil, err
			}
		}
	}

	run, err := p.store.Runs().LatestNonTerminal(ctx, tx, sess.ID)
	if err != nil {
		return nil, err
	}
	if run != nil && msg.Type == v1.MessageResult && msg.Usage != nil {
		usage := &v1.UsageLog{
			ID:           p.newID(),
			SessionID:    sess.ID,
			RunID:        &run.ID,
			TotalCostUSD: msg.Usage.TotalCostUSD,
			DurationMs:   0,
			Usage: map[string]any{
				"input_tokens":  msg.Usage.InputTokens,
				"output_tokens": msg.Usage.OutputTokens,
			},
			CreatedAt: now,
		}
		if err := p.store.UsageLogs().Create(ctx, tx, usage); err != nil {
			return nil, err
		}
	}
	return run, nil
}

func (p *Processor) upsertToolUse(ctx context.Context, tx store.Tx, sessionID, messageID string, block v1.ContentBlock, now time.Time) error {
	existing, err := p.store.ToolExecutions().GetByToolUseID(ctx, tx, sessionID, block.ToolUseID)
	if err != nil && !apperr.IsNotFound(err) {
		return err
	}
	if existing == nil {
		te := &v1.ToolExecution{
			ID:        p.newID(),
			SessionID: sessionID,
			MessageID: &messageID,
			ToolUseID: block.ToolUseID,
			ToolName:  block.ToolName,
			ToolInput: block.ToolInput,
			CreatedAt: now,
		}
		return p.store.ToolExecutions().Create(ctx, tx, te)
	}
	existing.MessageID = &messageID
	existing.ToolName = block.ToolName
	existing.ToolInput = block.ToolInput
	return p.store.ToolExecutions().Update(ctx, tx, existing)
}

func (p *Processor) upsertToolResult(ctx context.Context, tx store.Tx, sessionID, messageID string, block v1.ContentBlock, now time.Time) error {
	existing, err := p.store.ToolExecutions().GetByToolUseID(ctx, tx, sessionID, block.ResultToolUseID)
	if err != nil && !apperr.IsNotFound(err) {
		return err
	}
	if existing == nil {
		existing = &v1.ToolExecution{
			ID:        p.newID(),
			SessionID: sessionID,
			ToolUseID: block.ResultToolUseID,
			ToolName:  "unknown",
			CreatedAt: now,
		}
		if err := p.store.ToolExecutions().Create(ctx, tx, existing); err != nil {
			return err
		}
	}

	existing.ToolOutput = &v1.ToolOutput{Content: block.ResultContent}
	existing.ResultMessageID = &messageID
	existing.IsError = block.IsError
	if existing.DurationMs == nil {
		d := now.Sub(existing.CreatedAt).Milliseconds()
		existing.DurationMs = &d
	}
	return p.store.ToolExecutions().Update(ctx, tx, existing)
}

// applyRunTransition implements step 8.
func (p *Processor) applyRunTransition(ctx context.Context, tx store.Tx, run *v1.Run, cb v1.Callback, now time.Time) error {
	run.Progress = cb.Progress

	switch cb.Status {
	case v1.CallbackRunning:
		if run.Status == v1.RunClaimed {
			run.Status = v1.RunRunning
		}
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
	case v1.CallbackCompleted:
		run.Status = v1.RunCompleted
		run.FinishedAt = &now
		run.Progress = 100
	case v1.CallbackFailed:
		run.Status = v1.RunFailed
		run.FinishedAt = &now
	}

	run.UpdatedAt = now
	return p.store.Runs().Update(ctx, tx, run)
}

func roleForMessageType(t v1.MessageType) v1.MessageRole {
	switch t {
	case v1.MessageAssistant, v1.MessageResult:
		return v1.RoleAssistant
	case v1.MessageUser:
		return v1.RoleUser
	case v1.MessageSystem:
		return v1.RoleSystem
	default:
		logger.Default().Warn("unknown message type, defaulting to assistant role", zap.String("type", string(t)))
		return v1.RoleAssistant
	}
}

func textPreview(blocks []v1.ContentBlock) string {
	for _, b := range blocks {
		if b.Type == v1.BlockText {
			text := strings.TrimSpace(b.Text)
			if len(text) > textPreviewMaxLen {
				return text[:textPreviewMaxLen]
			}
			return text
		}
	}
	return ""
}
