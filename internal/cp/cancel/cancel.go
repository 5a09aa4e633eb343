// Package cancel implements the cancellation coordinator of spec §4.3.4:
// atomically cancel every active run, expire pending user input requests,
// mark open tool executions errored, flip the session to canceled, then
// best-effort notify the dispatcher's executor-cancel endpoint.
package cancel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/logger"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// ExecutorNotifier forwards a best-effort cancel RPC to the dispatcher.
// Local cancellation always succeeds regardless of this call's outcome
// (spec §4.3.4 step 7).
type ExecutorNotifier interface {
	NotifyCancel(ctx context.Context, req v1.ExecutorCancelRequest) error
}

// Coordinator implements the cancellation state machine.
type Coordinator struct {
	store    store.Store
	notifier ExecutorNotifier
	now      func() time.Time
}

// New builds a Coordinator. notifier may be nil, in which case step 7 is
// skipped and ExecutorNotified is always false.
func New(st store.Store, notifier ExecutorNotifier) *Coordinator {
	return &Coordinator{store: st, notifier: notifier, now: time.Now}
}

// Cancel implements spec §4.3.4. callerUserID must match the session's
// owner (step 1); reason is optional context appended to the canceled
// tool-output placeholders (step 4) and forwarded to the executor.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, callerUserID string, reason *string) (*v1.SessionCancelResponse, error) {
	var sess *v1.Session

	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := c.store.Sessions().Get(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.UserID != callerUserID {
			return apperr.Forbidden("caller does not own this session") // step 1
		}

		now := c.now()

		if err := c.store.Runs().CancelAllActive(ctx, tx, sessionID, now); err != nil { // step 2
			return err
		}
		if err := c.store.UserInputRequests().ExpireAllPending(ctx, tx, sessionID, now); err != nil { // step 3
			return err
		}
		if err := c.cancelOpenToolExecutions(ctx, tx, sessionID, reason, now); err != nil { // step 4
			return err
		}

		s.Status = v1.SessionCanceled // step 5
		s.UpdatedAt = now
		if err := c.store.Sessions().Update(ctx, tx, s); err != nil {
			return err
		}

		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	// step 6: transaction committed by WithTx returning nil above.

	notified := false
	if c.notifier != nil {
		if err := c.notifier.NotifyCancel(ctx, v1.ExecutorCancelRequest{SessionID: sessionID, Reason: reason}); err != nil {
			logger.Default().Warn("best-effort executor cancel failed", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			notified = true
		}
	}

	return &v1.SessionCancelResponse{Session: *sess, ExecutorNotified: notified}, nil
}

func (c *Coordinator) cancelOpenToolExecutions(ctx context.Context, tx store.Tx, sessionID string, reason *string, now time.Time) error {
	open, err := c.store.ToolExecutions().ListOpen(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	message := "Canceled"
	if reason != nil && *reason != "" {
		message = fmt.Sprintf("Canceled: %s", *reason)
	}

	for _, te := range open {
		te.IsError = true
		te.ToolOutput = &v1.ToolOutput{Content: message}
		if te.DurationMs == nil {
			d := now.Sub(te.CreatedAt).Milliseconds()
			te.DurationMs = &d
		}
		if err := c.store.ToolExecutions().Update(ctx, tx, te); err != nil {
			return err
		}
	}
	return nil
}
