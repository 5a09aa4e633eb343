package scheduledtask

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/logger"
	"github.com/loomrun/loomrun/internal/cp/queue"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

const defaultDispatchLimit = 50

// Service manages ScheduledTask CRUD and converts due tasks into queued
// runs. It also implements callback.ScheduledTaskUpdater, mirroring a run's
// terminal outcome onto its owning task (spec §4.3.2 step 9).
type Service struct {
	store store.Store
	queue *queue.Service
	now   func() time.Time
}

// New builds a Service. q drives the actual run creation for due tasks.
func New(st store.Store, q *queue.Service) *Service {
	return &Service{store: st, queue: q, now: time.Now}
}

// CreateInput is the input tuple for registering a new scheduled task.
type CreateInput struct {
	UserID    string
	ProjectID *string
	Name      string
	Prompt    string
	Config    v1.TaskConfig
	CronExpr  string
	Timezone  string
	Enabled   bool
}

// Create validates the cron expression, computes the first next_run_at, and
// persists the task.
func (s *Service) Create(ctx context.Context, in CreateInput) (*v1.ScheduledTask, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, apperr.BadRequest("prompt must not be empty")
	}
	timezone := in.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	now := s.now()
	next, err := ComputeNextRun(in.CronExpr, timezone, now)
	if err != nil {
		return nil, err
	}

	t := &v1.ScheduledTask{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		ProjectID: in.ProjectID,
		Name:      in.Name,
		Prompt:    in.Prompt,
		Config:    in.Config,
		Enabled:   in.Enabled,
		CronExpr:  in.CronExpr,
		Timezone:  timezone,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return s.store.ScheduledTasks().Create(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DispatchDue implements POST /internal/scheduled-tasks/dispatch-due: for
// every enabled task whose next_run_at has arrived, enqueue an immediate
// run and advance next_run_at past now so the task fires again on its next
// natural occurrence. Each task is handled independently so that one
// failure (a malformed cron expression, a store error) does not block the
// rest of the batch.
func (s *Service) DispatchDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultDispatchLimit
	}
	now := s.now()

	var due []*v1.ScheduledTask
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d, err := s.store.ScheduledTasks().ListDue(ctx, tx, now, limit)
		due = d
		return err
	})
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, t := range due {
		if err := s.dispatchOne(ctx, t, now); err != nil {
			logger.Default().Warn("failed to dispatch scheduled task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

func (s *Service) dispatchOne(ctx context.Context, t *v1.ScheduledTask, now time.Time) error {
	taskID := t.ID
	run, err := s.queue.Enqueue(ctx, queue.EnqueueInput{
		UserID:          t.UserID,
		Prompt:          t.Prompt,
		Config:          t.Config,
		ScheduleMode:    v1.ScheduleImmediate,
		ProjectID:       t.ProjectID,
		ScheduledTaskID: &taskID,
	})
	if err != nil {
		return err
	}

	next, err := ComputeNextRun(t.CronExpr, t.Timezone, now)
	if err != nil {
		return err
	}
	t.NextRunAt = &next
	runID := run.ID
	status := run.Status
	t.LastRunID = &runID
	t.LastRunStatus = &status
	t.UpdatedAt = now
	return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return s.store.ScheduledTasks().Update(ctx, tx, t)
	})
}

// UpdateLastRunIfNewer implements callback.ScheduledTaskUpdater: it mirrors
// run onto the task's last_run_* summary, but only when the task has no
// recorded run yet or the recorded run is this same run being updated by a
// later callback (spec §4.3.2 step 9's "never overwrite with an older run's
// result").
func (s *Service) UpdateLastRunIfNewer(ctx context.Context, tx store.Tx, taskID string, run *v1.Run) error {
	t, err := s.store.ScheduledTasks().Get(ctx, tx, taskID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil
		}
		return err
	}
	if t.LastRunID != nil && *t.LastRunID != run.ID {
		return nil
	}

	runID := run.ID
	status := run.Status
	t.LastRunID = &runID
	t.LastRunStatus = &status
	t.LastError = run.LastError
	t.UpdatedAt = s.now()
	return s.store.ScheduledTasks().Update(ctx, tx, t)
}
