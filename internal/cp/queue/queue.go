// Package queue implements the run queue's enqueue, claim, start, and fail
// transitions (spec §4.1.1-§4.1.3). Completion is implicit via the callback
// path (internal/cp/callback) and is not exposed here.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/cp/taskconfig"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Service implements the run queue against a store.Store unit of work.
type Service struct {
	store store.Store
	now   func() time.Time
}

// New builds a Service. now defaults to time.Now; tests may override it.
func New(st store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// EnqueueInput is the enqueue contract's input tuple (spec §4.1.1).
type EnqueueInput struct {
	UserID         string
	SessionID      *string
	Prompt         string
	Config         v1.TaskConfig
	ScheduleMode   v1.ScheduleMode
	ScheduledAt    *time.Time
	Timezone       *string
	PermissionMode *v1.PermissionMode
	ProjectID      *string
	// ScheduledTaskID marks the resulting run as belonging to a recurring
	// scheduled task, so the callback processor can mirror its outcome
	// onto the task's last_run_* summary (spec §4.3.2 step 9).
	ScheduledTaskID *string
}

// Enqueue implements spec §4.1.1 steps 1-8, atomically within one
// transaction: resolve-or-create the session, clear its stale state patch,
// merge configs, append the user message, validate the schedule, create
// the queued Run, and flip the session to pending.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*v1.Run, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, apperr.BadRequest("prompt must not be empty")
	}

	scheduleMode, scheduledAt, err := normalizeSchedule(in.ScheduleMode, in.ScheduledAt, in.Timezone)
	if err != nil {
		return nil, err
	}

	permissionMode := v1.PermissionDefault
	if in.PermissionMode != nil {
		if !v1.ValidPermissionMode(string(*in.PermissionMode)) {
			return nil, apperr.BadRequest("invalid permission_mode")
		}
		permissionMode = *in.PermissionMode
	}

	var run *v1.Run
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.now()

		sess, err := s.resolveOrCreateSession(ctx, tx, in.UserID, in.SessionID, in.ProjectID, now)
		if err != nil {
			return err
		}
		if sess.UserID != in.UserID {
			return apperr.Forbidden("session does not belong to caller")
		}

		sess.StatePatch = nil

		baseConfig := v1.TaskConfig{}
		if sess.ConfigSnapshot != nil {
			baseConfig = *sess.ConfigSnapshot
		}
		runConfig := taskconfig.Merge(baseConfig, in.Config)

		sessionConfig := runConfig
		sessionConfig.InputFiles = nil
		sess.ConfigSnapshot = &sessionConfig
		sess.Status = v1.SessionPending
		sess.UpdatedAt = now
		if err := s.store.Sessions().Update(ctx, tx, sess); err != nil {
			return err
		}

		msg := &v1.AgentMessage{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			Role:        v1.RoleUser,
			Content:     []v1.ContentBlock{{Type: v1.BlockText, Text: in.Prompt}},
			TextPreview: preview(in.Prompt),
			CreatedAt:   now,
		}
		if err := s.store.Messages().Create(ctx, tx, msg); err != nil {
			return err
		}

		r := &v1.Run{
			ID:              uuid.NewString(),
			SessionID:       sess.ID,
			UserMessageID:   msg.ID,
			Status:          v1.RunQueued,
			ScheduleMode:    scheduleMode,
			ScheduledAt:     scheduledAt,
			ConfigSnapshot:  &runConfig,
			Attempts:        0,
			PermissionMode:  permissionMode,
			ScheduledTaskID: in.ScheduledTaskID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.store.Runs().Create(ctx, tx, r); err != nil {
			return err
		}

		run = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Service) resolveOrCreateSession(ctx context.Context, tx store.Tx, userID string, sessionID, projectID *string, now time.Time) (*v1.Session, error) {
	if sessionID != nil {
		return s.store.Sessions().Get(ctx, tx, *sessionID)
	}
	sess := &v1.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProjectID: projectID,
		Status:    v1.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Sessions().Create(ctx, tx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// normalizeSchedule implements spec §4.1.1 step 5.
func normalizeSchedule(mode v1.ScheduleMode, scheduledAt *time.Time, timezone *string) (v1.ScheduleMode, *time.Time, error) {
	switch mode {
	case v1.ScheduleImmediate:
		if scheduledAt != nil {
			mode = v1.ScheduleScheduled
		} else {
			return mode, nil, nil
		}
		fallthrough
	case v1.ScheduleScheduled:
		if scheduledAt == nil {
			return "", nil, apperr.BadRequest("scheduled runs require scheduled_at")
		}
		resolved, err := resolveScheduledAt(*scheduledAt, timezone)
		if err != nil {
			return "", nil, err
		}
		return v1.ScheduleScheduled, &resolved, nil
	case v1.ScheduleNightly:
		if scheduledAt != nil {
			return "", nil, apperr.BadRequest("nightly runs must not set scheduled_at")
		}
		return v1.ScheduleNightly, nil, nil
	default:
		return "", nil, apperr.BadRequest("unknown schedule_mode")
	}
}

// resolveScheduledAt interprets a naive (no-location) timestamp via the
// caller's timezone, defaulting to UTC, and converts to UTC.
func resolveScheduledAt(at time.Time, timezone *string) (time.Time, error) {
	if at.Location() != time.UTC && at.Location() != time.Local {
		return at.UTC(), nil
	}
	if timezone == nil || *timezone == "" {
		return at.UTC(), nil
	}
	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		return time.Time{}, apperr.BadRequest("unknown timezone: " + *timezone)
	}
	naive := time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), at.Minute(), at.Second(), at.Nanosecond(), loc)
	return naive.UTC(), nil
}

func preview(prompt string) string {
	const maxLen = 200
	p := strings.TrimSpace(prompt)
	if len(p) <= maxLen {
		return p
	}
	return p[:maxLen]
}
