package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// ClaimRequest is a worker's claim(worker_id, lease_seconds, schedule_modes[])
// call (spec §4.1.2). NightlyWindowStartUTC/NightlyWindowMinutes gate
// schedule_mode=nightly runs to the configured window (spec §4.1.4); they
// are ignored when ScheduleModes excludes "nightly".
type ClaimRequest struct {
	WorkerID              string
	LeaseSeconds           int
	ScheduleModes         []v1.ScheduleMode
	NightlyWindowStartUTC string
	NightlyWindowMinutes  int
}

// Claim implements spec §4.1.2: it atomically selects and claims the
// oldest eligible run, then assembles the worker-facing response (the run,
// its owning user id, the prompt text, and the MCP-stripped config
// snapshot). Claim returns (nil, nil) when no eligible run exists.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*v1.RunClaimResponse, error) {
	modes := req.ScheduleModes
	if len(modes) == 0 {
		modes = []v1.ScheduleMode{v1.ScheduleImmediate, v1.ScheduleScheduled, v1.ScheduleNightly}
	}

	var resp *v1.RunClaimResponse
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.now()
		nightlyOpen := nightlyWindowOpen(now, req.NightlyWindowStartUTC, req.NightlyWindowMinutes)

		run, err := s.store.Runs().ClaimNext(ctx, tx, req.WorkerID, req.LeaseSeconds, modes, now, nightlyOpen)
		if err != nil {
			return err
		}
		if run == nil {
			return nil
		}

		sess, err := s.store.Sessions().Get(ctx, tx, run.SessionID)
		if err != nil {
			return err
		}

		prompt, err := s.findMessageText(ctx, tx, run.SessionID, run.UserMessageID)
		if err != nil {
			return err
		}

		config := stripMCPConfig(run.ConfigSnapshot)
		resp = &v1.RunClaimResponse{
			Run:            *run,
			UserID:         sess.UserID,
			Prompt:         prompt,
			ConfigSnapshot: config,
			SDKSessionID:   sess.SDKSessionID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) findMessageText(ctx context.Context, tx store.Tx, sessionID, messageID string) (string, error) {
	msgs, err := s.store.Messages().List(ctx, tx, sessionID, 1000, 0)
	if err != nil {
		return "", err
	}
	for _, m := range msgs {
		if m.ID != messageID {
			continue
		}
		var b strings.Builder
		for _, block := range m.Content {
			if block.Type == v1.BlockText {
				b.WriteString(block.Text)
			}
		}
		return b.String(), nil
	}
	return "", nil
}

func stripMCPConfig(cfg *v1.TaskConfig) *v1.TaskConfig {
	if cfg == nil {
		return nil
	}
	sanitized := *cfg
	sanitized.MCPConfig = nil
	return &sanitized
}

// nightlyWindowOpen reports whether now falls within [start, start+minutes)
// UTC, where start is "HH:MM". An unparseable start means the window is
// never open.
func nightlyWindowOpen(now time.Time, startUTC string, minutes int) bool {
	parts := strings.SplitN(startUTC, ":", 2)
	if len(parts) != 2 {
		return false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}

	nowUTC := now.UTC()
	windowStart := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), h, m, 0, 0, time.UTC)
	windowEnd := windowStart.Add(time.Duration(minutes) * time.Minute)

	if windowEnd.Day() != windowStart.Day() {
		// Window wraps past midnight: open if now is after start OR before
		// the wrapped end on the next day.
		return !nowUTC.Before(windowStart) || nowUTC.Before(windowEnd.Add(-24*time.Hour))
	}
	return !nowUTC.Before(windowStart) && nowUTC.Before(windowEnd)
}

// Start implements spec §4.1.3: claimed -> running, matching claimed_by.
func (s *Service) Start(ctx context.Context, runID, workerID string) (*v1.Run, error) {
	var out *v1.Run
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		run, err := s.store.Runs().Get(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.ClaimedBy == nil || *run.ClaimedBy != workerID {
			return apperr.Conflict("run is not claimed by this worker")
		}
		if run.Status != v1.RunClaimed {
			return apperr.Conflict("run is not in claimed status")
		}
		now := s.now()
		run.Status = v1.RunRunning
		run.StartedAt = &now
		run.UpdatedAt = now
		if err := s.store.Runs().Update(ctx, tx, run); err != nil {
			return err
		}
		out = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Fail implements spec §4.1.3: {claimed,running} -> failed, clearing the
// lease and recording the error.
func (s *Service) Fail(ctx context.Context, runID, workerID string, errorMessage *string) (*v1.Run, error) {
	var out *v1.Run
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		run, err := s.store.Runs().Get(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.ClaimedBy == nil || *run.ClaimedBy != workerID {
			return apperr.Conflict("run is not claimed by this worker")
		}
		if run.Status != v1.RunClaimed && run.Status != v1.RunRunning {
			return apperr.Conflict("run is not in a failable status")
		}
		now := s.now()
		run.Status = v1.RunFailed
		run.FinishedAt = &now
		run.LastError = errorMessage
		run.LeaseExpiresAt = nil
		run.UpdatedAt = now
		if err := s.store.Runs().Update(ctx, tx, run); err != nil {
			return err
		}
		out = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
