package v1

// RunClaimRequest is a worker's request for the next claimable run.
type RunClaimRequest struct {
	WorkerID      string   `json:"worker_id"`
	LeaseSeconds  int      `json:"lease_seconds"`
	ScheduleModes []string `json:"schedule_modes,omitempty"`
}

// RunClaimResponse carries everything a dispatcher needs to resolve,
// stage, and hand off a claimed run. SDKSessionID is null when the run
// belongs to a scheduled task that must start a fresh agent session.
type RunClaimResponse struct {
	Run            Run         `json:"run"`
	UserID         string      `json:"user_id"`
	Prompt         string      `json:"prompt"`
	ConfigSnapshot *TaskConfig `json:"config_snapshot,omitempty"`
	SDKSessionID   *string     `json:"sdk_session_id,omitempty"`
}

// RunStartRequest marks a claimed run as running.
type RunStartRequest struct {
	WorkerID string `json:"worker_id"`
}

// RunFailRequest marks a claimed or running run as failed.
type RunFailRequest struct {
	WorkerID     string  `json:"worker_id"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// TaskEnqueueRequest is the public enqueue contract (spec §4.1.1).
type TaskEnqueueRequest struct {
	UserID         string      `json:"user_id"`
	SessionID      *string     `json:"session_id,omitempty"`
	Prompt         string      `json:"prompt"`
	Config         *TaskConfig `json:"config,omitempty"`
	ScheduleMode   string      `json:"schedule_mode"`
	ScheduledAt    *string     `json:"scheduled_at,omitempty"`
	Timezone       *string     `json:"timezone,omitempty"`
	PermissionMode *string     `json:"permission_mode,omitempty"`
	ProjectID      *string     `json:"project_id,omitempty"`
}

// SessionCancelRequest is the cancellation contract (spec §4.3.4).
type SessionCancelRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// SessionCancelResponse reports whether the best-effort executor-cancel
// RPC succeeded; local cancellation always succeeds regardless.
type SessionCancelResponse struct {
	Session          Session `json:"session"`
	ExecutorNotified bool    `json:"executor_notified"`
}

// ExecutorHandoff is the payload DP sends the executor to start a run
// (spec §4.2.5).
type ExecutorHandoff struct {
	SessionID      string      `json:"session_id"`
	RunID          string      `json:"run_id"`
	Prompt         string      `json:"prompt"`
	CallbackURL    string      `json:"callback_url"`
	CallbackToken  string      `json:"callback_token"`
	ResolvedConfig *TaskConfig `json:"resolved_config,omitempty"`
	SDKSessionID   *string     `json:"sdk_session_id,omitempty"`
	PermissionMode string      `json:"permission_mode"`
}

// ExecutorCancelRequest is DP's best-effort forward of a cancellation to
// the executor.
type ExecutorCancelRequest struct {
	SessionID string  `json:"session_id"`
	Reason    *string `json:"reason,omitempty"`
}
