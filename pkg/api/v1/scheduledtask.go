package v1

import "time"

// ScheduledTask is a recurring prompt: a cron expression plus timezone
// resolved into concrete immediate runs by internal/cp/scheduledtask.
type ScheduledTask struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	ProjectID *string `json:"project_id,omitempty"`

	Name    string     `json:"name"`
	Prompt  string     `json:"prompt"`
	Config  TaskConfig `json:"config"`
	Enabled bool       `json:"enabled"`

	CronExpr string `json:"cron_expr"`
	Timezone string `json:"timezone"`

	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	LastRunID     *string    `json:"last_run_id,omitempty"`
	LastRunStatus *RunStatus `json:"last_run_status,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
