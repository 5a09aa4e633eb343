package v1

import (
	"encoding/json"
	"time"
)

// SessionStatus enumerates Session.status.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCanceled  SessionStatus = "canceled"
)

// WorkspaceExportStatus enumerates Session.workspace_export_status.
type WorkspaceExportStatus string

const (
	ExportPending WorkspaceExportStatus = "pending"
	ExportReady   WorkspaceExportStatus = "ready"
	ExportFailed  WorkspaceExportStatus = "failed"
)

// RunStatus enumerates Run.status. Transitions are monotonic per spec §8
// except for lease-expiry reclaim, which may move claimed/running back to
// claimed under a new owner.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunClaimed   RunStatus = "claimed"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// MessageRole enumerates AgentMessage.role.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// UserInputRequestStatus enumerates UserInputRequest.status.
type UserInputRequestStatus string

const (
	UserInputPending  UserInputRequestStatus = "pending"
	UserInputAnswered UserInputRequestStatus = "answered"
	UserInputExpired  UserInputRequestStatus = "expired"
)

// Session is the long-lived container for a user conversation/task.
type Session struct {
	ID                    string                `json:"id"`
	UserID                string                `json:"user_id"`
	ProjectID             *string               `json:"project_id,omitempty"`
	Status                SessionStatus         `json:"status"`
	ConfigSnapshot        *TaskConfig           `json:"config_snapshot,omitempty"`
	SDKSessionID          *string               `json:"sdk_session_id,omitempty"`
	StatePatch            *AgentCurrentState    `json:"state_patch,omitempty"`
	WorkspaceExportStatus WorkspaceExportStatus `json:"workspace_export_status,omitempty"`
	WorkspaceFilesPrefix  *string               `json:"workspace_files_prefix,omitempty"`
	WorkspaceManifestKey  *string               `json:"workspace_manifest_key,omitempty"`
	WorkspaceArchiveKey   *string               `json:"workspace_archive_key,omitempty"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// AgentCurrentState is the full-replace "state patch" snapshot: todos, MCP
// connection statuses, a workspace file-change summary, and the current
// step. It replaces, never merges, the session's prior snapshot.
type AgentCurrentState struct {
	Todos           []Todo            `json:"todos,omitempty"`
	MCPStatuses     map[string]string `json:"mcp_statuses,omitempty"`
	FileChanges     []FileChange      `json:"file_changes,omitempty"`
	CurrentStep     string            `json:"current_step,omitempty"`
}

// Todo is one entry in the agent's current todo list.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

// FileChange summarizes one file touched during the run.
type FileChange struct {
	Path      string `json:"path"`
	ChangeType string `json:"change_type"` // added | modified | deleted
}

// Run is one execution attempt within a session.
type Run struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	UserMessageID   string         `json:"user_message_id"`
	Status          RunStatus      `json:"status"`
	Progress        int            `json:"progress"`
	ScheduleMode    ScheduleMode   `json:"schedule_mode"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	ConfigSnapshot  *TaskConfig    `json:"config_snapshot,omitempty"`
	ClaimedBy       *string        `json:"claimed_by,omitempty"`
	LeaseExpiresAt  *time.Time     `json:"lease_expires_at,omitempty"`
	Attempts        int            `json:"attempts"`
	PermissionMode  PermissionMode `json:"permission_mode"`
	ScheduledTaskID *string        `json:"scheduled_task_id,omitempty"`
	LastError       *string        `json:"last_error,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MarshalJSON strips mcp_config from the embedded config snapshot before
// it ever reaches a caller, matching the original's field_serializer-level
// redaction in addition to the persistence-time strip in taskconfig.Merge.
func (r Run) MarshalJSON() ([]byte, error) {
	type alias Run
	a := alias(r)
	if a.ConfigSnapshot != nil {
		sanitized := *a.ConfigSnapshot
		sanitized.MCPConfig = nil
		a.ConfigSnapshot = &sanitized
	}
	return json.Marshal(a)
}

// AgentMessage is one append-only message in a session's transcript.
type AgentMessage struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Role        MessageRole    `json:"role"`
	Content     []ContentBlock `json:"content"`
	TextPreview string         `json:"text_preview,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ToolExecution is one tool invocation by the agent.
type ToolExecution struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	MessageID       *string         `json:"message_id,omitempty"`
	ToolUseID       string          `json:"tool_use_id"`
	ToolName        string          `json:"tool_name"`
	ToolInput       map[string]any  `json:"tool_input,omitempty"`
	ToolOutput      *ToolOutput     `json:"tool_output,omitempty"`
	ResultMessageID *string         `json:"result_message_id,omitempty"`
	IsError         bool            `json:"is_error"`
	DurationMs      *int64          `json:"duration_ms,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ToolOutput wraps a tool result's content. Its presence (not its
// emptiness) is the UI's "done" signal: a zero-value, non-nil ToolOutput
// still means the tool finished with no content.
type ToolOutput struct {
	Content any `json:"content"`
}

// UserInputRequest is a synchronous prompt from the agent to the user.
type UserInputRequest struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Status    UserInputRequestStatus `json:"status"`
	ExpiresAt time.Time              `json:"expires_at"`
	Payload   map[string]any         `json:"payload,omitempty"`
	Answer    *string                `json:"answer,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// UsageLog is one token/cost record emitted from a ResultMessage callback.
type UsageLog struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	RunID         *string        `json:"run_id,omitempty"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	DurationMs    int64          `json:"duration_ms"`
	Usage         map[string]any `json:"usage_json,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
