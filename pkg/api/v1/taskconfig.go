// Package v1 defines the wire types shared by the control plane, the
// dispatcher, and the executor boundary.
package v1

import "encoding/json"

// InputFile describes one per-run attachment staged into a session's
// workspace inputs directory.
type InputFile struct {
	Name   string `json:"name"`
	S3Key  string `json:"s3_key"`
	SizeB  int64  `json:"size_bytes,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// TaskConfig is the closed, versioned overlay struct that replaces the
// original open `dict[str, Any]` config bag. Every field the system acts
// upon is explicit; Extra carries forward unknown wire keys unmodified so
// the merge operation never silently drops caller data, without ever
// acting on it.
//
// Pointer fields distinguish "caller did not set this" (nil) from "caller
// explicitly set this to the zero value" (non-nil), which the merge
// semantics in internal/cp/taskconfig depend on.
type TaskConfig struct {
	RepoURL        *string `json:"repo_url,omitempty"`
	GitBranch      *string `json:"git_branch,omitempty"`
	GitTokenEnvKey *string `json:"git_token_env_key,omitempty"`

	// MCPConfig is a string-keyed toggle map (server id -> enabled), never
	// the full per-server connection config. The full config is resolved
	// separately via POST /internal/mcp-config/resolve and is never
	// persisted on a session or run.
	MCPConfig map[string]bool `json:"mcp_config,omitempty"`
	// MCPServerIDs, when non-nil, is the explicit materialized list of
	// server ids to enable for this run (see internal/cp/taskconfig.Merge).
	MCPServerIDs []string `json:"mcp_server_ids,omitempty"`

	SkillConfig map[string]bool `json:"skill_config,omitempty"`
	SkillIDs    []string        `json:"skill_ids,omitempty"`

	SubAgentIDs []string `json:"subagent_ids,omitempty"`

	InputFiles []InputFile `json:"input_files,omitempty"`

	BrowserEnabled *bool `json:"browser_enabled,omitempty"`

	ContainerMode *string `json:"container_mode,omitempty"` // "ephemeral" | "persistent"
	ContainerID   *string `json:"container_id,omitempty"`

	// Extra preserves unknown keys verbatim across merges. Never read by
	// any component other than the merge itself.
	Extra map[string]json.RawMessage `json:"-"`
}

// ScheduleMode enumerates the run queue's schedule-mode partitioning.
type ScheduleMode string

const (
	ScheduleImmediate ScheduleMode = "immediate"
	ScheduleScheduled ScheduleMode = "scheduled"
	ScheduleNightly   ScheduleMode = "nightly"
)

// PermissionMode enumerates the executor's permission modes.
type PermissionMode string

const (
	PermissionDefault          PermissionMode = "default"
	PermissionAcceptEdits      PermissionMode = "acceptEdits"
	PermissionPlan             PermissionMode = "plan"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// ValidPermissionMode reports whether m is one of the four accepted modes.
func ValidPermissionMode(m string) bool {
	switch PermissionMode(m) {
	case PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypassPermissions:
		return true
	default:
		return false
	}
}
