package v1

import (
	"encoding/json"
	"fmt"
)

// CallbackStatus enumerates the executor-reported status in a callback.
type CallbackStatus string

const (
	CallbackAccepted  CallbackStatus = "accepted"
	CallbackRunning   CallbackStatus = "running"
	CallbackCompleted CallbackStatus = "completed"
	CallbackFailed    CallbackStatus = "failed"
)

// Callback is the one-shot HTTP POST body the executor sends for a single
// progress or completion event. SessionID may be either the system's
// internal UUID or the executor's own session id; the callback processor
// resolves either.
type Callback struct {
	SessionID             string                 `json:"session_id"`
	Time                  string                 `json:"time"`
	Status                CallbackStatus         `json:"status"`
	Progress              int                    `json:"progress"`
	NewMessage            *Message               `json:"new_message,omitempty"`
	StatePatch            *AgentCurrentState     `json:"state_patch,omitempty"`
	SDKSessionID          *string                `json:"sdk_session_id,omitempty"`
	WorkspaceFilesPrefix  *string                `json:"workspace_files_prefix,omitempty"`
	WorkspaceManifestKey  *string                `json:"workspace_manifest_key,omitempty"`
	WorkspaceArchiveKey   *string                `json:"workspace_archive_key,omitempty"`
	WorkspaceExportStatus *WorkspaceExportStatus `json:"workspace_export_status,omitempty"`
}

// MessageType tags the sum type a Message carries.
type MessageType string

const (
	MessageAssistant MessageType = "AssistantMessage"
	MessageUser      MessageType = "UserMessage"
	MessageSystem    MessageType = "SystemMessage"
	MessageResult    MessageType = "ResultMessage"
)

// Message is the tagged sum type replacing the original's dynamic
// `_type` dispatch. Exactly the fields relevant to Type are populated;
// unknown Type values fall back to the assistant role with a logged
// warning, per spec §9.
type Message struct {
	Type    MessageType     `json:"_type"`
	Content []ContentBlock  `json:"content,omitempty"`
	Usage   *ResultUsage    `json:"usage,omitempty"`
	SDKSessionID *string    `json:"sdk_session_id,omitempty"`
}

// ResultUsage is the token/cost payload carried by a ResultMessage.
type ResultUsage struct {
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TotalCostUSD float64        `json:"total_cost_usd"`
	Raw          map[string]any `json:"-"`
}

// ContentBlockType tags the sum type a ContentBlock carries.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "TextBlock"
	BlockToolUse    ContentBlockType = "ToolUseBlock"
	BlockToolResult ContentBlockType = "ToolResultBlock"
)

// ContentBlock is the tagged sum type for one entry in a Message's content
// list: {Text, ToolUse, ToolResult}.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// TextBlock
	Text string `json:"text,omitempty"`

	// ToolUseBlock
	ToolUseID string         `json:"id,omitempty"`
	ToolName  string         `json:"name,omitempty"`
	ToolInput map[string]any `json:"input,omitempty"`

	// ToolResultBlock
	ResultToolUseID string `json:"tool_use_id,omitempty"`
	ResultContent   any    `json:"content,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`
}

// UnmarshalJSON decodes ContentBlock and applies the ToolUseBlock/
// ToolResultBlock id-field aliasing so both "id" (use) and "tool_use_id"
// (result) land correctly regardless of which the executor emitted.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode content block: %w", err)
	}
	*c = ContentBlock(a)
	if c.Type == BlockToolUse && c.ToolUseID == "" && c.ResultToolUseID != "" {
		c.ToolUseID = c.ResultToolUseID
	}
	return nil
}
