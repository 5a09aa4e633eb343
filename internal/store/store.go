// Package store defines the repository interfaces the control plane's
// queue, callback, and cancellation components depend on. Repositories
// are stateless facades; a logical unit of work owns the transaction
// boundary via Store.WithTx (spec §3, Ownership).
package store

import (
	"context"
	"time"

	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Tx is an opaque transaction handle threaded through repository calls
// within one unit of work. Implementations type-assert it back to their
// native driver transaction (pgx.Tx or *sql.Tx).
type Tx interface{}

// Store is the top-level unit-of-work boundary: WithTx runs fn inside a
// single transaction, committing on success and rolling back on error or
// panic, matching internal/common/database's pgx WithTx helper.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Sessions() SessionRepository
	Runs() RunRepository
	Messages() MessageRepository
	ToolExecutions() ToolExecutionRepository
	UsageLogs() UsageLogRepository
	UserInputRequests() UserInputRequestRepository
	Catalog() CatalogRepository
	ScheduledTasks() ScheduledTaskRepository
}

// SessionRepository persists Session rows.
type SessionRepository interface {
	Create(ctx context.Context, tx Tx, s *v1.Session) error
	Get(ctx context.Context, tx Tx, id string) (*v1.Session, error)
	GetBySDKSessionID(ctx context.Context, tx Tx, sdkSessionID string) (*v1.Session, error)
	Update(ctx context.Context, tx Tx, s *v1.Session) error
	// SetStatusIfNotCanceled implements the cancel-sticky fence of spec
	// §4.3.2 step 4 and §8: it only transitions status when the row's
	// current status is not already "canceled", and reports whether it did.
	SetStatusIfNotCanceled(ctx context.Context, tx Tx, id string, status v1.SessionStatus) (bool, error)
	List(ctx context.Context, tx Tx, userID string, limit, offset int) ([]*v1.Session, error)
}

// RunRepository persists Run rows and implements the claim protocol.
type RunRepository interface {
	Create(ctx context.Context, tx Tx, r *v1.Run) error
	Get(ctx context.Context, tx Tx, id string) (*v1.Run, error)
	Update(ctx context.Context, tx Tx, r *v1.Run) error
	// ClaimNext atomically selects and claims one eligible run per spec
	// §4.1.2: status=queued, or {claimed,running} with an expired lease;
	// schedule_mode in modes; scheduled_at<=now for "scheduled"; ordered
	// by (scheduled_at, created_at). Returns nil, nil if nothing matched.
	ClaimNext(ctx context.Context, tx Tx, workerID string, leaseSeconds int, modes []v1.ScheduleMode, now time.Time, nightlyOpen bool) (*v1.Run, error)
	// LatestNonTerminal returns the most recently created run for a
	// session whose status is not completed/failed/canceled.
	LatestNonTerminal(ctx context.Context, tx Tx, sessionID string) (*v1.Run, error)
	// CancelAllActive transitions every run in {queued,claimed,running}
	// for a session to canceled, clearing its lease (spec §4.3.4 step 2).
	CancelAllActive(ctx context.Context, tx Tx, sessionID string, now time.Time) error
}

// MessageRepository persists AgentMessage rows.
type MessageRepository interface {
	Create(ctx context.Context, tx Tx, m *v1.AgentMessage) error
	List(ctx context.Context, tx Tx, sessionID string, limit, offset int) ([]*v1.AgentMessage, error)
}

// ToolExecutionRepository persists ToolExecution rows, keyed uniquely by
// (session_id, tool_use_id).
type ToolExecutionRepository interface {
	GetByToolUseID(ctx context.Context, tx Tx, sessionID, toolUseID string) (*v1.ToolExecution, error)
	Create(ctx context.Context, tx Tx, te *v1.ToolExecution) error
	Update(ctx context.Context, tx Tx, te *v1.ToolExecution) error
	// ListOpen returns every ToolExecution in sessionID whose ToolOutput
	// is still nil (spec §4.3.4 step 4's cancellation target set).
	ListOpen(ctx context.Context, tx Tx, sessionID string) ([]*v1.ToolExecution, error)
}

// UsageLogRepository persists UsageLog rows.
type UsageLogRepository interface {
	Create(ctx context.Context, tx Tx, u *v1.UsageLog) error
}

// UserInputRequestRepository persists UserInputRequest rows.
type UserInputRequestRepository interface {
	Create(ctx context.Context, tx Tx, r *v1.UserInputRequest) error
	Get(ctx context.Context, tx Tx, id string) (*v1.UserInputRequest, error)
	// ExpireAllPending implements spec §4.3.4 step 3.
	ExpireAllPending(ctx context.Context, tx Tx, sessionID string, now time.Time) error
}

// CatalogRepository resolves the shadowing visibility rule (spec §3,
// Invariants; §8 Shadowing) across every capability catalog: for any
// (name, user_id), at most one user-scoped and one system-scoped record
// exist, and the user's shadows the system's.
type CatalogRepository interface {
	// ResolveVisible returns, for each requested id, the winning record
	// (user-scoped if present, else system-scoped), or nil if neither
	// exists or the id was deleted since enqueue (silently skipped per
	// spec §4.2.2).
	ResolveVisible(ctx context.Context, tx Tx, kind CapabilityKind, userID string, ids []string) ([]CatalogRecord, error)
	ListInstalls(ctx context.Context, tx Tx, kind CapabilityKind, userID string) ([]Install, error)

	Create(ctx context.Context, tx Tx, kind CapabilityKind, rec *CatalogRecord) error
	Get(ctx context.Context, tx Tx, kind CapabilityKind, id string) (*CatalogRecord, error)
	Update(ctx context.Context, tx Tx, kind CapabilityKind, rec *CatalogRecord) error
	Delete(ctx context.Context, tx Tx, kind CapabilityKind, id string) error
	// ListVisible returns every record of kind visible to userID (system ∪
	// the user's own), shadowed by name, for catalog management listings.
	ListVisible(ctx context.Context, tx Tx, kind CapabilityKind, userID string) ([]CatalogRecord, error)
	// UpsertInstall idempotently sets the enabled flag of a user's
	// installation link for a capability (spec §3, Installation links).
	UpsertInstall(ctx context.Context, tx Tx, kind CapabilityKind, userID, capabilityID string, enabled bool) error
}

// CapabilityKind enumerates the catalogs sharing the shadowing rule.
type CapabilityKind string

const (
	KindMCPServer CapabilityKind = "mcp_server"
	KindSkill     CapabilityKind = "skill"
	KindPlugin    CapabilityKind = "plugin"
	KindSubAgent  CapabilityKind = "subagent"
	KindEnvVar    CapabilityKind = "env_var"
	// KindClaudeMD stores each user's persistent instructions as a single
	// user-scoped record named "default" (spec §4.2.2, claude-md).
	KindClaudeMD CapabilityKind = "claude_md"
	// KindSlashCommand stores custom slash commands, rendered to Markdown by
	// internal/cp/slashcommand; the dispatcher's stager does not write them
	// into .claude_data/commands.
	KindSlashCommand CapabilityKind = "slash_command"
)

// CatalogRecord is one capability catalog row (resolved, shadow-applied, or
// raw depending on the call site).
type CatalogRecord struct {
	ID          string
	Name        string
	Scope       string // "user" | "system"
	OwnerUserID *string
	Payload     map[string]any
}

// Install mirrors taskconfig.Install for catalog-backed materialization.
type Install struct {
	ID      string
	Enabled bool
}

// ScheduledTaskRepository persists ScheduledTask rows and supports the
// due-task scan behind POST /internal/scheduled-tasks/dispatch-due.
type ScheduledTaskRepository interface {
	Create(ctx context.Context, tx Tx, t *v1.ScheduledTask) error
	Get(ctx context.Context, tx Tx, id string) (*v1.ScheduledTask, error)
	Update(ctx context.Context, tx Tx, t *v1.ScheduledTask) error
	List(ctx context.Context, tx Tx, userID string) ([]*v1.ScheduledTask, error)
	// ListDue returns every enabled task whose next_run_at is <= now,
	// ordered by next_run_at, up to limit rows.
	ListDue(ctx context.Context, tx Tx, now time.Time, limit int) ([]*v1.ScheduledTask, error)
}
