// Package dispatch implements puller.Dispatcher: the full claim-to-handoff
// pipeline (spec §4.2.1-§4.2.6) that a schedule-mode puller invokes for
// each run it claims.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loomrun/loomrun/internal/common/logger"
	"github.com/loomrun/loomrun/internal/dp/configresolver"
	"github.com/loomrun/loomrun/internal/dp/container"
	"github.com/loomrun/loomrun/internal/dp/cpclient"
	"github.com/loomrun/loomrun/internal/dp/executor"
	"github.com/loomrun/loomrun/internal/dp/stager"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Pipeline wires configresolver, stager, container, and executor into one
// Dispatch call per claimed run.
type Pipeline struct {
	WorkerID string
	CP       *cpclient.Client
	Resolver *configresolver.Resolver
	Stager   *stager.Stager
	Pool     *container.Pool
	Handoff  *executor.Handoff
	Log      *logger.Logger

	// CallbackURL is this dispatcher's own /callback endpoint, handed to
	// the executor so it knows where to POST progress events.
	CallbackURL   string
	CallbackToken string

	// Registry tracks a session's currently staged workspace dir so the
	// callback relay can locate it later for export (spec §4.3.3).
	Registry *WorkspaceRegistry
}

// WorkspaceRegistry maps a session id to its staged workspace directory
// and owning user, read by internal/dp/api's callback relay.
type WorkspaceRegistry struct {
	mu sync.RWMutex
	m  map[string]entry
}

type entry struct {
	userID string
	dir    string
}

// NewWorkspaceRegistry builds an empty registry.
func NewWorkspaceRegistry() *WorkspaceRegistry {
	return &WorkspaceRegistry{m: make(map[string]entry)}
}

func (w *WorkspaceRegistry) set(sessionID, userID, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.m[sessionID] = entry{userID: userID, dir: dir}
}

// Lookup returns the staged workspace dir and owning user for sessionID,
// matching internal/dp/api.Deps.WorkspaceLookup's signature.
func (w *WorkspaceRegistry) Lookup(sessionID string) (userID, workspaceDir string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e := w.m[sessionID]
	return e.userID, e.dir
}

// Dispatch implements puller.Dispatcher.
func (p *Pipeline) Dispatch(ctx context.Context, claim *v1.RunClaimResponse) error {
	resolved, err := p.Resolver.Resolve(ctx, claim.UserID, claim)
	if err != nil {
		return p.fail(ctx, claim, fmt.Errorf("resolve config: %w", err))
	}

	containerMode := "ephemeral"
	if claim.ConfigSnapshot != nil && claim.ConfigSnapshot.ContainerMode != nil {
		containerMode = *claim.ConfigSnapshot.ContainerMode
	}

	layout, err := p.Stager.Stage(ctx, claim.UserID, claim, resolved, containerMode)
	if err != nil {
		return p.fail(ctx, claim, fmt.Errorf("stage workspace: %w", err))
	}
	p.Registry.set(claim.Run.SessionID, claim.UserID, layout.Workspace)

	handle, err := p.Pool.Acquire(ctx, claim.Run.SessionID, layout.Workspace, containerMode)
	if err != nil {
		return p.fail(ctx, claim, fmt.Errorf("acquire container: %w", err))
	}

	permissionMode := string(v1.PermissionDefault)
	var resolvedConfig *v1.TaskConfig
	if claim.ConfigSnapshot != nil {
		resolvedConfig = claim.ConfigSnapshot
	}

	payload := v1.ExecutorHandoff{
		SessionID:      claim.Run.SessionID,
		RunID:          claim.Run.ID,
		Prompt:         claim.Prompt,
		CallbackURL:    p.CallbackURL,
		CallbackToken:  p.CallbackToken,
		ResolvedConfig: resolvedConfig,
		SDKSessionID:   claim.SDKSessionID,
		PermissionMode: permissionMode,
	}

	if err := p.Handoff.Send(ctx, handle.ExecutorURL, payload, p.WorkerID); err != nil {
		p.Pool.Release(ctx, claim.Run.SessionID, true)
		return p.fail(ctx, claim, fmt.Errorf("executor handoff: %w", err))
	}

	return nil
}

func (p *Pipeline) fail(ctx context.Context, claim *v1.RunClaimResponse, cause error) error {
	if err := p.CP.FailRun(ctx, claim.Run.ID, p.WorkerID, cause.Error()); err != nil {
		p.Log.Error("fail_run also failed", zap.Error(err))
	}
	return cause
}
