// Package configresolver assembles a claimed run's final execution config
// (spec §4.2.1-§4.2.2) by calling the control plane's internal resolution
// endpoints for every id the run's config_snapshot references.
package configresolver

import (
	"context"
	"fmt"

	"github.com/loomrun/loomrun/internal/common/constants"
	"github.com/loomrun/loomrun/internal/dp/cpclient"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Resolved is everything the stager and executor handoff need beyond the
// claimed run itself.
type Resolved struct {
	EnvVars    map[string]string
	MCPServers map[string]any
	Skills     map[string]any
	SubAgents  *cpclient.SubAgentsResolution
	ClaudeMD   *cpclient.ClaudeMD
}

// Resolver resolves a claim's config against the control plane.
type Resolver struct {
	cp *cpclient.Client
}

// New builds a Resolver.
func New(cp *cpclient.Client) *Resolver {
	return &Resolver{cp: cp}
}

// Resolve implements spec §4.2.1 steps 9-10 and §4.2.2: fan out to every
// internal resolution endpoint needed by claim's materialized config.
func (r *Resolver) Resolve(ctx context.Context, userID string, claim *v1.RunClaimResponse) (*Resolved, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.CatalogFetchTimeout)
	defer cancel()

	var cfg v1.TaskConfig
	if claim.ConfigSnapshot != nil {
		cfg = *claim.ConfigSnapshot
	}

	envVars, err := r.cp.ResolveEnvVarMap(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve env vars: %w", err)
	}

	mcpServers, err := r.cp.ResolveMCPConfig(ctx, userID, cfg.MCPServerIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve mcp config: %w", err)
	}

	skills, err := r.cp.ResolveSkillConfig(ctx, userID, cfg.SkillIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve skill config: %w", err)
	}

	subAgents, err := r.cp.ResolveSubAgents(ctx, userID, cfg.SubAgentIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve subagents: %w", err)
	}

	claudeMD, err := r.cp.ResolveClaudeMD(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve claude-md: %w", err)
	}

	return &Resolved{
		EnvVars:    envVars,
		MCPServers: mcpServers,
		Skills:     skills,
		SubAgents:  subAgents,
		ClaudeMD:   claudeMD,
	}, nil
}
