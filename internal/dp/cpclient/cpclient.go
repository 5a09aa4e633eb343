// Package cpclient is the dispatcher's HTTP client for the control
// plane's worker-facing and internal endpoints (spec §6): claim/start/
// fail, the callback relay, and the resolution endpoints consumed by
// internal/dp/configresolver.
package cpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/httpresp"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Client talks to the control plane's HTTP surface over a plain
// *http.Client; the control plane is a separate process per spec §1's
// CP/DP/EX split.
type Client struct {
	baseURL       string
	internalToken string
	http          *http.Client
}

// New builds a Client against baseURL (e.g. "http://controlplane:8080").
func New(baseURL, internalToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:       baseURL,
		internalToken: internalToken,
		http:          &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, internal bool, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cpclient: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if internal {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.ExternalServiceUnavailable("controlplane")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env httpresp.Envelope
	if out != nil {
		env.Data = out
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		return fmt.Errorf("cpclient: decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return apperr.Internal(fmt.Sprintf("controlplane %s %s: %s", method, path, env.Message), nil)
	}
	return nil
}

// Claim requests the next eligible run for workerID across modes.
func (c *Client) Claim(ctx context.Context, workerID string, leaseSeconds int, modes []v1.ScheduleMode) (*v1.RunClaimResponse, error) {
	req := v1.RunClaimRequest{WorkerID: workerID, LeaseSeconds: leaseSeconds}
	for _, m := range modes {
		req.ScheduleModes = append(req.ScheduleModes, string(m))
	}
	var out v1.RunClaimResponse
	if err := c.do(ctx, http.MethodPost, "/runs/claim", false, req, &out); err != nil {
		return nil, err
	}
	if out.Run.ID == "" {
		return nil, nil
	}
	return &out, nil
}

// StartRun marks a claimed run as running.
func (c *Client) StartRun(ctx context.Context, runID, workerID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+runID+"/start", false, v1.RunStartRequest{WorkerID: workerID}, nil)
}

// FailRun marks a claimed or running run as failed.
func (c *Client) FailRun(ctx context.Context, runID, workerID string, errorMessage string) error {
	msg := errorMessage
	return c.do(ctx, http.MethodPost, "/runs/"+runID+"/fail", false, v1.RunFailRequest{WorkerID: workerID, ErrorMessage: &msg}, nil)
}

// ForwardCallback relays one executor callback to the control plane.
func (c *Client) ForwardCallback(ctx context.Context, cb v1.Callback) error {
	if err := c.do(ctx, http.MethodPost, "/callback", false, cb, nil); err != nil {
		return apperr.CallbackForwardFailed("forward callback to control plane", err)
	}
	return nil
}

// ResolveEnvVarMap fetches userID's resolved environment variable map.
func (c *Client) ResolveEnvVarMap(ctx context.Context, userID string) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/internal/env-vars/map?user_id="+userID, true, nil, &out)
	return out, err
}

// ResolveMCPConfig fetches the merged MCP server config for serverIDs.
func (c *Client) ResolveMCPConfig(ctx context.Context, userID string, serverIDs []string) (map[string]any, error) {
	var out struct {
		MCPServers map[string]any `json:"mcp_servers"`
	}
	req := map[string]any{"user_id": userID, "server_ids": serverIDs}
	err := c.do(ctx, http.MethodPost, "/internal/mcp-config/resolve", true, req, &out)
	return out.MCPServers, err
}

// ResolveSkillConfig fetches the merged skill config for skillIDs.
func (c *Client) ResolveSkillConfig(ctx context.Context, userID string, skillIDs []string) (map[string]any, error) {
	var out struct {
		Skills map[string]any `json:"skills"`
	}
	req := map[string]any{"user_id": userID, "skill_ids": skillIDs}
	err := c.do(ctx, http.MethodPost, "/internal/skill-config/resolve", true, req, &out)
	return out.Skills, err
}

// ResolveSubAgents fetches the structured/raw sub-agent split for subAgentIDs.
func (c *Client) ResolveSubAgents(ctx context.Context, userID string, subAgentIDs []string) (*SubAgentsResolution, error) {
	var out SubAgentsResolution
	req := map[string]any{"user_id": userID, "subagent_ids": subAgentIDs}
	if err := c.do(ctx, http.MethodPost, "/internal/subagents/resolve", true, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubAgentsResolution mirrors internal/cp/catalog.SubAgentsResolution on
// the wire, avoiding a dependency from the dispatcher process on CP's
// internal package.
type SubAgentsResolution struct {
	StructuredAgents map[string]StructuredAgent `json:"structured_agents"`
	RawAgents        map[string]string          `json:"raw_agents"`
}

// StructuredAgent mirrors internal/cp/catalog.StructuredAgent.
type StructuredAgent struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// ClaudeMD mirrors internal/cp/catalog.ClaudeMD.
type ClaudeMD struct {
	Enabled bool   `json:"enabled"`
	Content string `json:"content"`
}

// ResolveClaudeMD fetches userID's persistent instructions document.
func (c *Client) ResolveClaudeMD(ctx context.Context, userID string) (*ClaudeMD, error) {
	var out ClaudeMD
	if err := c.do(ctx, http.MethodGet, "/internal/claude-md?user_id="+userID, true, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
