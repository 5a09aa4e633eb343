package catalog

import (
	"context"
	"strings"

	"github.com/loomrun/loomrun/internal/store"
)

// claudeMDRecordName is the fixed name of a user's single claude-md
// record; the shadowing rule degenerates to "exactly one user-scoped row"
// since claude-md has no system scope (spec §4.2.2, claude-md).
const claudeMDRecordName = "default"

// Resolver implements the internal resolution endpoints of spec §4.2.2
// that the dispatcher calls while staging a run's workspace: the env var
// map, MCP/skill config merges, the sub-agent set, and a user's
// persistent instructions.
type Resolver struct {
	catalog *Service
}

// NewResolver builds a Resolver over an existing catalog Service.
func NewResolver(c *Service) *Resolver {
	return &Resolver{catalog: c}
}

// ResolveEnvVarMap implements GET /internal/env-vars/map: every env var
// visible to userID (user shadows system), with unset or empty values
// omitted so a missing secret fails loudly downstream rather than
// resolving to an empty string. Each value is the payload's "value"
// string exactly as stored; no decryption is applied.
func (r *Resolver) ResolveEnvVarMap(ctx context.Context, userID string) (map[string]string, error) {
	recs, err := r.catalog.List(ctx, store.KindEnvVar, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(recs))
	for _, rec := range recs {
		isSet, _ := rec.Payload["is_set"].(bool)
		value, _ := rec.Payload["value"].(string)
		if !isSet || value == "" {
			continue
		}
		out[rec.Name] = value
	}
	return out, nil
}

// ResolveMCPConfig implements POST /internal/mcp-config/resolve: merges
// the `mcpServers` object of each requested server into one map,
// preserving caller order so the first occurrence of a duplicate key
// wins, and silently skipping ids that are unknown, deleted, or not
// visible to userID (spec §4.2.2). Install links are not consulted: a
// visible server the user has not installed is merged like any other.
func (r *Resolver) ResolveMCPConfig(ctx context.Context, userID string, serverIDs []string) (map[string]any, error) {
	recs, err := r.resolveVisibleOrdered(ctx, store.KindMCPServer, userID, serverIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, rec := range recs {
		servers, ok := rec.Payload["mcpServers"].(map[string]any)
		if !ok {
			continue
		}
		for name, def := range servers {
			if _, exists := out[name]; exists {
				continue
			}
			out[name] = def
		}
	}
	return out, nil
}

// ResolveSkillConfig implements POST /internal/skill-config/resolve,
// analogous to ResolveMCPConfig but over each skill's full payload
// (skills have no inner `mcpServers`-shaped sub-object to merge).
func (r *Resolver) ResolveSkillConfig(ctx context.Context, userID string, skillIDs []string) (map[string]any, error) {
	recs, err := r.resolveVisibleOrdered(ctx, store.KindSkill, userID, skillIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, rec := range recs {
		for k, v := range rec.Payload {
			if _, exists := out[k]; exists {
				continue
			}
			out[k] = v
		}
	}
	return out, nil
}

// StructuredAgent is a sub-agent record authored as typed fields rather
// than raw Markdown.
type StructuredAgent struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// SubAgentsResolution is the response shape of POST
// /internal/subagents/resolve (spec §4.2.2): structured agents keyed by
// name, and raw-Markdown agents keyed by name.
type SubAgentsResolution struct {
	StructuredAgents map[string]StructuredAgent `json:"structured_agents"`
	RawAgents        map[string]string          `json:"raw_agents"`
}

// ResolveSubAgents resolves subAgentIDs (or, if empty, every sub-agent
// the user has enabled) into their structured/raw forms.
func (r *Resolver) ResolveSubAgents(ctx context.Context, userID string, subAgentIDs []string) (*SubAgentsResolution, error) {
	var recs []Record
	var err error
	if len(subAgentIDs) > 0 {
		recs, err = r.resolveVisibleOrdered(ctx, store.KindSubAgent, userID, subAgentIDs)
	} else {
		recs, err = r.enabledInstalled(ctx, store.KindSubAgent, userID)
	}
	if err != nil {
		return nil, err
	}

	out := &SubAgentsResolution{
		StructuredAgents: make(map[string]StructuredAgent),
		RawAgents:        make(map[string]string),
	}
	for _, rec := range recs {
		if raw, ok := rec.Payload["raw_markdown"].(string); ok && strings.TrimSpace(raw) != "" {
			out.RawAgents[rec.Name] = raw
			continue
		}
		agent := StructuredAgent{}
		agent.Description, _ = rec.Payload["description"].(string)
		agent.Prompt, _ = rec.Payload["prompt"].(string)
		agent.Model, _ = rec.Payload["model"].(string)
		if tools, ok := rec.Payload["tools"].([]any); ok {
			for _, t := range tools {
				if s, ok := t.(string); ok {
					agent.Tools = append(agent.Tools, s)
				}
			}
		}
		out.StructuredAgents[rec.Name] = agent
	}
	return out, nil
}

// ClaudeMD is a user's persistent-instructions record.
type ClaudeMD struct {
	Enabled bool   `json:"enabled"`
	Content string `json:"content"`
}

// ResolveClaudeMD implements GET /internal/claude-md: a user's persistent
// instructions, or a disabled empty value if they have never set one.
func (r *Resolver) ResolveClaudeMD(ctx context.Context, userID string) (*ClaudeMD, error) {
	recs, err := r.catalog.List(ctx, store.KindClaudeMD, userID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Name != claudeMDRecordName {
			continue
		}
		doc := &ClaudeMD{}
		doc.Enabled, _ = rec.Payload["enabled"].(bool)
		doc.Content, _ = rec.Payload["content"].(string)
		return doc, nil
	}
	return &ClaudeMD{}, nil
}

// SetClaudeMD creates or replaces userID's persistent-instructions
// record.
func (r *Resolver) SetClaudeMD(ctx context.Context, userID string, enabled bool, content string) error {
	payload := map[string]any{"enabled": enabled, "content": content}

	existing, err := r.catalog.List(ctx, store.KindClaudeMD, userID)
	if err != nil {
		return err
	}
	for _, rec := range existing {
		if rec.Name == claudeMDRecordName {
			_, err := r.catalog.Update(ctx, store.KindClaudeMD, rec.ID, claudeMDRecordName, payload)
			return err
		}
	}
	_, err = r.catalog.Create(ctx, store.KindClaudeMD, CreateInput{
		Scope:        "user",
		CallerUserID: userID,
		Name:         claudeMDRecordName,
		Payload:      payload,
	})
	return err
}

// resolveVisibleOrdered fetches ids in caller order, silently dropping
// ids that are unknown, deleted, or not visible to userID, matching
// store.CatalogRepository.ResolveVisible's contract.
func (r *Resolver) resolveVisibleOrdered(ctx context.Context, kind store.CapabilityKind, userID string, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	visible, err := r.catalog.List(ctx, kind, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Record, len(visible))
	for _, rec := range visible {
		byID[rec.ID] = rec
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// enabledInstalled returns every record of kind that userID has an
// enabled install link for, used as the subagents/resolve default when
// no explicit id list is given (spec §4.2.2).
func (r *Resolver) enabledInstalled(ctx context.Context, kind store.CapabilityKind, userID string) ([]Record, error) {
	installs, err := r.catalog.ListInstalls(ctx, kind, userID)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(installs))
	for _, inst := range installs {
		if inst.Enabled {
			enabled[inst.ID] = true
		}
	}
	if len(enabled) == 0 {
		return nil, nil
	}
	visible, err := r.catalog.List(ctx, kind, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(enabled))
	for _, rec := range visible {
		if enabled[rec.ID] {
			out = append(out, rec)
		}
	}
	return out, nil
}
