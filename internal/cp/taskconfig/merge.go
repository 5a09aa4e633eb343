// Package taskconfig implements the config merge semantics of spec §4.2.1:
// a typed replacement for the original's "pure function on an open dict"
// (spec §9's re-architecture note), closed over v1.TaskConfig's known
// fields plus a residual Extra map for anything else.
package taskconfig

import (
	"encoding/json"

	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Install describes one of the user's capability installations (MCP
// server, skill, or sub-agent) as seen by the default-materialization
// rules below.
type Install struct {
	ID      string
	Enabled bool
}

// Merge produces the run's config_snapshot from the session's existing
// base snapshot and the caller's overrides, per spec §4.2.1 steps 1-4;
// of step 7 it only carries an explicit subagent_ids override. Steps 5-6
// (materializing mcp_server_ids/skill_ids from toggles and installs) are
// performed by MaterializeMCPServerIDs/MaterializeSkillIDs, step 7's
// installed-sub-agent default by MaterializeSubAgentIDs, and step 8
// (project repo defaults) by ApplyProjectRepoDefaults, because they need
// data (user installs, project row) this pure function does not have.
func Merge(base, overrides v1.TaskConfig) v1.TaskConfig {
	merged := base

	// Step 1-2: never carry MCP configs or per-run input files forward
	// from the base snapshot.
	merged.MCPConfig = nil
	merged.InputFiles = nil

	if overrides.RepoURL != nil {
		merged.RepoURL = overrides.RepoURL
	}
	if overrides.GitBranch != nil {
		merged.GitBranch = overrides.GitBranch
	}
	if overrides.GitTokenEnvKey != nil {
		merged.GitTokenEnvKey = overrides.GitTokenEnvKey
	}
	if overrides.BrowserEnabled != nil {
		merged.BrowserEnabled = overrides.BrowserEnabled
	}
	if overrides.ContainerMode != nil {
		merged.ContainerMode = overrides.ContainerMode
	}
	if overrides.ContainerID != nil {
		merged.ContainerID = overrides.ContainerID
	}
	if overrides.SubAgentIDs != nil {
		merged.SubAgentIDs = overrides.SubAgentIDs
	}
	if overrides.InputFiles != nil {
		merged.InputFiles = overrides.InputFiles
	}

	// Step 3: toggles are extracted by the caller (see
	// MaterializeMCPServerIDs/MaterializeSkillIDs) and never merged here
	// as plain maps; mcp_server_ids/skill_ids below carry the final
	// materialized lists once the caller computes them.
	if overrides.MCPServerIDs != nil {
		merged.MCPServerIDs = overrides.MCPServerIDs
	}
	if overrides.SkillIDs != nil {
		merged.SkillIDs = overrides.SkillIDs
	}

	// Step 4: residual unknown keys merge with null-removes-key,
	// dict-merges-dict, else-replaces semantics.
	merged.Extra = mergeExtra(base.Extra, overrides.Extra)

	return merged
}

// mergeExtra implements the original `_merge_config_map` rule for the
// residual open-ended bag: a null value removes the key, two JSON objects
// shallow-merge key by key, anything else replaces.
func mergeExtra(base, overrides map[string]json.RawMessage) map[string]json.RawMessage {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]json.RawMessage, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		if isJSONNull(v) {
			delete(merged, k)
			continue
		}
		baseVal, hadBase := merged[k]
		if hadBase && isJSONObject(baseVal) && isJSONObject(v) {
			merged[k] = shallowMergeObjects(baseVal, v)
			continue
		}
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func isJSONNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

func isJSONObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil
}

func shallowMergeObjects(base, overrides json.RawMessage) json.RawMessage {
	var b, o map[string]json.RawMessage
	_ = json.Unmarshal(base, &b)
	_ = json.Unmarshal(overrides, &o)
	out := make(map[string]json.RawMessage, len(b)+len(o))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range o {
		if isJSONNull(v) {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return overrides
	}
	return encoded
}

// MaterializeMCPServerIDs implements spec §4.2.1 step 5: if toggles were
// supplied, include an install if explicitly toggled on, else if
// install.Enabled; if toggles are absent, carry the base list forward;
// if the base list is also absent, default to all enabled installs.
func MaterializeMCPServerIDs(toggles map[string]bool, togglesSet bool, base []string, installs []Install) []string {
	return materializeIDs(toggles, togglesSet, base, installs)
}

// MaterializeSkillIDs implements the analogous rule for skills (spec
// §4.2.1 step 6).
func MaterializeSkillIDs(toggles map[string]bool, togglesSet bool, base []string, installs []Install) []string {
	return materializeIDs(toggles, togglesSet, base, installs)
}

func materializeIDs(toggles map[string]bool, togglesSet bool, base []string, installs []Install) []string {
	if togglesSet {
		out := make([]string, 0, len(installs))
		for _, inst := range installs {
			enabled := inst.Enabled
			if v, ok := toggles[inst.ID]; ok {
				enabled = v
			}
			if enabled {
				out = append(out, inst.ID)
			}
		}
		return out
	}
	if base != nil {
		return base
	}
	out := make([]string, 0, len(installs))
	for _, inst := range installs {
		if inst.Enabled {
			out = append(out, inst.ID)
		}
	}
	return out
}

// MaterializeSubAgentIDs implements spec §4.2.1 step 7: if explicitly
// supplied, use verbatim; else default to all of the user's enabled
// sub-agents.
func MaterializeSubAgentIDs(explicit []string, explicitSet bool, installs []Install) []string {
	if explicitSet {
		return explicit
	}
	out := make([]string, 0, len(installs))
	for _, inst := range installs {
		if inst.Enabled {
			out = append(out, inst.ID)
		}
	}
	return out
}

// Project is the subset of project fields needed to apply repo defaults.
type Project struct {
	RepoURL        string
	GitBranch      string
	GitTokenEnvKey string
}

// ApplyProjectRepoDefaults implements spec §4.2.1 step 8: if the run is
// bound to a project with a non-empty repo_url, and the caller did not
// explicitly set repo_url, fill it (plus companion fields) from the
// project; if the caller set the same repo_url, backfill only the
// missing companion fields; never override an explicitly-set field.
func ApplyProjectRepoDefaults(cfg v1.TaskConfig, project *Project, callerSetRepoURL bool) v1.TaskConfig {
	if project == nil || project.RepoURL == "" {
		return cfg
	}

	sameRepo := cfg.RepoURL != nil && *cfg.RepoURL == project.RepoURL
	if !callerSetRepoURL {
		cfg.RepoURL = strPtr(project.RepoURL)
		if cfg.GitBranch == nil && project.GitBranch != "" {
			cfg.GitBranch = strPtr(project.GitBranch)
		}
		if cfg.GitTokenEnvKey == nil && project.GitTokenEnvKey != "" {
			cfg.GitTokenEnvKey = strPtr(project.GitTokenEnvKey)
		}
		return cfg
	}

	if sameRepo {
		if cfg.GitBranch == nil && project.GitBranch != "" {
			cfg.GitBranch = strPtr(project.GitBranch)
		}
		if cfg.GitTokenEnvKey == nil && project.GitTokenEnvKey != "" {
			cfg.GitTokenEnvKey = strPtr(project.GitTokenEnvKey)
		}
	}
	return cfg
}

func strPtr(s string) *string { return &s }
