package taskconfig

import (
	"encoding/json"
	"testing"

	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

func strp(s string) *string { return &s }

func TestMergeDropsMCPConfigAndInputFilesFromBase(t *testing.T) {
	base := v1.TaskConfig{
		MCPConfig:  map[string]bool{"srv1": true},
		InputFiles: []v1.InputFile{{Name: "a.txt"}},
	}
	merged := Merge(base, v1.TaskConfig{})

	if merged.MCPConfig != nil {
		t.Errorf("expected MCPConfig stripped from base, got %v", merged.MCPConfig)
	}
	if merged.InputFiles != nil {
		t.Errorf("expected InputFiles stripped from base, got %v", merged.InputFiles)
	}
}

func TestMergeOverridesReplaceExplicitFields(t *testing.T) {
	base := v1.TaskConfig{GitBranch: strp("main")}
	overrides := v1.TaskConfig{GitBranch: strp("feature-x")}

	merged := Merge(base, overrides)

	if merged.GitBranch == nil || *merged.GitBranch != "feature-x" {
		t.Fatalf("expected GitBranch=feature-x, got %v", merged.GitBranch)
	}
}

func TestMergeExtraNullRemovesKey(t *testing.T) {
	base := v1.TaskConfig{Extra: map[string]json.RawMessage{
		"legacy_flag": json.RawMessage(`true`),
	}}
	overrides := v1.TaskConfig{Extra: map[string]json.RawMessage{
		"legacy_flag": json.RawMessage(`null`),
	}}

	merged := Merge(base, overrides)

	if _, ok := merged.Extra["legacy_flag"]; ok {
		t.Fatalf("expected legacy_flag removed, got %v", merged.Extra)
	}
}

func TestMergeExtraDictShallowMerges(t *testing.T) {
	base := v1.TaskConfig{Extra: map[string]json.RawMessage{
		"nested": json.RawMessage(`{"a":1,"b":2}`),
	}}
	overrides := v1.TaskConfig{Extra: map[string]json.RawMessage{
		"nested": json.RawMessage(`{"b":3,"c":4}`),
	}}

	merged := Merge(base, overrides)

	var got map[string]int
	if err := json.Unmarshal(merged.Extra["nested"], &got); err != nil {
		t.Fatalf("unmarshal merged nested: %v", err)
	}
	want := map[string]int{"a": 1, "b": 3, "c": 4}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("nested[%s] = %d, want %d", k, got[k], v)
		}
	}
}

func TestMaterializeMCPServerIDsWithToggles(t *testing.T) {
	installs := []Install{
		{ID: "srv1", Enabled: true},
		{ID: "srv2", Enabled: false},
		{ID: "srv3", Enabled: true},
	}
	toggles := map[string]bool{"srv2": true, "srv3": false}

	got := MaterializeMCPServerIDs(toggles, true, nil, installs)

	want := map[string]bool{"srv1": true, "srv2": true}
	if len(got) != len(want) {
		t.Fatalf("got %v, want keys %v", got, want)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected id %s in result %v", id, got)
		}
	}
}

func TestMaterializeMCPServerIDsNoTogglesCarriesBaseForward(t *testing.T) {
	base := []string{"srv9"}
	got := MaterializeMCPServerIDs(nil, false, base, []Install{{ID: "srv1", Enabled: true}})

	if len(got) != 1 || got[0] != "srv9" {
		t.Fatalf("expected base carried forward, got %v", got)
	}
}

func TestMaterializeMCPServerIDsDefaultsToEnabledInstalls(t *testing.T) {
	installs := []Install{{ID: "srv1", Enabled: true}, {ID: "srv2", Enabled: false}}
	got := MaterializeMCPServerIDs(nil, false, nil, installs)

	if len(got) != 1 || got[0] != "srv1" {
		t.Fatalf("expected only enabled installs, got %v", got)
	}
}

func TestApplyProjectRepoDefaultsFillsWhenUnset(t *testing.T) {
	cfg := v1.TaskConfig{}
	project := &Project{RepoURL: "https://example.com/repo.git", GitBranch: "main", GitTokenEnvKey: "GH_TOKEN"}

	got := ApplyProjectRepoDefaults(cfg, project, false)

	if got.RepoURL == nil || *got.RepoURL != project.RepoURL {
		t.Fatalf("expected repo_url filled, got %v", got.RepoURL)
	}
	if got.GitBranch == nil || *got.GitBranch != "main" {
		t.Fatalf("expected git_branch filled, got %v", got.GitBranch)
	}
}

func TestApplyProjectRepoDefaultsNeverOverridesExplicitField(t *testing.T) {
	cfg := v1.TaskConfig{RepoURL: strp("https://example.com/other.git")}
	project := &Project{RepoURL: "https://example.com/repo.git", GitBranch: "main"}

	got := ApplyProjectRepoDefaults(cfg, project, true)

	if *got.RepoURL != "https://example.com/other.git" {
		t.Fatalf("expected explicit repo_url preserved, got %v", *got.RepoURL)
	}
	// the caller's repo_url differs from the project's, so companion fields are not backfilled.
	if got.GitBranch != nil {
		t.Fatalf("expected no git_branch backfill for mismatched repo, got %v", got.GitBranch)
	}
}
