package catalog

import (
	"context"
	"testing"

	"github.com/loomrun/loomrun/internal/store"
)

func TestResolveMCPConfigMergesPreservingCallerOrderOnDuplicates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, store.KindMCPServer, CreateInput{
		Scope: "system", Name: "alpha",
		Payload: map[string]any{"mcpServers": map[string]any{"shared": "from-alpha", "onlyA": 1}},
	})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := svc.Create(ctx, store.KindMCPServer, CreateInput{
		Scope: "system", Name: "beta",
		Payload: map[string]any{"mcpServers": map[string]any{"shared": "from-beta", "onlyB": 2}},
	})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	resolver := NewResolver(svc)
	merged, err := resolver.ResolveMCPConfig(ctx, "user-1", []string{a.ID, b.ID, "unknown-id"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if merged["shared"] != "from-alpha" {
		t.Fatalf("expected first-listed server to win on duplicate key, got %v", merged["shared"])
	}
	if merged["onlyA"] != 1 || merged["onlyB"] != 2 {
		t.Fatalf("expected both unique keys present, got %v", merged)
	}
}

func TestResolveEnvVarMapOmitsUnsetAndEmptyValues(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, store.KindEnvVar, CreateInput{
		Scope: "user", CallerUserID: "user-1", Name: "API_KEY",
		Payload: map[string]any{"is_set": true, "value": "secret"},
	}); err != nil {
		t.Fatalf("create set var: %v", err)
	}
	if _, err := svc.Create(ctx, store.KindEnvVar, CreateInput{
		Scope: "user", CallerUserID: "user-1", Name: "UNSET_VAR",
		Payload: map[string]any{"is_set": false, "value": ""},
	}); err != nil {
		t.Fatalf("create unset var: %v", err)
	}

	resolver := NewResolver(svc)
	out, err := resolver.ResolveEnvVarMap(ctx, "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out["API_KEY"] != "secret" {
		t.Fatalf("expected API_KEY resolved, got %v", out)
	}
	if _, ok := out["UNSET_VAR"]; ok {
		t.Fatalf("expected unset var omitted, got %v", out)
	}
}

func TestResolveSubAgentsSplitsStructuredAndRaw(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	structured, err := svc.Create(ctx, store.KindSubAgent, CreateInput{
		Scope: "user", CallerUserID: "user-1", Name: "reviewer",
		Payload: map[string]any{"description": "reviews code", "prompt": "be thorough", "tools": []any{"Read", "Grep"}},
	})
	if err != nil {
		t.Fatalf("create structured: %v", err)
	}
	raw, err := svc.Create(ctx, store.KindSubAgent, CreateInput{
		Scope: "user", CallerUserID: "user-1", Name: "scribe",
		Payload: map[string]any{"raw_markdown": "---\nname: scribe\n---\nwrite notes"},
	})
	if err != nil {
		t.Fatalf("create raw: %v", err)
	}

	resolver := NewResolver(svc)
	res, err := resolver.ResolveSubAgents(ctx, "user-1", []string{structured.ID, raw.ID})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got, ok := res.StructuredAgents["reviewer"]; !ok || got.Description != "reviews code" || len(got.Tools) != 2 {
		t.Fatalf("unexpected structured agent: %+v", res.StructuredAgents)
	}
	if _, ok := res.RawAgents["scribe"]; !ok {
		t.Fatalf("expected raw agent present, got %v", res.RawAgents)
	}
}

func TestResolveSubAgentsDefaultsToEnabledInstalls(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	agent, err := svc.Create(ctx, store.KindSubAgent, CreateInput{
		Scope: "system", Name: "planner",
		Payload: map[string]any{"description": "plans work", "prompt": "plan it"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.SetInstall(ctx, store.KindSubAgent, "user-1", agent.ID, true); err != nil {
		t.Fatalf("install: %v", err)
	}

	resolver := NewResolver(svc)
	res, err := resolver.ResolveSubAgents(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := res.StructuredAgents["planner"]; !ok {
		t.Fatalf("expected default-installed agent resolved, got %+v", res)
	}
}

func TestClaudeMDRoundTrips(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	resolver := NewResolver(svc)

	empty, err := resolver.ResolveClaudeMD(ctx, "user-1")
	if err != nil {
		t.Fatalf("resolve empty: %v", err)
	}
	if empty.Enabled || empty.Content != "" {
		t.Fatalf("expected empty default, got %+v", empty)
	}

	if err := resolver.SetClaudeMD(ctx, "user-1", true, "always run tests"); err != nil {
		t.Fatalf("set: %v", err)
	}
	doc, err := resolver.ResolveClaudeMD(ctx, "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !doc.Enabled || doc.Content != "always run tests" {
		t.Fatalf("unexpected doc after set: %+v", doc)
	}

	if err := resolver.SetClaudeMD(ctx, "user-1", false, "updated"); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, err = resolver.ResolveClaudeMD(ctx, "user-1")
	if err != nil {
		t.Fatalf("resolve after update: %v", err)
	}
	if doc.Enabled || doc.Content != "updated" {
		t.Fatalf("expected update to replace record, got %+v", doc)
	}
}
