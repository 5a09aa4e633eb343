// Package stager builds a per-run workspace directory on local disk (spec
// §4.2.3): the cloned repo, staged skills and CLAUDE.md under
// .claude_data, read-only input attachments, and a meta.json lifecycle
// marker (read back by ReadMeta). The .claude_data/commands directory is
// created empty; no slash command files are written into it.
package stager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/dp/configresolver"
	"github.com/loomrun/loomrun/internal/objectstore"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// nameComponent matches one validated path component: a staged skill or
// slash command name, or any archive entry name, never "." or "..".
var nameComponent = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// IgnoreSet is the directory/file names the exporter skips when walking
// or archiving a workspace (spec §4.2.3); staging does not consult it.
var IgnoreSet = map[string]bool{
	".git": true, ".hg": true, ".svn": true, ".DS_Store": true,
	"__pycache__": true, "node_modules": true, ".venv": true, "venv": true,
	".next": true, "dist": true, "build": true, "__MACOSX": true,
}

// ShouldIgnore reports whether name should be skipped while walking a
// workspace, optionally also skipping dotfiles.
func ShouldIgnore(name string, skipDotfiles bool) bool {
	if IgnoreSet[name] {
		return true
	}
	if skipDotfiles && len(name) > 0 && name[0] == '.' {
		return true
	}
	return false
}

// ValidName reports whether name is safe to use as a single path
// component: staged skill/command names, and every entry extracted from
// an archive, must pass this check before being joined onto a
// filesystem path.
func ValidName(name string) bool {
	return name != "." && name != ".." && nameComponent.MatchString(name)
}

// Meta is the workspace's lifecycle marker, written once at stage time and
// read back by ReadMeta.
type Meta struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	Status        string    `json:"status"`
	ContainerMode string    `json:"container_mode"`
}

// Layout is the set of absolute paths making up one staged workspace.
type Layout struct {
	Root         string // workspaces/active/<user_id>/<session_id>
	Workspace    string // Root/workspace (the cloned repo)
	ClaudeData   string // Root/workspace/.claude_data
	Skills       string // ClaudeData/skills
	Commands     string // ClaudeData/commands
	Inputs       string // Root/workspace/inputs
	Logs         string // Root/logs
	ClaudeSymlink string // Root/workspace/.claude -> .claude_data
}

// Stager creates and populates Layouts under root.
type Stager struct {
	root   string
	store  *objectstore.Store
	cloner RepoCloner
}

// RepoCloner abstracts the git clone step so tests can substitute a fake.
type RepoCloner interface {
	Clone(ctx context.Context, repoURL, branch, tokenEnvKey, dest string) error
}

// New builds a Stager rooted at workspaceRoot (config Workspace.Root).
func New(workspaceRoot string, store *objectstore.Store, cloner RepoCloner) *Stager {
	return &Stager{root: workspaceRoot, store: store, cloner: cloner}
}

func (s *Stager) layout(userID, sessionID string) Layout {
	root := filepath.Join(s.root, "active", userID, sessionID)
	workspace := filepath.Join(root, "workspace")
	claudeData := filepath.Join(workspace, ".claude_data")
	return Layout{
		Root:          root,
		Workspace:     workspace,
		ClaudeData:    claudeData,
		Skills:        filepath.Join(claudeData, "skills"),
		Commands:      filepath.Join(claudeData, "commands"),
		Inputs:        filepath.Join(workspace, "inputs"),
		Logs:          filepath.Join(root, "logs"),
		ClaudeSymlink: filepath.Join(workspace, ".claude"),
	}
}

// Stage builds the full workspace directory tree for one claimed run and
// returns its Layout. Partial state is left on disk on error; nothing in
// this package removes it.
func (s *Stager) Stage(ctx context.Context, userID string, claim *v1.RunClaimResponse, resolved *configresolver.Resolved, containerMode string) (*Layout, error) {
	layout := s.layout(userID, claim.Run.SessionID)

	for _, dir := range []string{layout.Workspace, layout.ClaudeData, layout.Skills, layout.Commands, layout.Inputs, layout.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.StorageError("create workspace directory", err)
		}
	}

	if err := s.cloneRepo(ctx, claim, layout); err != nil {
		return nil, err
	}

	if err := os.Symlink(layout.ClaudeData, layout.ClaudeSymlink); err != nil && !os.IsExist(err) {
		return nil, apperr.StorageError("symlink .claude to .claude_data", err)
	}

	if err := s.stageSkills(ctx, userID, layout, resolved); err != nil {
		return nil, err
	}
	if err := s.stageClaudeMD(layout, resolved); err != nil {
		return nil, err
	}
	if err := s.stageInputs(ctx, claim, layout); err != nil {
		return nil, err
	}
	if err := s.writeMeta(layout, claim.Run.SessionID, userID, containerMode); err != nil {
		return nil, err
	}

	return &layout, nil
}

func (s *Stager) cloneRepo(ctx context.Context, claim *v1.RunClaimResponse, layout Layout) error {
	if claim.ConfigSnapshot == nil || claim.ConfigSnapshot.RepoURL == nil || s.cloner == nil {
		return nil
	}
	branch := ""
	if claim.ConfigSnapshot.GitBranch != nil {
		branch = *claim.ConfigSnapshot.GitBranch
	}
	tokenEnvKey := ""
	if claim.ConfigSnapshot.GitTokenEnvKey != nil {
		tokenEnvKey = *claim.ConfigSnapshot.GitTokenEnvKey
	}
	if err := s.cloner.Clone(ctx, *claim.ConfigSnapshot.RepoURL, branch, tokenEnvKey, layout.Workspace); err != nil {
		return apperr.StorageError("clone repository", err)
	}
	return nil
}

// stageSkills calls stageOneSkill for each resolved skill whose name is a
// valid path component and whose payload is a JSON object. The payload's
// contents are not read.
func (s *Stager) stageSkills(ctx context.Context, userID string, layout Layout, resolved *configresolver.Resolved) error {
	if resolved == nil {
		return nil
	}
	for name, raw := range resolved.Skills {
		if !ValidName(name) {
			continue
		}
		payload, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := s.stageOneSkill(ctx, userID, name, layout); err != nil {
			return err
		}
		_ = payload
	}
	return nil
}

// stageOneSkill writes one skill's SKILL.md under
// .claude_data/skills/<name>/ from the object-store key
// SkillAssetKey(userID, name, name, "SKILL.md"). No other asset file is
// fetched, and nothing is written when the store is nil or that object
// does not exist.
func (s *Stager) stageOneSkill(ctx context.Context, userID, name string, layout Layout) error {
	dest := filepath.Join(layout.Skills, name, "SKILL.md")

	assetPrefix := name // resolved skill ids double as their asset prefix
	if s.store != nil {
		rc, err := s.store.Get(ctx, objectstore.SkillAssetKey(userID, name, assetPrefix, "SKILL.md"))
		if err == nil {
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return apperr.StorageError("read skill asset", err)
			}
			return s.writeFile(dest, string(data))
		}
		if !apperr.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (s *Stager) stageClaudeMD(layout Layout, resolved *configresolver.Resolved) error {
	if resolved == nil || resolved.ClaudeMD == nil || !resolved.ClaudeMD.Enabled {
		return nil
	}
	path := filepath.Join(layout.ClaudeData, "CLAUDE.md")
	return s.writeFile(path, resolved.ClaudeMD.Content)
}

func (s *Stager) stageInputs(ctx context.Context, claim *v1.RunClaimResponse, layout Layout) error {
	if claim.ConfigSnapshot == nil || s.store == nil {
		return nil
	}
	for _, in := range claim.ConfigSnapshot.InputFiles {
		rc, err := s.store.Get(ctx, in.S3Key)
		if err != nil {
			return apperr.StorageError(fmt.Sprintf("download input %q", in.Name), err)
		}
		dest := filepath.Join(layout.Inputs, filepath.Base(in.Name))
		if err := writeReader(dest, rc); err != nil {
			rc.Close()
			return err
		}
		rc.Close()
	}
	return nil
}

func (s *Stager) writeMeta(layout Layout, sessionID, userID, containerMode string) error {
	meta := Meta{
		SessionID:     sessionID,
		UserID:        userID,
		CreatedAt:     time.Now().UTC(),
		Status:        "active",
		ContainerMode: containerMode,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta.json: %w", err)
	}
	return os.WriteFile(filepath.Join(layout.Root, "meta.json"), data, 0o644)
}

func (s *Stager) writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.StorageError("create staging directory", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return apperr.StorageError("write staged file", err)
	}
	return nil
}

func writeReader(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperr.StorageError("create input directory", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return apperr.StorageError("create input file", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return apperr.StorageError("write input file", err)
	}
	return nil
}

// ReadMeta reads a staged workspace's meta.json.
func ReadMeta(root string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(root, "meta.json"))
	if err != nil {
		return nil, apperr.WorkspaceNotFound(root)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode meta.json: %w", err)
	}
	return &m, nil
}
