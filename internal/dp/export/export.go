// Package export implements the post-run workspace export job (spec
// §4.3.3): walk the staged workspace, upload every file plus a manifest
// and a tar.gz archive to the object store, then report completion via a
// second callback.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/constants"
	"github.com/loomrun/loomrun/internal/dp/cpclient"
	"github.com/loomrun/loomrun/internal/dp/stager"
	"github.com/loomrun/loomrun/internal/objectstore"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// ManifestEntry describes one archived file.
type ManifestEntry struct {
	Path    string `json:"path"`
	SizeB   int64  `json:"size_bytes"`
	ModTime string `json:"mod_time"`
}

// Manifest is the JSON index uploaded alongside the tar.gz archive.
type Manifest struct {
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id"`
	Files     []ManifestEntry `json:"files"`
}

// Job runs one workspace export.
type Job struct {
	store *objectstore.Store
	cp    *cpclient.Client
}

// New builds a Job.
func New(store *objectstore.Store, cp *cpclient.Client) *Job {
	return &Job{store: store, cp: cp}
}

// Run walks workspaceDir, uploads every non-ignored file under its
// object-store key, uploads manifest.json and archive.tar.gz, then
// forwards a completion callback to the control plane. Errors are
// reported via a failed WorkspaceExportStatus callback rather than
// returned, since this runs as a detached post-run job (spec §4.3.3).
func (j *Job) Run(ctx context.Context, userID, sessionID, runID, workspaceDir string) {
	ctx, cancel := context.WithTimeout(ctx, constants.WorkspaceExportTimeout)
	defer cancel()

	manifest, err := j.uploadFiles(ctx, userID, sessionID, runID, workspaceDir)
	if err != nil {
		j.reportFailure(ctx, sessionID, err)
		return
	}
	if err := j.uploadManifest(ctx, userID, sessionID, manifest); err != nil {
		j.reportFailure(ctx, sessionID, err)
		return
	}
	if err := j.uploadArchive(ctx, userID, sessionID, workspaceDir, manifest); err != nil {
		j.reportFailure(ctx, sessionID, err)
		return
	}

	status := v1.ExportReady
	prefix := objectstore.WorkspaceFileKey(userID, sessionID, "")
	manifestKey := objectstore.WorkspaceManifestKey(userID, sessionID)
	archiveKey := objectstore.WorkspaceArchiveKey(userID, sessionID)
	_ = j.cp.ForwardCallback(ctx, v1.Callback{
		SessionID:             sessionID,
		Time:                  time.Now().UTC().Format(time.RFC3339),
		Status:                v1.CallbackCompleted,
		Progress:              100,
		WorkspaceFilesPrefix:  &prefix,
		WorkspaceManifestKey:  &manifestKey,
		WorkspaceArchiveKey:   &archiveKey,
		WorkspaceExportStatus: &status,
	})
}

func (j *Job) uploadFiles(ctx context.Context, userID, sessionID, runID, workspaceDir string) (*Manifest, error) {
	manifest := &Manifest{SessionID: sessionID, RunID: runID}

	err := filepath.Walk(workspaceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(workspaceDir, path)
		if relErr != nil {
			return relErr
		}
		if info.IsDir() {
			if stager.ShouldIgnore(info.Name(), false) && rel != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if stager.ShouldIgnore(info.Name(), false) {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		key := objectstore.WorkspaceFileKey(userID, sessionID, rel)
		mime := objectstore.GuessMimeType(path)
		if err := j.store.Put(ctx, key, f, mime); err != nil {
			return err
		}

		manifest.Files = append(manifest.Files, ManifestEntry{
			Path:    rel,
			SizeB:   info.Size(),
			ModTime: info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return nil, apperr.StorageError("walk and upload workspace files", err)
	}
	return manifest, nil
}

func (j *Job) uploadManifest(ctx context.Context, userID, sessionID string, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	key := objectstore.WorkspaceManifestKey(userID, sessionID)
	return j.store.Put(ctx, key, bytes.NewReader(data), "application/json")
}

func (j *Job) uploadArchive(ctx context.Context, userID, sessionID, workspaceDir string, manifest *Manifest) error {
	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		tw := tar.NewWriter(gz)
		var err error
		for _, entry := range manifest.Files {
			if werr := writeTarEntry(tw, workspaceDir, entry); werr != nil {
				err = werr
				break
			}
		}
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	key := objectstore.WorkspaceArchiveKey(userID, sessionID)
	if err := j.store.Put(ctx, key, pr, "application/gzip"); err != nil {
		return apperr.StorageError("upload workspace archive", err)
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, workspaceDir string, entry ManifestEntry) error {
	path := filepath.Join(workspaceDir, entry.Path)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = entry.Path
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func (j *Job) reportFailure(ctx context.Context, sessionID string, cause error) {
	status := v1.ExportFailed
	_ = j.cp.ForwardCallback(ctx, v1.Callback{
		SessionID:             sessionID,
		Time:                  time.Now().UTC().Format(time.RFC3339),
		Status:                v1.CallbackFailed,
		WorkspaceExportStatus: &status,
	})
	_ = cause
}
