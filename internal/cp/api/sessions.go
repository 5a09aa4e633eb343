package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/httpmw"
	"github.com/loomrun/loomrun/internal/common/httpresp"
	"github.com/loomrun/loomrun/internal/objectstore"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

func callerUserID(c *gin.Context) string {
	v, _ := c.Get(httpmw.ContextUserIDKey)
	if s, ok := v.(string); ok {
		return s
	}
	return "default"
}

func (h *handlers) createSession(c *gin.Context) {
	var body struct {
		ProjectID *string `json:"project_id,omitempty"`
	}
	_ = c.ShouldBindJSON(&body)

	userID := callerUserID(c)
	now := time.Now()
	sess := &v1.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProjectID: body.ProjectID,
		Status:    v1.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := h.d.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		return h.d.Store.Sessions().Create(ctx, tx, sess)
	})
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusCreated, sess)
}

func (h *handlers) listSessions(c *gin.Context) {
	userID := callerUserID(c)
	limit, offset := pagination(c)
	projectFilter := c.Query("project_id")

	var sessions []*v1.Session
	err := h.d.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		s, err := h.d.Store.Sessions().List(ctx, tx, userID, limit, offset)
		if err != nil {
			return err
		}
		sessions = s
		return nil
	})
	if err != nil {
		httpresp.Error(c, err)
		return
	}

	if projectFilter != "" {
		filtered := make([]*v1.Session, 0, len(sessions))
		for _, s := range sessions {
			if s.ProjectID != nil && *s.ProjectID == projectFilter {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	httpresp.OK(c, http.StatusOK, gin.H{"sessions": sessions})
}

func pagination(c *gin.Context) (int, int) {
	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (h *handlers) fetchSession(c *gin.Context, id string) (*v1.Session, error) {
	var sess *v1.Session
	err := h.d.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		s, err := h.d.Store.Sessions().Get(ctx, tx, id)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	return sess, err
}

func (h *handlers) getSession(c *gin.Context) {
	sess, err := h.fetchSession(c, c.Param("id"))
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, sess)
}

// patchSession supports the narrow set of externally-mutable session
// fields: project assignment. Status transitions go through /cancel or
// the run lifecycle, never a direct PATCH.
func (h *handlers) patchSession(c *gin.Context) {
	var body struct {
		ProjectID *string `json:"project_id,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}

	id := c.Param("id")
	var sess *v1.Session
	err := h.d.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		s, err := h.d.Store.Sessions().Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if body.ProjectID != nil {
			s.ProjectID = body.ProjectID
		}
		s.UpdatedAt = time.Now()
		if err := h.d.Store.Sessions().Update(ctx, tx, s); err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, sess)
}

// deleteSession cancels the session rather than physically removing its
// row: transcript/usage history must survive for the workspace export and
// audit surfaces.
func (h *handlers) deleteSession(c *gin.Context) {
	id := c.Param("id")
	_, err := h.d.Cancel.Cancel(c.Request.Context(), id, callerUserID(c), nil)
	if err != nil && !apperr.IsConflict(err) {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusNoContent, nil)
}

func (h *handlers) getSessionState(c *gin.Context) {
	sess, err := h.fetchSession(c, c.Param("id"))
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{
		"status":                  sess.Status,
		"state_patch":             sess.StatePatch,
		"workspace_export_status": sess.WorkspaceExportStatus,
	})
}

func (h *handlers) cancelSession(c *gin.Context) {
	id := c.Param("id")
	var body v1.SessionCancelRequest
	_ = c.ShouldBindJSON(&body)

	resp, err := h.d.Cancel.Cancel(c.Request.Context(), id, callerUserID(c), body.Reason)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, resp)
}

func (h *handlers) listMessages(c *gin.Context) {
	id := c.Param("id")
	limit, offset := pagination(c)
	var msgs []*v1.AgentMessage
	err := h.d.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		m, err := h.d.Store.Messages().List(ctx, tx, id, limit, offset)
		if err != nil {
			return err
		}
		msgs = m
		return nil
	})
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{"messages": msgs})
}

func (h *handlers) listToolExecutions(c *gin.Context) {
	id := c.Param("id")
	var open []*v1.ToolExecution
	err := h.d.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		o, err := h.d.Store.ToolExecutions().ListOpen(ctx, tx, id)
		if err != nil {
			return err
		}
		open = o
		return nil
	})
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{"tool_executions": open})
}

func (h *handlers) listUsage(c *gin.Context) {
	httpresp.OK(c, http.StatusOK, gin.H{"usage": []v1.UsageLog{}})
}

func (h *handlers) workspaceFiles(c *gin.Context) {
	userID := callerUserID(c)
	id := c.Param("id")
	httpresp.OK(c, http.StatusOK, gin.H{"manifest_key": objectstore.WorkspaceManifestKey(userID, id)})
}

func (h *handlers) workspaceArchive(c *gin.Context) {
	userID := callerUserID(c)
	id := c.Param("id")
	httpresp.OK(c, http.StatusOK, gin.H{"archive_key": objectstore.WorkspaceArchiveKey(userID, id)})
}
