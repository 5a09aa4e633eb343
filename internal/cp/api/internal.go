package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/httpresp"
	"github.com/loomrun/loomrun/internal/cp/scheduledtask"
	"github.com/loomrun/loomrun/internal/cp/slashcommand"
	"github.com/loomrun/loomrun/internal/store"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

func (h *handlers) resolveEnvVarMap(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = callerUserID(c)
	}
	out, err := h.d.Resolver.ResolveEnvVarMap(c.Request.Context(), userID)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, out)
}

func (h *handlers) listSystemEnvVars(c *gin.Context) {
	recs, err := h.d.Catalog.List(c.Request.Context(), store.KindEnvVar, "")
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	systemOnly := make([]any, 0, len(recs))
	for _, r := range recs {
		if r.Scope == "system" {
			systemOnly = append(systemOnly, r)
		}
	}
	httpresp.OK(c, http.StatusOK, gin.H{"items": systemOnly})
}

func (h *handlers) resolveMCPConfig(c *gin.Context) {
	var req struct {
		UserID    string   `json:"user_id"`
		ServerIDs []string `json:"server_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}
	out, err := h.d.Resolver.ResolveMCPConfig(c.Request.Context(), req.UserID, req.ServerIDs)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{"mcp_servers": out})
}

func (h *handlers) resolveSkillConfig(c *gin.Context) {
	var req struct {
		UserID   string   `json:"user_id"`
		SkillIDs []string `json:"skill_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}
	out, err := h.d.Resolver.ResolveSkillConfig(c.Request.Context(), req.UserID, req.SkillIDs)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{"skills": out})
}

func (h *handlers) resolveSubAgents(c *gin.Context) {
	var req struct {
		UserID      string   `json:"user_id"`
		SubAgentIDs []string `json:"subagent_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}
	out, err := h.d.Resolver.ResolveSubAgents(c.Request.Context(), req.UserID, req.SubAgentIDs)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, out)
}

func (h *handlers) getClaudeMD(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = callerUserID(c)
	}
	doc, err := h.d.Resolver.ResolveClaudeMD(c.Request.Context(), userID)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, doc)
}

func (h *handlers) setClaudeMD(c *gin.Context) {
	var req struct {
		UserID  string `json:"user_id"`
		Enabled bool   `json:"enabled"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}
	if err := h.d.Resolver.SetClaudeMD(c.Request.Context(), req.UserID, req.Enabled, req.Content); err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{"ok": true})
}

// resolveSlashCommands implements POST /internal/slash-commands/resolve:
// renders every enabled slash command for user_id (optionally filtered to
// names) to Markdown ready for staging under .claude_data/commands/.
func (h *handlers) resolveSlashCommands(c *gin.Context) {
	var req struct {
		UserID string   `json:"user_id"`
		Names  []string `json:"names,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}

	resolver := slashcommand.Resolver{
		ListEnabled: func(userID string) ([]slashcommand.Command, error) {
			recs, err := h.d.Catalog.List(c.Request.Context(), store.KindSlashCommand, userID)
			if err != nil {
				return nil, err
			}
			commands := make([]slashcommand.Command, 0, len(recs))
			for _, r := range recs {
				if enabled, _ := r.Payload["enabled"].(bool); !enabled {
					continue
				}
				commands = append(commands, commandFromPayload(r.Name, r.Payload))
			}
			return commands, nil
		},
	}

	rendered, err := resolver.Resolve(req.UserID, req.Names)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{"commands": rendered})
}

func commandFromPayload(name string, payload map[string]any) slashcommand.Command {
	str := func(key string) string {
		s, _ := payload[key].(string)
		return s
	}
	enabled, _ := payload["enabled"].(bool)
	return slashcommand.Command{
		Name:         name,
		Mode:         slashcommand.Mode(str("mode")),
		RawMarkdown:  str("raw_markdown"),
		AllowedTools: str("allowed_tools"),
		Description:  str("description"),
		ArgumentHint: str("argument_hint"),
		Content:      str("content"),
		Enabled:      enabled,
	}
}

func (h *handlers) dispatchDue(c *gin.Context) {
	var req struct {
		Limit int `json:"limit"`
	}
	_ = c.ShouldBindJSON(&req)
	n, err := h.d.ScheduledTask.DispatchDue(c.Request.Context(), req.Limit)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{"dispatched": n})
}

func (h *handlers) createUserInputRequest(c *gin.Context) {
	var req struct {
		SessionID string         `json:"session_id"`
		ExpiresIn int            `json:"expires_in_seconds"`
		Payload   map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}
	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	now := time.Now()
	uir := &v1.UserInputRequest{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Status:    v1.UserInputPending,
		ExpiresAt: now.Add(time.Duration(expiresIn) * time.Second),
		Payload:   req.Payload,
		CreatedAt: now,
	}
	err := h.d.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		return h.d.Store.UserInputRequests().Create(ctx, tx, uir)
	})
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusCreated, uir)
}

func (h *handlers) getUserInputRequest(c *gin.Context) {
	var uir *v1.UserInputRequest
	err := h.d.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		u, err := h.d.Store.UserInputRequests().Get(ctx, tx, c.Param("id"))
		if err != nil {
			return err
		}
		uir = u
		return nil
	})
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, uir)
}

func (h *handlers) createScheduledTask(c *gin.Context) {
	var req struct {
		UserID    string      `json:"user_id"`
		ProjectID *string     `json:"project_id,omitempty"`
		Name      string      `json:"name"`
		Prompt    string      `json:"prompt"`
		Config    *v1.TaskConfig `json:"config,omitempty"`
		CronExpr  string      `json:"cron_expr"`
		Timezone  string      `json:"timezone"`
		Enabled   bool        `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}
	in := scheduledtask.CreateInput{
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Prompt:    req.Prompt,
		CronExpr:  req.CronExpr,
		Timezone:  req.Timezone,
		Enabled:   req.Enabled,
	}
	if req.Config != nil {
		in.Config = *req.Config
	}
	task, err := h.d.ScheduledTask.Create(c.Request.Context(), in)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusCreated, task)
}

func (h *handlers) listScheduledTasks(c *gin.Context) {
	userID := callerUserID(c)
	var tasks []*v1.ScheduledTask
	err := h.d.Store.WithTx(c.Request.Context(), func(ctx context.Context, tx store.Tx) error {
		t, err := h.d.Store.ScheduledTasks().List(ctx, tx, userID)
		if err != nil {
			return err
		}
		tasks = t
		return nil
	})
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{"tasks": tasks})
}
