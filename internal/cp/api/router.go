// Package api wires the control plane's pure-Go components (queue,
// callback, cancel, catalog, scheduledtask) onto the public and internal
// HTTP surfaces of spec §6, using gin and the shared httpresp envelope.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/loomrun/loomrun/internal/common/config"
	"github.com/loomrun/loomrun/internal/common/httpmw"
	"github.com/loomrun/loomrun/internal/common/logger"
	"github.com/loomrun/loomrun/internal/common/metrics"
	"github.com/loomrun/loomrun/internal/cp/callback"
	"github.com/loomrun/loomrun/internal/cp/cancel"
	"github.com/loomrun/loomrun/internal/cp/catalog"
	"github.com/loomrun/loomrun/internal/cp/queue"
	"github.com/loomrun/loomrun/internal/cp/scheduledtask"
	"github.com/loomrun/loomrun/internal/store"
)

// Deps are the services a Router dispatches HTTP requests to.
type Deps struct {
	Store         store.Store
	Queue         *queue.Service
	Callback      *callback.Processor
	Cancel        *cancel.Coordinator
	Catalog       *catalog.Service
	Resolver      *catalog.Resolver
	ScheduledTask *scheduledtask.Service
	Metrics       *metrics.Registry
	Logger        *logger.Logger
	InternalToken string
	QueueConfig   config.QueueConfig
}

// NewRouter builds the control plane's gin.Engine: public session/task/run
// routes, the executor callback endpoint, capability catalog CRUD, and the
// X-Internal-Token-guarded resolution/dispatch endpoints.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(httpmw.Recovery(d.Logger))
	r.Use(httpmw.RequestLogger(d.Logger, "controlplane"))
	r.Use(httpmw.OtelTracing("controlplane"))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware())
		r.GET("/metrics", d.Metrics.Handler())
	}
	r.Use(httpmw.UserID())

	h := &handlers{d: d}

	r.GET("/health", h.health)

	r.POST("/sessions", h.createSession)
	r.GET("/sessions", h.listSessions)
	r.GET("/sessions/:id", h.getSession)
	r.PATCH("/sessions/:id", h.patchSession)
	r.DELETE("/sessions/:id", h.deleteSession)
	r.GET("/sessions/:id/state", h.getSessionState)
	r.POST("/sessions/:id/cancel", h.cancelSession)
	r.GET("/sessions/:id/messages", h.listMessages)
	r.GET("/sessions/:id/tool-executions", h.listToolExecutions)
	r.GET("/sessions/:id/usage", h.listUsage)
	r.GET("/sessions/:id/workspace/files", h.workspaceFiles)
	r.GET("/sessions/:id/workspace/archive", h.workspaceArchive)

	r.POST("/tasks", h.enqueueTask)

	r.POST("/runs/claim", h.claimRun)
	r.POST("/runs/:id/start", h.startRun)
	r.POST("/runs/:id/fail", h.failRun)

	r.POST("/callback", h.ingestCallback)

	registerCatalogRoutes(r, h, "/env-vars", store.KindEnvVar)
	registerCatalogRoutes(r, h, "/mcp-servers", store.KindMCPServer)
	registerCatalogRoutes(r, h, "/skills", store.KindSkill)
	registerCatalogRoutes(r, h, "/subagents", store.KindSubAgent)
	registerCatalogRoutes(r, h, "/plugins", store.KindPlugin)
	registerCatalogRoutes(r, h, "/slash-commands", store.KindSlashCommand)
	r.POST("/user-mcp-installs", h.setInstall(store.KindMCPServer))
	r.GET("/user-mcp-installs", h.listInstalls(store.KindMCPServer))
	r.POST("/user-skill-installs", h.setInstall(store.KindSkill))
	r.GET("/user-skill-installs", h.listInstalls(store.KindSkill))

	r.POST("/projects", h.notImplemented)
	r.GET("/projects", h.notImplemented)

	r.POST("/scheduled-tasks", h.createScheduledTask)
	r.GET("/scheduled-tasks", h.listScheduledTasks)

	r.POST("/skill-imports", h.notImplemented)
	r.POST("/plugin-imports", h.notImplemented)

	internalGroup := r.Group("/internal")
	internalGroup.Use(httpmw.InternalToken(d.InternalToken))
	{
		internalGroup.GET("/env-vars/map", h.resolveEnvVarMap)
		internalGroup.GET("/system-env-vars", h.listSystemEnvVars)
		internalGroup.POST("/mcp-config/resolve", h.resolveMCPConfig)
		internalGroup.POST("/skill-config/resolve", h.resolveSkillConfig)
		internalGroup.POST("/subagents/resolve", h.resolveSubAgents)
		internalGroup.POST("/slash-commands/resolve", h.resolveSlashCommands)
		internalGroup.GET("/claude-md", h.getClaudeMD)
		internalGroup.POST("/claude-md", h.setClaudeMD)
		internalGroup.POST("/scheduled-tasks/dispatch-due", h.dispatchDue)
		internalGroup.POST("/user-input-requests", h.createUserInputRequest)
		internalGroup.GET("/user-input-requests/:id", h.getUserInputRequest)
	}

	return r
}

type handlers struct {
	d Deps
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func (h *handlers) notImplemented(c *gin.Context) {
	c.JSON(501, gin.H{"code": 1, "message": "not implemented", "data": nil})
}
