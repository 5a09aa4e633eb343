// Package api wires the dispatcher's container-pool cancel hook and
// executor callback relay onto the small HTTP surface spec §6 gives the
// dispatcher process: POST /executor/cancel (best-effort local cancel
// notification from the control plane) and POST /callback (the executor's
// progress/completion events, relayed to the control plane and, on a
// terminal status, fanned out to internal/dp/export).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/httpmw"
	"github.com/loomrun/loomrun/internal/common/httpresp"
	"github.com/loomrun/loomrun/internal/common/logger"
	"github.com/loomrun/loomrun/internal/common/metrics"
	"github.com/loomrun/loomrun/internal/dp/container"
	"github.com/loomrun/loomrun/internal/dp/cpclient"
	"github.com/loomrun/loomrun/internal/dp/export"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

// Deps are the services the dispatcher's router dispatches to.
type Deps struct {
	Pool          *container.Pool
	CP            *cpclient.Client
	Export        *export.Job
	Metrics       *metrics.Registry
	Logger        *logger.Logger
	InternalToken string

	// WorkspaceLookup resolves a session's owning user and staged
	// workspace root, used to kick off an export job once a callback
	// reports a terminal status.
	WorkspaceLookup func(sessionID string) (userID, workspaceDir string)
}

type handlers struct {
	d Deps
}

// NewRouter builds the dispatcher's gin.Engine.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(httpmw.Recovery(d.Logger))
	r.Use(httpmw.RequestLogger(d.Logger, "dispatcher"))
	r.Use(httpmw.OtelTracing("dispatcher"))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware())
		r.GET("/metrics", d.Metrics.Handler())
	}

	h := &handlers{d: d}

	r.GET("/health", h.health)

	internal := r.Group("/")
	internal.Use(httpmw.InternalToken(d.InternalToken))
	internal.POST("/executor/cancel", h.executorCancel)

	r.POST("/callback", h.relayCallback)

	return r
}

func (h *handlers) health(c *gin.Context) {
	httpresp.OK(c, http.StatusOK, gin.H{"status": "ok"})
}

// executorCancel is the control plane's best-effort notification that a
// session was cancelled (spec §4.3.4 step: CP -> DP -> executor). It stops
// the session's container within constants.LocalCancelTimeout and always
// returns success to the control plane; a reclaim via lease expiry covers
// anything this misses.
func (h *handlers) executorCancel(c *gin.Context) {
	var req v1.ExecutorCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if h.d.Pool != nil {
		h.d.Pool.Release(ctx, req.SessionID, true)
	}

	httpresp.OK(c, http.StatusOK, gin.H{"acknowledged": true})
}

// relayCallback forwards one executor callback to the control plane and,
// on a terminal status, starts the workspace export job in the
// background (spec §4.3.2-§4.3.3).
func (h *handlers) relayCallback(c *gin.Context) {
	var cb v1.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}

	if err := h.d.CP.ForwardCallback(c.Request.Context(), cb); err != nil {
		httpresp.Error(c, err)
		return
	}

	if isTerminal(cb.Status) && h.d.Export != nil && h.d.WorkspaceLookup != nil {
		userID, workspaceDir := h.d.WorkspaceLookup(cb.SessionID)
		go func(userID, sessionID, workspaceDir string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			h.d.Export.Run(ctx, userID, sessionID, sessionID, workspaceDir)
		}(userID, cb.SessionID, workspaceDir)
		h.d.Logger.Info("workspace export started", zap.String("session_id", cb.SessionID))
	}

	httpresp.OK(c, http.StatusOK, gin.H{"relayed": true})
}

func isTerminal(status v1.CallbackStatus) bool {
	return status == v1.CallbackCompleted || status == v1.CallbackFailed
}
