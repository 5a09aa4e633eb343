package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/httpresp"
	"github.com/loomrun/loomrun/internal/cp/queue"
	v1 "github.com/loomrun/loomrun/pkg/api/v1"
)

func (h *handlers) enqueueTask(c *gin.Context) {
	var req v1.TaskEnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}

	in := queue.EnqueueInput{
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		Prompt:       req.Prompt,
		ScheduleMode: v1.ScheduleMode(req.ScheduleMode),
		Timezone:     req.Timezone,
		ProjectID:    req.ProjectID,
	}
	if req.Config != nil {
		in.Config = *req.Config
	}
	if req.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			httpresp.Error(c, apperr.BadRequest("invalid scheduled_at: must be RFC3339"))
			return
		}
		in.ScheduledAt = &t
	}
	if req.PermissionMode != nil {
		pm := v1.PermissionMode(*req.PermissionMode)
		in.PermissionMode = &pm
	}

	run, err := h.d.Queue.Enqueue(c.Request.Context(), in)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusCreated, run)
}

func (h *handlers) claimRun(c *gin.Context) {
	var req v1.RunClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}
	if req.WorkerID == "" {
		httpresp.Error(c, apperr.BadRequest("worker_id is required"))
		return
	}
	leaseSeconds := req.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}

	modes := make([]v1.ScheduleMode, 0, len(req.ScheduleModes))
	for _, m := range req.ScheduleModes {
		modes = append(modes, v1.ScheduleMode(m))
	}

	resp, err := h.d.Queue.Claim(c.Request.Context(), queue.ClaimRequest{
		WorkerID:              req.WorkerID,
		LeaseSeconds:          leaseSeconds,
		ScheduleModes:         modes,
		NightlyWindowStartUTC: h.d.QueueConfig.NightlyWindowStartUTC,
		NightlyWindowMinutes:  h.d.QueueConfig.NightlyWindowMinutes,
	})
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	if resp == nil {
		httpresp.OK(c, http.StatusNoContent, nil)
		return
	}
	httpresp.OK(c, http.StatusOK, resp)
}

func (h *handlers) startRun(c *gin.Context) {
	var req v1.RunStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}
	run, err := h.d.Queue.Start(c.Request.Context(), c.Param("id"), req.WorkerID)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, run)
}

func (h *handlers) failRun(c *gin.Context) {
	var req v1.RunFailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid request body"))
		return
	}
	run, err := h.d.Queue.Fail(c.Request.Context(), c.Param("id"), req.WorkerID, req.ErrorMessage)
	if err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, run)
}

func (h *handlers) ingestCallback(c *gin.Context) {
	var cb v1.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		httpresp.Error(c, apperr.BadRequest("invalid callback body"))
		return
	}
	if err := h.d.Callback.Process(c.Request.Context(), cb); err != nil {
		httpresp.Error(c, err)
		return
	}
	httpresp.OK(c, http.StatusOK, gin.H{"accepted": true})
}
