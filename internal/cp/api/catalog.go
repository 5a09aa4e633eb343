package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomrun/loomrun/internal/common/apperr"
	"github.com/loomrun/loomrun/internal/common/httpresp"
	"github.com/loomrun/loomrun/internal/cp/catalog"
	"github.com/loomrun/loomrun/internal/store"
)

// registerCatalogRoutes mounts the CRUD route set shared by every
// shadowing capability catalog (spec §3) under prefix, parameterized by
// kind. Slash commands use this same CRUD surface for storage; their
// render step lives behind the separate POST
// /internal/slash-commands/resolve handler in internal.go.
func registerCatalogRoutes(r *gin.Engine, h *handlers, prefix string, kind store.CapabilityKind) {
	r.POST(prefix, h.createCatalogRecord(kind))
	r.GET(prefix, h.listCatalogRecords(kind))
	r.GET(prefix+"/:id", h.getCatalogRecord(kind))
	r.PATCH(prefix+"/:id", h.updateCatalogRecord(kind))
	r.DELETE(prefix+"/:id", h.deleteCatalogRecord(kind))
}

type catalogRequest struct {
	Scope   string         `json:"scope"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

func (h *handlers) createCatalogRecord(kind store.CapabilityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req catalogRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httpresp.Error(c, apperr.BadRequest("invalid request body"))
			return
		}
		scope := req.Scope
		if scope == "" {
			scope = "user"
		}
		rec, err := h.d.Catalog.Create(c.Request.Context(), kind, catalog.CreateInput{
			Scope:        scope,
			CallerUserID: callerUserID(c),
			Name:         req.Name,
			Payload:      req.Payload,
		})
		if err != nil {
			httpresp.Error(c, err)
			return
		}
		httpresp.OK(c, http.StatusCreated, rec)
	}
}

func (h *handlers) listCatalogRecords(kind store.CapabilityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := h.d.Catalog.List(c.Request.Context(), kind, callerUserID(c))
		if err != nil {
			httpresp.Error(c, err)
			return
		}
		httpresp.OK(c, http.StatusOK, gin.H{"items": recs})
	}
}

func (h *handlers) getCatalogRecord(kind store.CapabilityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.d.Catalog.Get(c.Request.Context(), kind, c.Param("id"), callerUserID(c))
		if err != nil {
			httpresp.Error(c, err)
			return
		}
		httpresp.OK(c, http.StatusOK, rec)
	}
}

func (h *handlers) updateCatalogRecord(kind store.CapabilityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req catalogRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httpresp.Error(c, apperr.BadRequest("invalid request body"))
			return
		}
		// Ownership check: Get enforces visibility before Update is allowed
		// to touch the row, matching the rest of the control plane's
		// Get-then-Update CRUD routes.
		if _, err := h.d.Catalog.Get(c.Request.Context(), kind, c.Param("id"), callerUserID(c)); err != nil {
			httpresp.Error(c, err)
			return
		}
		rec, err := h.d.Catalog.Update(c.Request.Context(), kind, c.Param("id"), req.Name, req.Payload)
		if err != nil {
			httpresp.Error(c, err)
			return
		}
		httpresp.OK(c, http.StatusOK, rec)
	}
}

func (h *handlers) deleteCatalogRecord(kind store.CapabilityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := h.d.Catalog.Get(c.Request.Context(), kind, c.Param("id"), callerUserID(c)); err != nil {
			httpresp.Error(c, err)
			return
		}
		if err := h.d.Catalog.Delete(c.Request.Context(), kind, c.Param("id")); err != nil {
			httpresp.Error(c, err)
			return
		}
		httpresp.OK(c, http.StatusNoContent, nil)
	}
}

func (h *handlers) setInstall(kind store.CapabilityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			CapabilityID string `json:"capability_id"`
			Enabled      bool   `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			httpresp.Error(c, apperr.BadRequest("invalid request body"))
			return
		}
		if err := h.d.Catalog.SetInstall(c.Request.Context(), kind, callerUserID(c), req.CapabilityID, req.Enabled); err != nil {
			httpresp.Error(c, err)
			return
		}
		httpresp.OK(c, http.StatusOK, gin.H{"capability_id": req.CapabilityID, "enabled": req.Enabled})
	}
}

func (h *handlers) listInstalls(kind store.CapabilityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		installs, err := h.d.Catalog.ListInstalls(c.Request.Context(), kind, callerUserID(c))
		if err != nil {
			httpresp.Error(c, err)
			return
		}
		httpresp.OK(c, http.StatusOK, gin.H{"installs": installs})
	}
}
