package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"offpos/internal/catalog"
	"offpos/internal/manifest"
	"offpos/internal/mirror"
	"offpos/internal/model"
	"offpos/internal/offline"
)

// refresh pulls the catalog now. An empty body uses the default filter.
func (h *handler) refresh(c *gin.Context) {
	if h.Catalog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "catalog sync disabled"})
		return
	}
	var f model.Filter
	if err := c.ShouldBindJSON(&f); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	products, err := h.Catalog.Refresh(c.Request.Context(), f)
	if err != nil {
		var se *catalog.SyncError
		switch {
		case errors.As(err, &se):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "upstream_status": se.Status})
		case errors.Is(err, mirror.ErrDuplicateProduct), errors.Is(err, mirror.ErrMissingID):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(products)})
}

type syncStatus struct {
	Synced       bool       `json:"synced"`
	SyncID       string     `json:"sync_id,omitempty"`
	ProductCount int        `json:"product_count"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
	NeedsRefresh bool       `json:"needs_refresh"`
}

func (h *handler) syncStatus(c *gin.Context) {
	if h.Catalog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "catalog sync disabled"})
		return
	}
	var out syncStatus
	m, err := h.Catalog.LastSync()
	switch {
	case err == nil:
		at := m.SyncedAt()
		out.Synced, out.SyncID, out.ProductCount, out.SyncedAt = true, m.SyncID, m.ProductCount, &at
	case !errors.Is(err, manifest.ErrNoManifest):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out.NeedsRefresh = h.Catalog.NeedsRefresh(time.Now())
	c.JSON(http.StatusOK, out)
}

// workerMessage forwards a page's message to the offline request cache.
func (h *handler) workerMessage(c *gin.Context) {
	if h.Offline == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "offline cache disabled"})
		return
	}
	var msg offline.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Offline.PostMessage(c.Request.Context(), msg); err != nil {
		if errors.Is(err, offline.ErrUnknownMessage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"ok": true}
	if w := h.Offline.Active(); w != nil {
		resp["active"] = w.Version().String()
	}
	c.JSON(http.StatusOK, resp)
}
