package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"offpos/internal/mirror"
	"offpos/internal/model"
)

// listProducts serves the mirror. ?context=pos|catalog narrows the rows to
// one screen.
func (h *handler) listProducts(c *gin.Context) {
	var (
		products []model.CachedProduct
		err      error
	)
	if uc := c.Query("context"); uc != "" {
		products, err = mirror.AllIn(c.Request.Context(), h.Mirror, model.UsageContext(uc))
	} else {
		products, err = h.Mirror.All(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if products == nil {
		products = []model.CachedProduct{}
	}
	c.JSON(http.StatusOK, gin.H{"data": products, "count": len(products)})
}

func (h *handler) getProduct(c *gin.Context) {
	p, ok, err := h.lookup(c, c.Param("id"), c.Query("batch"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}
