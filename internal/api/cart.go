package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"offpos/internal/cart"
	"offpos/internal/model"
	"offpos/internal/state"
)

type cartView struct {
	Seq           int64           `json:"seq"`
	Lines         []cart.Line     `json:"lines"`
	Total         decimal.Decimal `json:"total"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
}

func (h *handler) view(s cart.State) cartView {
	lines := s.Lines
	if lines == nil {
		lines = []cart.Line{}
	}
	return cartView{
		Seq:           h.Cart.Seq(),
		Lines:         lines,
		Total:         s.Total(),
		TotalQuantity: s.TotalQuantity(),
		TotalProfit:   s.TotalProfit(),
	}
}

// respondCart writes the cart after an intent. A persistence failure still
// returns the new in-memory cart along with the error.
func (h *handler) respondCart(c *gin.Context, s cart.State, err error) {
	if err == nil {
		c.JSON(http.StatusOK, h.view(s))
		return
	}
	var se *state.StorageError
	switch {
	case errors.As(err, &se):
		h.Logger.Error("cart: persist failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "cart": h.view(s)})
	case errors.Is(err, cart.ErrNegativeValue),
		errors.Is(err, cart.ErrMissingProduct),
		errors.Is(err, cart.ErrNonPositiveQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *handler) getCart(c *gin.Context) {
	c.JSON(http.StatusOK, h.view(h.Cart.State()))
}

func (h *handler) clearCart(c *gin.Context) {
	s, err := h.Cart.Clear()
	h.respondCart(c, s, err)
}

type addLineRequest struct {
	ProductID string           `json:"product_id" binding:"required"`
	Batch     string           `json:"batch"`
	Quantity  *decimal.Decimal `json:"quantity"`
}

// addLine looks the product up in the mirror, so prices come from the last
// synced catalog even while offline.
func (h *handler) addLine(c *gin.Context) {
	var req addLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, ok, err := h.lookup(c, req.ProductID, req.Batch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
		return
	}
	qty := decimal.NewFromInt(1)
	if req.Quantity != nil {
		qty = *req.Quantity
	}
	s, err := h.Cart.AddLine(p, qty)
	h.respondCart(c, s, err)
}

type updateLineRequest struct {
	Quantity     *decimal.Decimal `json:"quantity"`
	FreeQuantity *decimal.Decimal `json:"free_quantity"`
	FlatDiscount *decimal.Decimal `json:"flat_discount"`
	UnitPrice    *decimal.Decimal `json:"unit_price"`
}

func (h *handler) updateLine(c *gin.Context) {
	var req updateLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, batch := c.Param("id"), c.Query("batch")
	u := cart.LineUpdate{
		Quantity:     req.Quantity,
		FreeQuantity: req.FreeQuantity,
		FlatDiscount: req.FlatDiscount,
		UnitPrice:    req.UnitPrice,
	}
	if _, exists := h.Cart.State().Find(id, batch); !exists {
		p, ok, err := h.lookup(c, id, batch)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if ok {
			u.Product = &p
		}
	}
	s, err := h.Cart.UpdateLine(id, batch, u)
	h.respondCart(c, s, err)
}

func (h *handler) removeLine(c *gin.Context) {
	s, err := h.Cart.RemoveLine(c.Param("id"), c.Query("batch"))
	h.respondCart(c, s, err)
}

func (h *handler) lookup(c *gin.Context, id, batch string) (model.CachedProduct, bool, error) {
	if h.Mirror == nil {
		return model.CachedProduct{}, false, nil
	}
	if batch == "" {
		return h.Mirror.ByID(c.Request.Context(), id)
	}
	return h.Mirror.ByIDAndBatch(c.Request.Context(), id, batch)
}
