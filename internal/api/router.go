// Package api exposes the cart, the product mirror and the sync service as a
// local JSON API. Requests that match no route go to the offline request
// cache.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"offpos/internal/cart"
	"offpos/internal/catalog"
	"offpos/internal/metrics"
	"offpos/internal/mirror"
	"offpos/internal/offline"
)

// Deps are the components served by the API. Catalog and Offline may be nil.
type Deps struct {
	Cart    *cart.Engine
	Mirror  mirror.Mirror
	Catalog *catalog.Service
	Offline *offline.Container
	Metrics *metrics.Registry
	Logger  *zap.Logger
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine. corsOrigins lists the UI origins allowed
// to call the API from the browser.
func NewRouter(d Deps, corsOrigins []string) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))
	if d.Metrics != nil {
		r.Use(prometheusMiddleware(d.Metrics))
	}
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     corsOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Inertia"},
			ExposeHeaders:    []string{"Content-Length", offline.SourceHeader},
			AllowCredentials: true,
		}))
	}

	r.GET("/healthz", h.health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	pos := r.Group("/pos")
	{
		pos.GET("/cart", h.getCart)
		pos.DELETE("/cart", h.clearCart)
		pos.POST("/cart/lines", h.addLine)
		pos.PUT("/cart/lines/:id", h.updateLine)
		pos.DELETE("/cart/lines/:id", h.removeLine)

		pos.GET("/products", h.listProducts)
		pos.GET("/products/:id", h.getProduct)

		pos.POST("/sync/refresh", h.refresh)
		pos.GET("/sync/status", h.syncStatus)

		pos.POST("/worker/message", h.workerMessage)
	}

	r.NoRoute(h.noRoute)
	return r
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// noRoute hands unknown paths to the offline request cache, which
// forwards them to the origin.
func (h *handler) noRoute(c *gin.Context) {
	if h.Offline == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.Offline.ServeHTTP(c.Writer, c.Request)
}
