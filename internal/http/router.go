package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/config"
	"github.com/vypdev/vaultstadio-sub008/internal/handlers"
	"github.com/vypdev/vaultstadio-sub008/internal/middleware"
)

func NewRouter(cfg config.Config, h *handlers.SyncHandler, log *zap.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-User-ID"},
		ExposeHeaders: []string{"ETag", "X-Item-Version"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})))
	}

	v1 := r.Group("/api/v1/sync")
	v1.Use(middleware.Auth(cfg))
	{
		v1.POST("/devices", h.RegisterDevice)
		v1.GET("/devices", h.ListDevices)
		v1.POST("/devices/:id/deactivate", h.DeactivateDevice)
		v1.POST("/devices/:id/cursor", h.UpdateDeviceCursor)
		v1.DELETE("/devices/:id", h.RemoveDevice)
		v1.POST("/pull", h.Pull)
		v1.POST("/push", h.Push)
		v1.GET("/conflicts", h.ListConflicts)
		v1.GET("/conflicts/:id/content", h.ConflictContent)
		v1.POST("/conflicts/:id/resolve", h.ResolveConflict)
		v1.GET("/delta/signature/:itemId", h.Signature)
		v1.POST("/delta/upload/:itemId", h.UploadDelta)
		v1.GET("/items/:itemId/content", h.Content)
		v1.GET("/ws", h.Websocket)
	}
	return r
}
