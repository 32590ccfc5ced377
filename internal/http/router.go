package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"change-sync/internal/config"
	"change-sync/internal/handlers"
	"change-sync/internal/logging"
	"change-sync/internal/middleware"
)

func NewRouter(cfg config.Config, h *handlers.SyncHandler, log *logging.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Account-ID", "X-User-ID"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/change-sync/v1")
	v1.Use(middleware.Auth(cfg))
	{
		v1.POST("/push", h.Push)
		v1.POST("/pull", h.Pull)
		v1.GET("/status", h.Status)
		v1.GET("/pending", h.Pending)
		v1.POST("/message", h.Message)
		v1.GET("/stream", h.Stream)
	}
	return r
}
