package http

import (
	"github.com/gin-gonic/gin"
	"github.com/linearhealth/linearhealth/internal/config"
	"github.com/rs/zerolog"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc syncService, db store) *gin.Engine {
	if cfg.AppEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Next()
		log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
	})

	h := NewHandlers(cfg, log, svc, db)

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	api.POST("/sync", h.StartSync)
	api.GET("/sync/status", h.SyncStatus)
	api.GET("/sync/last-run", h.LastRun)
	api.POST("/sync/projects/:id", h.StartProjectSync)
	api.GET("/metrics", h.Metrics)
	api.GET("/metrics/trend", h.MetricsTrend)
	api.GET("/engineers", h.Engineers)
	api.GET("/engineers/:id/history", h.EngineerHistory)

	return r
}
