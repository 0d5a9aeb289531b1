// Package api serves the control API used by the CLI and UI: vault
// lifecycle, key management, grants, approvals and the bunker session.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Bidon15/nsigner/internal/app"
	"github.com/Bidon15/nsigner/internal/metrics"
)

// RouterConfig configures SetupRouter.
type RouterConfig struct {
	Version string
	Logger  *slog.Logger
}

// SetupRouter creates and configures the Gin router with all API routes.
func SetupRouter(a *app.App, cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(requestLogger(cfg.Logger))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
		})
	})

	h := NewHandler(a)

	v1 := router.Group("/v1")
	{
		vault := v1.Group("/vault")
		vault.GET("/status", h.VaultStatus)
		vault.POST("/unlock", h.Unlock)
		vault.POST("/lock", h.Lock)
		vault.POST("/passphrase", h.ChangePassphrase)

		keys := v1.Group("/keys")
		keys.GET("", h.ListKeys)
		keys.POST("", h.CreateKey)
		keys.GET("/mnemonic", h.GenerateMnemonic)
		keys.POST("/import", h.ImportKey)
		keys.POST("/import/encrypted", h.ImportEncrypted)
		keys.POST("/import/mnemonic", h.ImportMnemonic)
		keys.POST("/:id/export", h.ExportKey)
		keys.POST("/:id/activate", h.ActivateKey)
		keys.DELETE("/:id", h.DeleteKey)

		grants := v1.Group("/grants")
		grants.GET("", h.ListGrants)
		grants.GET("/:app_id", h.GetGrant)
		grants.PUT("/:app_id", h.PutGrant)
		grants.DELETE("/:app_id", h.RevokeGrant)

		approvals := v1.Group("/approvals")
		approvals.GET("", h.ListApprovals)
		approvals.GET("/events", h.WatchApprovals)
		approvals.POST("/:id/approve", h.Approve)
		approvals.POST("/:id/deny", h.Deny)

		bunker := v1.Group("/bunker")
		bunker.GET("/status", h.BunkerStatus)
		bunker.POST("/start", h.StartBunker)
		bunker.POST("/stop", h.StopBunker)
	}

	return router
}

// requestLogger replaces gin's text logger with slog and records the
// control server's HTTP metrics.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)

		metrics.HTTPRequestsTotal.WithLabelValues("control", c.Request.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues("control", path).Observe(duration.Seconds())

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("duration", duration),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("error", c.Errors.String()))
		}
		logger.Info("request", attrs...)
	}
}
