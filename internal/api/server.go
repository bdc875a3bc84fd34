// Package api wires the gateway's two HTTP surfaces — the OpenAI-compatible
// public endpoints and the operator admin surface — onto a Gin engine.
// Grounded on the teacher's internal/api.Server: same engine construction,
// middleware ordering, and graceful Start/Stop shape, generalized from a
// multi-provider client registry to this gateway's single pipeline/pool.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/vornlabs/grokgate/internal/api/handlers"
	"github.com/vornlabs/grokgate/internal/api/middleware"
	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/logging"
)

// Server is the gateway's HTTP front end.
type Server struct {
	engine *gin.Engine
	server *http.Server
	log    *logrus.Entry
}

// NewServer builds the Gin engine, registers routes, and wraps it in an
// *http.Server bound to cfg.Port.
func NewServer(cfg *config.Config, base *handlers.Base, admin *middleware.AdminAuth, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s := &Server{log: log.WithField("component", "api-server")}

	public := engine.Group("/v1")
	public.Use(middleware.APIKeyAuth(cfg.APIKeys))
	{
		public.POST("/chat/completions", base.ChatCompletions)
		public.POST("/images/generations", base.ImagesGenerations)
		public.POST("/images/edits", base.ImagesEdits)
		public.GET("/files/:kind/:name", base.MediaFile)
	}

	adminGroup := engine.Group("/api/v1/admin")
	adminGroup.Use(admin.Handler())
	{
		adminGroup.GET("/pool", base.PoolSnapshot)
		adminGroup.POST("/pool", base.PoolImport)
		adminGroup.PATCH("/pool/:id", base.PoolPatch)
		adminGroup.DELETE("/pool", base.PoolDelete)

		adminGroup.POST("/batch", base.BatchSubmit)
		adminGroup.GET("/batch/:id/stream", base.BatchStream)
		adminGroup.POST("/batch/:id/cancel", base.BatchCancel)
		adminGroup.GET("/batch/:id/result", base.BatchResult)

		adminGroup.GET("/cache", base.CacheStat)
		adminGroup.DELETE("/cache", base.CacheClear)
	}

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "grokgate",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"POST /v1/images/generations",
				"POST /v1/images/edits",
				"GET /v1/files/:kind/:name",
			},
		})
	})

	s.engine = engine
	s.server = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: engine}
	return s
}

// Start begins serving HTTP requests. It blocks until Stop is called or the
// listener fails.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("starting API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen and serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
