// internal/web/server.go
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/checks"
	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/policy"
)

type Server struct {
	config    *config.Config
	store     database.Store
	evaluator *checks.Evaluator
	projector *policy.Engine
	metrics   *metrics.Collector
	hub       *Hub
	router    *gin.Engine
	server    *http.Server
}

func NewServer(cfg *config.Config, store database.Store, evaluator *checks.Evaluator, projector *policy.Engine, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server := &Server{
		config:    cfg,
		store:     store,
		evaluator: evaluator,
		projector: projector,
		metrics:   metricsCollector,
		hub:       NewHub(),
		router:    router,
	}

	server.setupRoutes()
	return server
}

// Hub returns the websocket hub so the engine loops can feed it events.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

	go s.updateMetricsRoutine(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/agents", s.getAgents)
		api.GET("/agents/:id", s.getAgent)
		api.POST("/agents", s.createAgent)
		api.PUT("/agents/:id", s.updateAgent)
		api.DELETE("/agents/:id", s.deleteAgent)
		api.POST("/agents/:id/hello", s.agentHello)
		api.POST("/agents/:id/reconcile", s.reconcileAgent)
		api.GET("/agents/:id/outages", s.getAgentOutages)

		api.POST("/measurements", s.submitMeasurement)

		api.GET("/checks", s.getChecks)
		api.GET("/checks/:id", s.getCheck)
		api.POST("/checks", s.createCheck)
		api.PUT("/checks/:id", s.updateCheck)
		api.DELETE("/checks/:id", s.deleteCheck)

		api.GET("/policies", s.getPolicies)
		api.GET("/policies/:id", s.getPolicy)
		api.POST("/policies", s.createPolicy)
		api.PUT("/policies/:id", s.updatePolicy)
		api.DELETE("/policies/:id", s.deletePolicy)

		api.GET("/bindings", s.getBindings)
		api.POST("/bindings", s.createBinding)
		api.DELETE("/bindings/:id", s.deleteBinding)

		api.GET("/settings", s.getSettings)
		api.POST("/settings", s.createSettings)
		api.PUT("/settings", s.updateSettings)

		api.GET("/health", s.healthCheck)
	}

	s.router.GET("/ws", s.handleWebSocket)

	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   "1.0.0",
	})
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
				logrus.WithError(err).Error("Failed to update system metrics")
			}
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
