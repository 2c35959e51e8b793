package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jar-analysis/jar-analysis-go/internal/api/handlers"
	"github.com/jar-analysis/jar-analysis-go/internal/config"
	"github.com/jar-analysis/jar-analysis-go/internal/middleware"
	"github.com/jar-analysis/jar-analysis-go/internal/service"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// RouterDeps 路由依赖；MemMonitor、PromMetrics、Hub 与 Jobs 可为空
type RouterDeps struct {
	Config      *config.Config
	Logger      *logrus.Logger
	Sessions    service.SessionService
	Hub         *handlers.EventHub
	MemMonitor  *middleware.MemoryMonitor
	PromMetrics *middleware.PrometheusMetrics
	Jobs        handlers.Enqueuer // 为空时不注册 /api/jobs
}

// SetupRouter 注册所有路由
func SetupRouter(deps RouterDeps) *gin.Engine {
	cfg, logger := deps.Config, deps.Logger

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if deps.PromMetrics != nil {
		r.Use(deps.PromMetrics.HTTPMiddleware())
	}

	sessionHandler := handlers.NewSessionHandler(deps.Sessions, logger)

	// 监控端点
	if deps.MemMonitor != nil {
		r.GET("/metrics", deps.MemMonitor.MetricsEndpoint())
	}
	if deps.PromMetrics != nil {
		r.GET("/metrics/prometheus", deps.PromMetrics.Handler())
	}

	if deps.Hub != nil {
		r.GET("/ws/sessions/:id", middleware.TokenAuth(cfg.Server.APIToken), deps.Hub.HandleWebSocket)
	}

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":   "ok",
				"version":  Version,
				"sessions": len(deps.Sessions.List()),
			})
		})

		sessions := v1.Group("/sessions", middleware.TokenAuth(cfg.Server.APIToken))
		sessions.POST("", sessionHandler.Open)
		sessions.GET("", sessionHandler.List)
		sessions.DELETE("/:id", sessionHandler.Close)
		sessions.GET("/:id/classes", sessionHandler.Classes)
		sessions.POST("/:id/decompile", sessionHandler.DecompileAll)
		sessions.GET("/:id/usages", sessionHandler.Usages)
		sessions.POST("/:id/save", sessionHandler.Save)

		// 单个类
		sessions.GET("/:id/classes/:name/source", sessionHandler.Source)
		sessions.GET("/:id/classes/:name/disasm", sessionHandler.Disassemble)
		sessions.GET("/:id/classes/:name/diff", sessionHandler.Diff)
		sessions.POST("/:id/classes/:name/recover", sessionHandler.Recover)
		sessions.POST("/:id/classes/:name/patch", sessionHandler.Patch)

		if deps.Jobs != nil {
			jobHandler := handlers.NewJobHandler(deps.Jobs, logger)
			v1.POST("/jobs", middleware.TokenAuth(cfg.Server.APIToken), jobHandler.Submit)
		}
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP Request")
			return
		}
		entry.Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
