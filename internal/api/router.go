package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presenza/internal/attendance"
	"presenza/internal/auth"
	"presenza/internal/httpmiddleware"
	"presenza/internal/queue"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Healthy(ctx context.Context) bool
}

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Service     *attendance.Service
	Queue       queue.Queue
	DB          Pinger
	Redis       Pinger
	SigningKey  string
	Issuer      string
	RateLimiter httpmiddleware.Limiter
	ScanLimiter httpmiddleware.Limiter
	Metrics     bool
	Logger      *slog.Logger
}

// Handler serves the attendance API.
type Handler struct {
	svc    *attendance.Service
	queue  queue.Queue
	db     Pinger
	redis  Pinger
	logger *slog.Logger
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &Handler{svc: d.Service, queue: d.Queue, db: d.DB, redis: d.Redis, logger: d.Logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	if d.RateLimiter != nil {
		r.Use(httpmiddleware.Limit(d.RateLimiter, httpmiddleware.ClientIP, d.Logger))
	}

	if d.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	r.GET("/healthz", h.health)

	admin := r.Group("/v1/admin", auth.Require(d.SigningKey, d.Issuer, auth.RoleAdmin))
	admin.POST("/sessions", h.openSession)
	admin.GET("/sessions/code", h.displayCode)
	admin.PUT("/timetable", h.setTimetable)
	admin.POST("/reconcile", h.enqueueRecompute)
	admin.GET("/daily", h.listDaily)
	admin.POST("/daily", h.overrideDaily)
	admin.GET("/slots", h.slotCounts)

	student := r.Group("/v1/student", auth.Require(d.SigningKey, d.Issuer, auth.RoleStudent))
	scan := []gin.HandlerFunc{}
	if d.ScanLimiter != nil {
		scan = append(scan, httpmiddleware.Limit(d.ScanLimiter, studentKey, d.Logger))
	}
	student.POST("/scan", append(scan, h.scan)...)
	student.GET("/today", h.studentToday)

	cr := r.Group("/v1/cr", auth.Require(d.SigningKey, d.Issuer, auth.RoleStudent), auth.RequireCR())
	cr.POST("/daily", h.crMarkDaily)

	return r
}

func studentKey(c *gin.Context) string {
	if id, ok := auth.IdentityFrom(c); ok {
		return "scan:" + id.Subject
	}
	return "scan:" + httpmiddleware.ClientIP(c)
}

func (h *Handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	dbHealthy := h.db != nil && h.db.Healthy(ctx)
	redisHealthy := h.redis == nil || h.redis.Healthy(ctx)
	status := http.StatusOK
	if !dbHealthy || !redisHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "db": dbHealthy, "redis": redisHealthy})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
