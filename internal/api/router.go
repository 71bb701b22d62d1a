// Package api wires together all HTTP routes for the organization service.
//
// Route grouping:
//   - GET /, /health, /ready and /version are unauthenticated probes mounted at the root.
//   - Organization and admin routes are mounted under server.api_prefix (default /api/v1).
//     Creating and looking up an organization is public; updating and deleting require a
//     bearer token whose org_name claim names the target organization.
//   - POST /admin/login is rate limited per client IP before any credential check runs.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/org-partitions/org-service/internal/api/admin"
	"github.com/org-partitions/org-service/internal/audit"
	"github.com/org-partitions/org-service/internal/api/org"
	"github.com/org-partitions/org-service/internal/auth"
	"github.com/org-partitions/org-service/internal/config"
	"github.com/org-partitions/org-service/internal/jobs"
	"github.com/org-partitions/org-service/internal/lifecycle"
	"github.com/org-partitions/org-service/internal/middleware"
	"github.com/org-partitions/org-service/internal/partition"
	"github.com/org-partitions/org-service/internal/registry"
)

// Dependencies are the components built by cmd/server and injected into the router.
type Dependencies struct {
	Manager  *lifecycle.Manager
	Issuer   *auth.Issuer
	Registry registry.Registry
	Store    partition.Store

	// Redis is nil unless a component is configured to use it.
	Redis redis.UniversalClient

	// Audit receives lifecycle and login records. Nil disables auditing.
	Audit audit.Shipper

	Version string
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() after the HTTP server has drained.
type BackgroundServices struct {
	reconcileJob *jobs.ReconcileJob
	rateLimiters []*middleware.RateLimiter
	cancel       context.CancelFunc
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.reconcileJob != nil {
		bg.reconcileJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.cancel != nil {
		bg.cancel()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	ctx, cancel := context.WithCancel(context.Background())
	bg.cancel = cancel

	if cfg.Reconcile.Enabled && deps.Manager != nil {
		bg.reconcileJob = jobs.NewReconcileJob(deps.Manager, cfg.Reconcile.Interval)
		go bg.reconcileJob.Start(ctx)
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	if deps.Audit != nil {
		router.Use(middleware.AuditMiddleware(deps.Audit))
	}
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/", welcomeHandler())
	router.GET("/health", healthCheckHandler(deps.Registry))
	router.GET("/ready", readinessHandler(deps))
	router.GET("/version", versionHandler(deps.Version))

	orgHandlers := org.NewOrganizationHandlers(deps.Manager)
	authHandlers := admin.NewAuthHandlers(deps.Issuer)
	requireToken := middleware.AuthMiddleware(deps.Issuer)

	apiV1 := router.Group(cfg.Server.APIPrefix)
	{
		orgGroup := apiV1.Group("/org")
		{
			orgGroup.POST("/create", orgHandlers.CreateOrganizationHandler())
			orgGroup.GET("/get", orgHandlers.GetOrganizationHandler())
			orgGroup.PUT("/update", requireToken, orgHandlers.UpdateOrganizationHandler())
			orgGroup.DELETE("/delete", requireToken, orgHandlers.DeleteOrganizationHandler())
		}

		adminGroup := apiV1.Group("/admin")
		{
			login := []gin.HandlerFunc{}
			if limiter := newLoginLimiter(cfg, deps.Redis, bg); limiter != nil {
				login = append(login, middleware.RateLimitMiddleware(limiter))
			}
			login = append(login, authHandlers.LoginHandler())
			adminGroup.POST("/login", login...)
			adminGroup.GET("/me", requireToken, authHandlers.MeHandler())
		}
	}

	return router, bg
}

// newLoginLimiter builds the login rate limiter selected by configuration, or
// nil when rate limiting is disabled.
func newLoginLimiter(cfg *config.Config, client redis.UniversalClient, bg *BackgroundServices) middleware.Limiter {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return nil
	}
	limits := middleware.LoginRateLimitConfig()
	if rl.RequestsPerMinute > 0 {
		limits.RequestsPerMinute = rl.RequestsPerMinute
	}
	if rl.Burst > 0 {
		limits.BurstSize = rl.Burst
	}

	if rl.Backend == "redis" {
		if client != nil {
			return middleware.NewRedisRateLimiter(client, limits)
		}
		slog.Warn("rate limiting backend is redis but no redis client is configured, using in-memory limiter")
	}
	limiter := middleware.NewRateLimiter(limits)
	bg.rateLimiters = append(bg.rateLimiters, limiter)
	return limiter
}

func welcomeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Welcome to the Organization Management Service"})
	}
}

// healthCheckHandler reports liveness, failing when the registry is unreachable.
func healthCheckHandler(reg registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := reg.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "registry connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

type probe struct {
	name string
	ping func(context.Context) error
}

// readinessHandler reports whether the service can serve lifecycle requests.
// Unlike /health it also probes the partition store and, when configured, redis.
func readinessHandler(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		probes := []probe{
			{"registry", deps.Registry.Ping},
			{"partition_store", deps.Store.Ping},
		}
		if deps.Redis != nil {
			probes = append(probes, probe{"redis", func(ctx context.Context) error {
				return deps.Redis.Ping(ctx).Err()
			}})
		}

		checks := gin.H{}
		for _, p := range probes {
			if err := p.ping(ctx); err != nil {
				checks[p.name] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  p.name + " not ready",
				})
				return
			}
			checks[p.name] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler(version string) gin.HandlerFunc {
	if version == "" {
		version = "dev"
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     version,
			"api_version": "v1",
		})
	}
}
