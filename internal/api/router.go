// Package api wires together all HTTP routes for the API key manager.
//
// Route groups and their guards:
//   - /auth: public account endpoints behind a per-client token bucket; me,
//     change_password and update_email additionally need a session.
//   - /keys and /dashboard/api: a session for a verified account.
//   - /api: the sample API, authenticated by API key only.
//   - /admin/api: a session for an admin account.
//
// Every route shares the global per-IP day/hour quotas and the audit trail.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/api-manager/api-manager/internal/api/accounts"
	"github.com/api-manager/api-manager/internal/api/admin"
	"github.com/api-manager/api-manager/internal/api/dashboard"
	"github.com/api-manager/api-manager/internal/api/keys"
	"github.com/api-manager/api-manager/internal/api/protected"
	"github.com/api-manager/api-manager/internal/audit"
	"github.com/api-manager/api-manager/internal/auth"
	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/jobs"
	"github.com/api-manager/api-manager/internal/mail"
	"github.com/api-manager/api-manager/internal/middleware"
	"github.com/api-manager/api-manager/internal/safego"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/api-manager/api-manager/internal/throttle"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Version is the service version reported by /version and /api/status
var Version = "1.0.0"

const (
	healthTimeout       = 3 * time.Second
	redisKeyPrefix      = "apim"
	defaultAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
)

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	expiryNotifier   *jobs.APIKeyExpiryNotifier
	retentionCleaner *jobs.RetentionCleaner
	auditShipper     *audit.MultiShipper
	rateLimiters     []*middleware.RateLimiter
	cancel           context.CancelFunc
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.expiryNotifier != nil {
		bg.expiryNotifier.Stop()
	}
	if bg.retentionCleaner != nil {
		bg.retentionCleaner.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.cancel != nil {
		bg.cancel()
	}
	if bg.auditShipper != nil {
		if err := bg.auditShipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. rdb may be nil, in which
// case rate limits and passcode throttling are kept in process memory.
func NewRouter(cfg *config.Config, db *sql.DB, rdb *redis.Client) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()

	sessions, err := auth.NewSessionManager(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL, cfg.Server.DevMode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}

	// Initialize repositories
	sqlxDB := sqlx.NewDb(db, "postgres")
	auditRepo := repositories.NewAuditRepository(db)
	userRepo := repositories.NewUserRepository(db)
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	usageRepo := repositories.NewUsageRepository(sqlxDB)
	loginRepo := repositories.NewLoginHistoryRepository(sqlxDB)
	statsRepo := repositories.NewStatsRepository(sqlxDB)

	auditShipper, err := audit.NewFromConfig(&cfg.Audit, auditRepo)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	recorder := audit.NewRecorder(auditShipper)
	sender := mail.New(&cfg.Notifications)

	jobCtx, cancel := context.WithCancel(context.Background())

	var attempts throttle.AttemptLimiter
	var quotaLimiter middleware.QuotaLimiter
	if rdb != nil {
		attempts = throttle.NewRedisAttemptLimiter(rdb, redisKeyPrefix+":otp", cfg.OTP.MaxAttempts, cfg.OTP.AttemptWindow)
		quotaLimiter = middleware.NewRedisQuotaLimiter(rdb, redisKeyPrefix+":quota")
	} else {
		memAttempts := throttle.NewMemoryAttemptLimiter(cfg.OTP.MaxAttempts, cfg.OTP.AttemptWindow)
		safego.Go("otp-attempt-sweeper", func() { memAttempts.RunSweeper(jobCtx, throttle.SweepInterval) })
		attempts = memAttempts
		quotaLimiter = middleware.NewMemoryQuotaLimiter()
	}

	// Initialize services
	accountService := services.NewAccountService(userRepo, loginRepo, sessions, sender, recorder, attempts, &cfg.Auth, &cfg.OTP)
	keyService := services.NewAPIKeyService(apiKeyRepo, usageRepo, sender, recorder, &cfg.APIKeys)
	reportService := services.NewReportService(userRepo, apiKeyRepo, usageRepo, loginRepo, statsRepo, recorder)

	// Background jobs
	expiryNotifier := jobs.NewAPIKeyExpiryNotifier(apiKeyRepo, sender, &cfg.Notifications)
	safego.Go("api-key-expiry-notifier", func() { expiryNotifier.Start(jobCtx) })

	var retentionCleaner *jobs.RetentionCleaner
	if cfg.Retention.Enabled {
		retentionCleaner = jobs.NewRetentionCleaner(usageRepo, loginRepo, &cfg.Retention)
		retentionCleaner.Start(jobCtx)
	}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	if cfg.Security.RateLimiting.Enabled {
		router.Use(middleware.QuotaMiddleware(quotaLimiter, middleware.GlobalQuotas(&cfg.Security.RateLimiting)...))
	}
	router.Use(middleware.AuditMiddleware(recorder, &cfg.Audit))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db, rdb))

	// API version
	router.GET("/version", versionHandler())

	sessionAuth := middleware.SessionAuthMiddleware(sessions, userRepo)
	verified := middleware.RequireVerified()

	// Account endpoints
	authHandlers := accounts.NewAuthHandlers(accountService)
	authLimiter := middleware.NewRateLimiter(authRateLimitConfig(&cfg.Security.RateLimiting))
	authGroup := router.Group("/auth")
	if cfg.Security.RateLimiting.Enabled {
		authGroup.Use(middleware.RateLimitMiddleware(authLimiter, "auth"))
	}
	{
		authGroup.POST("/register", authHandlers.RegisterHandler())
		authGroup.POST("/verify_otp", authHandlers.VerifyOTPHandler())
		authGroup.POST("/resend_otp", authHandlers.ResendOTPHandler())
		authGroup.POST("/login", authHandlers.LoginHandler())
		authGroup.POST("/logout", authHandlers.LogoutHandler())
		authGroup.POST("/forgot_password", authHandlers.ForgotPasswordHandler())
		authGroup.POST("/reset_password", authHandlers.ResetPasswordHandler())

		authGroup.GET("/me", sessionAuth, authHandlers.MeHandler())
		authGroup.POST("/change_password", sessionAuth, verified, authHandlers.ChangePasswordHandler())
		authGroup.POST("/update_email", sessionAuth, verified, authHandlers.UpdateEmailHandler())
	}

	// API key management
	keyHandlers := keys.NewKeyHandlers(keyService)
	keysGroup := router.Group("/keys")
	keysGroup.Use(sessionAuth, verified)
	{
		keysGroup.POST("/generate", keyHandlers.GenerateHandler())
		keysGroup.GET("/list", keyHandlers.ListHandler())
		keysGroup.GET("/stats", keyHandlers.StatsHandler())
		keysGroup.GET("/:id", keyHandlers.GetHandler())
		keysGroup.POST("/:id/status", keyHandlers.StatusHandler())
		keysGroup.DELETE("/:id/delete", keyHandlers.DeleteHandler())
		keysGroup.POST("/:id/delete", keyHandlers.DeleteHandler())
		keysGroup.GET("/:id/usage", keyHandlers.UsageHandler())
		keysGroup.POST("/:id/regenerate", keyHandlers.RegenerateHandler())
		keysGroup.POST("/:id/update", keyHandlers.UpdateHandler())
	}

	// Sample API, authenticated by API key
	sampleHandlers := protected.NewSampleHandlers(userRepo, Version)
	apiGroup := router.Group("/api")
	apiGroup.Use(middleware.APIKeyMiddleware(apiKeyRepo, cfg.APIKeys.Header))
	{
		apiGroup.GET("/test", sampleHandlers.TestHandler())
		apiGroup.GET("/user_info", sampleHandlers.UserInfoHandler())
		apiGroup.GET("/data", sampleHandlers.DataHandler())
		apiGroup.GET("/weather", sampleHandlers.WeatherHandler())
		apiGroup.GET("/quotes", sampleHandlers.QuotesHandler())
		apiGroup.GET("/status", sampleHandlers.StatusHandler())
	}

	// User dashboard
	dashboardHandlers := dashboard.NewDashboardHandlers(reportService)
	dashboardGroup := router.Group("/dashboard/api")
	dashboardGroup.Use(sessionAuth, verified)
	{
		dashboardGroup.GET("/stats", dashboardHandlers.StatsHandler())
		dashboardGroup.GET("/recent_activity", dashboardHandlers.RecentActivityHandler())
		dashboardGroup.GET("/usage_chart", dashboardHandlers.UsageChartHandler())
		dashboardGroup.GET("/login_history", dashboardHandlers.LoginHistoryHandler())
	}

	// Admin
	statsHandlers := admin.NewStatsHandlers(reportService)
	userHandlers := admin.NewUserHandlers(reportService)
	adminKeyHandlers := admin.NewAPIKeyHandlers(reportService, keyService)
	auditHandlers := admin.NewAuditHandlers(auditRepo)
	adminGroup := router.Group("/admin/api")
	adminGroup.Use(sessionAuth, middleware.RequireAdmin())
	{
		adminGroup.GET("/stats", statsHandlers.SystemStatsHandler())
		adminGroup.GET("/usage_analytics", statsHandlers.UsageAnalyticsHandler())
		adminGroup.GET("/recent_activity", statsHandlers.RecentActivityHandler())

		adminGroup.GET("/users", userHandlers.ListUsersHandler())
		adminGroup.GET("/users/:id", userHandlers.GetUserHandler())
		adminGroup.POST("/users/:id/toggle_admin", userHandlers.ToggleAdminHandler())
		adminGroup.POST("/users/:id/toggle_verification", userHandlers.ToggleVerificationHandler())

		adminGroup.GET("/keys", adminKeyHandlers.ListKeysHandler())
		adminGroup.POST("/keys/:id/status", adminKeyHandlers.UpdateKeyStatusHandler())

		adminGroup.GET("/audit_logs", auditHandlers.ListAuditLogsHandler())
	}

	bg := &BackgroundServices{
		expiryNotifier:   expiryNotifier,
		retentionCleaner: retentionCleaner,
		auditShipper:     auditShipper,
		rateLimiters:     []*middleware.RateLimiter{authLimiter},
		cancel:           cancel,
	}

	return router, bg, nil
}

// authRateLimitConfig applies configured overrides to the /auth defaults
func authRateLimitConfig(cfg *config.RateLimitingConfig) middleware.RateLimitConfig {
	rl := middleware.AuthRateLimitConfig()
	if cfg.AuthRequestsPerMinute > 0 {
		rl.RequestsPerMinute = cfg.AuthRequestsPerMinute
	}
	if cfg.AuthBurst > 0 {
		rl.BurstSize = cfg.AuthBurst
	}
	return rl
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database and (when enabled) Redis connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: which dependency failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "redis connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the service version
// GET /version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// quietPaths are polled by probes and scrapers and are not access-logged
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if quietPaths[path] {
			return
		}
		logRequest(c, time.Since(start), path, query)
	}
}

// logRequest emits one access record. The format (JSON or text) is decided by
// the global slog handler configured in telemetry.SetupLogger.
func logRequest(c *gin.Context, latency time.Duration, path, query string) {
	level := slog.LevelInfo
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(
		c.Request.Context(),
		level,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", c.GetString(middleware.RequestIDKey)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := defaultAllowMethods
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}
	headers := "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID"
	if h := cfg.APIKeys.Header; h != "" {
		headers += ", " + h
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", headers)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
