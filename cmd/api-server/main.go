package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketplace/integrity-engine/configs"
	"github.com/marketplace/integrity-engine/internal/analytics"
	"github.com/marketplace/integrity-engine/internal/audit"
	"github.com/marketplace/integrity-engine/internal/auth"
	"github.com/marketplace/integrity-engine/internal/ingestion"
	"github.com/marketplace/integrity-engine/internal/queue"
	"github.com/marketplace/integrity-engine/internal/repositories"
	"github.com/marketplace/integrity-engine/internal/risk"
	"github.com/marketplace/integrity-engine/internal/rules"
	"github.com/marketplace/integrity-engine/internal/services"
	"github.com/marketplace/integrity-engine/internal/validator"
	"github.com/marketplace/integrity-engine/internal/withdrawal"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting Integrity Engine API Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	streamClient, err := queue.NewAuditStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	riskRepo := repositories.NewRiskProfileRepository(db)
	walletRepo := repositories.NewWalletRepository(db)
	withdrawalRepo := repositories.NewWithdrawalRepository(db)
	activityRepo := repositories.NewActivityRepository(db)
	kycRepo := repositories.NewKYCRepository(db)
	reviewRepo := repositories.NewReviewQueueRepository(db)
	restrictionRepo := repositories.NewRestrictionRepository(db)

	// Initialize services
	ruleCfg := rules.Default()
	if err := ruleCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid rule configuration")
	}

	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	authService := services.NewAuthService(userRepo, jwtManager)
	notifier := services.NewReviewerNotifier(cacheClient)
	payoutService := services.NewPayoutService(db)

	monitor := audit.NewMonitor(ruleCfg, auditRepo, streamClient, restrictionRepo, notifier)
	reporter := audit.NewReporter(auditRepo, notifier)
	riskEngine := risk.NewEngine(ruleCfg, activityRepo, riskRepo, cacheClient, monitor)
	validationService := ingestion.NewValidationService(validator.New(ruleCfg), monitor, cacheClient)
	withdrawalManager := withdrawal.NewManager(ruleCfg, withdrawalRepo, walletRepo, kycRepo,
		payoutService, riskEngine, reviewRepo, cacheClient, monitor)
	analyticsService := analytics.NewAnalyticsService(db, cacheClient)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := NewRateLimiter(100, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter))

	setupRoutes(router, jwtManager, authService, validationService, withdrawalManager,
		riskEngine, reporter, analyticsService, auditRepo, streamClient, db)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupRoutes(
	router *gin.Engine,
	jwtManager *auth.JWTManager,
	authService *services.AuthService,
	validationService *ingestion.ValidationService,
	withdrawalManager *withdrawal.Manager,
	riskEngine *risk.Engine,
	reporter *audit.Reporter,
	analyticsService *analytics.AnalyticsService,
	auditRepo *repositories.AuditRepository,
	streamClient *queue.AuditStreamClient,
	db *repositories.Database,
) {
	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	v1 := router.Group("/api/v1")

	// Auth routes (public)
	authRoutes := v1.Group("/auth")
	{
		authRoutes.POST("/register", registerHandler(authService))
		authRoutes.POST("/login", loginHandler(authService))
		authRoutes.POST("/refresh", auth.AuthMiddleware(jwtManager), refreshTokenHandler(authService))
	}

	// Protected routes
	protected := v1.Group("")
	protected.Use(auth.AuthMiddleware(jwtManager))

	// Contract validation
	validateRoutes := protected.Group("/validate")
	{
		validateRoutes.POST("", validateHandler(validationService))
		validateRoutes.POST("/batch", validateBatchHandler(validationService))
	}

	// Withdrawal lifecycle
	withdrawalRoutes := protected.Group("/withdrawals")
	{
		withdrawalRoutes.POST("", createWithdrawalHandler(withdrawalManager))
		withdrawalRoutes.GET("/:id", getWithdrawalHandler(withdrawalManager))
		withdrawalRoutes.POST("/:id/paid", auth.RoleMiddleware(auth.RoleAdmin), markPaidHandler(withdrawalManager))

		reviewerOnly := withdrawalRoutes.Group("")
		reviewerOnly.Use(auth.RoleMiddleware(auth.RoleReviewer, auth.RoleAdmin))
		{
			reviewerOnly.POST("/:id/approve", approveWithdrawalHandler(withdrawalManager))
			reviewerOnly.POST("/:id/reject", rejectWithdrawalHandler(withdrawalManager))
		}
	}

	// Per-user risk and eligibility
	userRoutes := protected.Group("/users")
	{
		userRoutes.GET("/:id/withdrawable", getWithdrawableHandler(withdrawalManager))
		userRoutes.GET("/:id/withdrawals", listUserWithdrawalsHandler(withdrawalManager))
		userRoutes.GET("/:id/unlock", getUnlockStatusHandler(riskEngine))
		userRoutes.GET("/:id/risk", getRiskProfileHandler(riskEngine))
		userRoutes.POST("/:id/risk/recompute", auth.RoleMiddleware(auth.RoleReviewer, auth.RoleAdmin), recomputeRiskHandler(riskEngine))
	}

	// Audit reports (reviewer only)
	reportRoutes := protected.Group("/reports")
	reportRoutes.Use(auth.RoleMiddleware(auth.RoleReviewer, auth.RoleAdmin))
	{
		reportRoutes.GET("/daily", dailyReportHandler(reporter))
		reportRoutes.GET("/weekly", weeklyReportHandler(reporter))
	}

	// Anomaly review (reviewer only)
	anomalyRoutes := protected.Group("/anomalies")
	anomalyRoutes.Use(auth.RoleMiddleware(auth.RoleReviewer, auth.RoleAdmin))
	{
		anomalyRoutes.GET("", listAnomaliesHandler(auditRepo))
		anomalyRoutes.POST("/:id/resolve", resolveAnomalyHandler(auditRepo))
	}

	// Analytics
	analyticsRoutes := protected.Group("/analytics")
	{
		analyticsRoutes.GET("/summary", violationSummaryHandler(analyticsService))
		analyticsRoutes.GET("/live", liveCountersHandler(analyticsService))
		analyticsRoutes.GET("/anomalies", anomalySummaryHandler(analyticsService))
		analyticsRoutes.GET("/risk-distribution", riskDistributionHandler(analyticsService))
		analyticsRoutes.GET("/withdrawals", withdrawalVolumeHandler(analyticsService))
		analyticsRoutes.GET("/recent-events", recentEventsHandler(analyticsService))
	}

	// Metrics (admin only)
	metricsRoutes := protected.Group("/metrics")
	metricsRoutes.Use(auth.RoleMiddleware(auth.RoleAdmin))
	{
		metricsRoutes.GET("/system", systemMetricsHandler(analyticsService, streamClient))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter implements a simple in-memory rate limiter using token bucket algorithm
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastSeen: now}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed / (rl.window / time.Duration(rl.rate)))
	v.tokens += refill
	if v.tokens > rl.rate {
		v.tokens = rl.rate
	}
	v.lastSeen = now

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

func rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Auth handlers

func registerHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrWeakPassword) ||
				errors.Is(err, services.ErrUnknownRole) ||
				errors.Is(err, repositories.ErrUserAlreadyExists) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func loginHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrInvalidCredentials) {
				status = http.StatusUnauthorized
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func refreshTokenHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 {
			token = token[7:] // Remove "Bearer "
		}

		resp, err := authService.RefreshToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// Validation handlers

func validateHandler(validationService *ingestion.ValidationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.CheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := validationService.Check(c.Request.Context(), &req, c.GetString("request_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func validateBatchHandler(validationService *ingestion.ValidationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.BatchCheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := validationService.CheckBatch(c.Request.Context(), &req, c.GetString("request_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// Withdrawal handlers

func createWithdrawalHandler(manager *withdrawal.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID          string `json:"user_id" binding:"required"`
			RequestedTokens int64  `json:"requested_tokens" binding:"required,gt=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}

		withdrawalReq, err := manager.Create(c.Request.Context(), userID, req.RequestedTokens)
		if err != nil {
			var eligErr *withdrawal.EligibilityError
			if errors.As(err, &eligErr) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{
					"error":  "withdrawal not eligible",
					"reason": eligErr.Reason,
					"detail": eligErr.Detail,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, withdrawalReq)
	}
}

func getWithdrawalHandler(manager *withdrawal.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid withdrawal id"})
			return
		}

		req, err := manager.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(withdrawalErrorStatus(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, req)
	}
}

func approveWithdrawalHandler(manager *withdrawal.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid withdrawal id"})
			return
		}

		approverID := actorID(c)
		req, err := manager.Approve(c.Request.Context(), id, approverID)
		if err != nil {
			c.JSON(withdrawalErrorStatus(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, req)
	}
}

func rejectWithdrawalHandler(manager *withdrawal.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid withdrawal id"})
			return
		}

		var body struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		req, err := manager.Reject(c.Request.Context(), id, body.Reason, actorID(c))
		if err != nil {
			c.JSON(withdrawalErrorStatus(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, req)
	}
}

func markPaidHandler(manager *withdrawal.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid withdrawal id"})
			return
		}

		req, err := manager.MarkPaid(c.Request.Context(), id)
		if err != nil {
			c.JSON(withdrawalErrorStatus(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, req)
	}
}

func listUserWithdrawalsHandler(manager *withdrawal.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}

		limit := getIntParam(c, "limit", 50)
		requests, err := manager.ListForUser(c.Request.Context(), userID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"withdrawals": requests})
	}
}

func getWithdrawableHandler(manager *withdrawal.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}

		eligibility, err := manager.WithdrawableTokens(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, eligibility)
	}
}

// withdrawalErrorStatus maps lifecycle sentinels onto HTTP statuses.
func withdrawalErrorStatus(err error) int {
	switch {
	case errors.Is(err, withdrawal.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, withdrawal.ErrInvalidTransition),
		errors.Is(err, withdrawal.ErrAlreadyPaid),
		errors.Is(err, withdrawal.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, withdrawal.ErrEmptyReason):
		return http.StatusBadRequest
	case errors.Is(err, withdrawal.ErrNothingWithdrawable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// actorID extracts the authenticated user's ID set by the auth
// middleware; the zero UUID marks an unattributed actor.
func actorID(c *gin.Context) uuid.UUID {
	id, ok := auth.GetUserIDFromContext(c)
	if !ok {
		return uuid.Nil
	}
	return id
}

// Risk handlers

func getRiskProfileHandler(engine *risk.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}

		profile, err := engine.GetProfile(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, risk.ErrProfileNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "risk profile not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, profile)
	}
}

func getUnlockStatusHandler(engine *risk.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}

		result, err := engine.EvaluateUnlock(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func recomputeRiskHandler(engine *risk.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}

		profile, err := engine.Compute(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, profile)
	}
}

// Report handlers

func dailyReportHandler(reporter *audit.Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := reporter.DailyReport(c.Request.Context(), time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func weeklyReportHandler(reporter *audit.Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := reporter.WeeklyReport(c.Request.Context(), time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// Anomaly handlers

func listAnomaliesHandler(auditRepo *repositories.AuditRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := getIntParam(c, "limit", 50)

		anomalies, err := auditRepo.ListUnresolvedAnomalies(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
	}
}

func resolveAnomalyHandler(auditRepo *repositories.AuditRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid anomaly id"})
			return
		}

		if err := auditRepo.ResolveAnomaly(c.Request.Context(), id, actorID(c)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "anomaly resolved"})
	}
}

// Analytics handlers

func violationSummaryHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		date := time.Now()
		if dateStr := c.Query("date"); dateStr != "" {
			parsed, err := time.Parse("2006-01-02", dateStr)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
				return
			}
			date = parsed
		}

		summary, err := analyticsService.ViolationSummary(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

func liveCountersHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := analyticsService.LiveCounters(c.Request.Context(), time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func anomalySummaryHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 7)

		breakdown, err := analyticsService.AnomalySummary(c.Request.Context(), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, breakdown)
	}
}

func riskDistributionHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		distribution, err := analyticsService.GetRiskDistribution(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, distribution)
	}
}

func withdrawalVolumeHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 7)

		volumes, err := analyticsService.GetWithdrawalVolume(c.Request.Context(), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"volumes": volumes})
	}
}

func recentEventsHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := int64(getIntParam(c, "limit", 100))

		events, err := analyticsService.RecentFlaggedEvents(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

func systemMetricsHandler(analyticsService *analytics.AnalyticsService, streamClient *queue.AuditStreamClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics, err := analyticsService.GetSystemMetrics(c.Request.Context(), streamClient)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, metrics)
	}
}

// Helper functions

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}
