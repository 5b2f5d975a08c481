package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/middlewares"
	"bitbucket.org/mmdatafocus/ge_backend/models"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
	"bitbucket.org/mmdatafocus/ge_backend/workflow"
)

const defaultPort = "8080"

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func newRouter(logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Redis is optional; the database is not.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "Idempotency-Key", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	if rl := rateLimiterFromEnv(config.GetRedisDB); rl != nil {
		r.Use(rl.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api", middlewares.RequireActor())
	{
		api.GET("/budget-lines", listBudgetLinesHandler)
		api.POST("/budget-lines", createBudgetLineHandler)
		api.GET("/budget-lines/:id", getBudgetLineHandler)
		api.GET("/budget-lines/:id/history", historyHandler("BudgetLine"))

		api.GET("/ge-requests", listGERequestsHandler)
		api.POST("/ge-requests", createGERequestHandler)
		api.GET("/ge-requests/:id", getGERequestHandler)
		api.PUT("/ge-requests/:id", updateGERequestHandler)
		api.GET("/ge-requests/:id/history", historyHandler("GERequest"))
		api.POST("/ge-requests/:id/attachments", addGERequestAttachmentHandler)
		api.POST("/ge-requests/:id/submit", submitGERequestHandler)
		api.POST("/ge-requests/:id/decisions", decideGERequestHandler)
		api.POST("/ge-requests/:id/resubmit", resubmitGERequestHandler)
		api.GET("/ge-requests/:id/commitment", getRequestCommitmentHandler)
		api.POST("/ge-requests/:id/commitment", createCommitmentHandler)

		api.GET("/commitments", listCommitmentsHandler)
		api.GET("/commitments/:id", getCommitmentHandler)
		api.GET("/commitments/:id/history", historyHandler("Commitment"))
		api.POST("/commitments/:id/cancel", cancelCommitmentHandler)
		api.POST("/commitments/:id/vouchers", createPaymentVoucherHandler)

		api.GET("/vouchers", listPaymentVouchersHandler)
		api.GET("/vouchers/:id", getPaymentVoucherHandler)
		api.GET("/vouchers/:id/history", historyHandler("PaymentVoucher"))
		api.POST("/vouchers/:id/approve", approvePaymentVoucherHandler)
		api.POST("/vouchers/:id/process", processPaymentVoucherHandler)
		api.POST("/vouchers/:id/cancel", cancelPaymentVoucherHandler)
	}

	ops := r.Group("/internal/ops", middlewares.RequireRole(models.RoleAdmin, models.RoleBudgetOfficer))
	{
		ops.POST("/reconcile", reconcileHandler)
		ops.GET("/reconciliation-reports", reconciliationReportsHandler)
		ops.POST("/outbox/replay", outboxReplayHandler)
	}

	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server before dependencies; the readiness gate answers 503 until the DB is up.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	redisCtx, cancelRedis := context.WithTimeout(sigCtx, 2*time.Minute)
	config.ConnectRedisWithRetry(redisCtx)
	cancelRedis()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can hold DDL locks; run it as a separate job when SKIP_MIGRATIONS=true.
	if !config.SkipMigrations() {
		if err := models.MigrateTable(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Notifications are published only after their transaction commits.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.NotificationsEnabled() {
		go workflow.NewNotificationDispatcher(db, logger).Run(dispatcherCtx)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	config.ClosePubSub()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
