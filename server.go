package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/middlewares"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func init() {
	// keep request amounts exact until they become decimals
	binding.EnableDecoderUseNumber = true
}

type routerOptions struct {
	Worker      *workflow.RecurringWorker
	OpsToken    string
	RateLimiter *workflow.RateLimiter
	Logger      *logrus.Logger
}

func setupRouter(opts routerOptions) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.Use(cors.New(corsConfig()))
	if opts.RateLimiter != nil {
		r.Use(rateLimitMiddleware(opts.RateLimiter))
	}
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(opts.Logger))
	r.Use(gin.Recovery())

	accounts := r.Group("/accounts", middlewares.RequireOwner())
	accounts.POST("", createAccountHandler())
	accounts.GET("", listAccountsHandler())
	accounts.GET("/:id", getAccountHandler())
	accounts.PUT("/:id/default", setDefaultAccountHandler())
	accounts.DELETE("/:id", deleteAccountHandler())
	accounts.GET("/:id/reconcile", reconcileAccountHandler())

	transactions := r.Group("/transactions", middlewares.RequireOwner())
	transactions.POST("", createTransactionHandler())
	transactions.GET("", listTransactionsHandler())
	transactions.POST("/bulk-delete", bulkDeleteTransactionsHandler())
	transactions.GET("/:id", getTransactionHandler())
	transactions.PUT("/:id", updateTransactionHandler())

	if opts.Worker != nil {
		r.POST("/pubsub/recurring", recurringPubSubHandler(opts.Worker))
	}
	// Ops tooling: replay change events that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler(opts.OpsToken))
	r.NoRoute(customNotFoundHandler)
	return r
}

func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// deny all if not configured in production
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.CorrelationIdHeader)
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return corsConfig
}

// rateLimitMiddleware limits requests per client IP.
func rateLimitMiddleware(rl *workflow.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := rl.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.Window().Seconds())),
			})
			return
		}
		c.Next()
	}
}

// httpRateLimiterFromEnv reads RATE_LIMIT_*; nil when disabled.
func httpRateLimiterFromEnv() *workflow.RateLimiter {
	if !config.BoolFromEnv("RATE_LIMIT_ENABLED") {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return workflow.NewRateLimiter(config.GetRedisDB(), limit, time.Duration(windowSec)*time.Second, "http:rate")
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	logger := config.GetLogger()
	settings := config.GetRecurringSettings()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Connect dependencies before routing; the rate limiter and worker need Redis.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate runs DDL that can block tables; allow running it as a separate job instead.
	if !config.BoolFromEnv("SKIP_MIGRATIONS") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	worker := workflow.NewRecurringWorker(workflow.NewRecurringRateLimiter(config.GetRedisDB(), settings.JobsPerMinute), logger)

	r := setupRouter(routerOptions{
		Worker:      worker,
		OpsToken:    os.Getenv("OPS_TOKEN"),
		RateLimiter: httpRateLimiterFromEnv(),
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Background workers share one cancel.
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	// Outbox dispatcher publishes change events AFTER commit.
	eventsPublisher := config.PubSubPublisher{Topic: config.ChangeEventsTopic()}
	go workflow.NewOutboxDispatcher(db, logger, eventsPublisher).Run(bgCtx)

	scheduler := workflow.NewRecurringScheduler(config.PubSubPublisher{Topic: settings.JobsTopic}, logger)
	if config.BoolFromEnv("RECURRING_SCHEDULER_ENABLED") {
		if err := scheduler.Start(settings.ScanCron); err != nil {
			logger.WithFields(logrus.Fields{"field": "RecurringScheduler"}).Fatal(err.Error())
		}
	}
	if config.BoolFromEnv("RECURRING_PULL_ENABLED") {
		if err := RunRecurringWorkflow(bgCtx, worker); err != nil {
			logger.WithFields(logrus.Fields{"field": "RecurringWorkflow"}).Error("pull consumer not started: " + err.Error())
		}
	}

	log.Println("Server started successfully on port " + port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	scheduler.Stop()
	cancelBackground()

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
	if logger == nil {
		logger = config.GetLogger()
	}
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
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
