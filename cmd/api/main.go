package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/partnerhub/api/config"
	"github.com/partnerhub/api/pkg/analytics"
	"github.com/partnerhub/api/pkg/api/handlers"
	"github.com/partnerhub/api/pkg/billing"
	"github.com/partnerhub/api/pkg/cache"
	"github.com/partnerhub/api/pkg/codes"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/email"
	"github.com/partnerhub/api/pkg/jobs"
	"github.com/partnerhub/api/pkg/ledger"
	"github.com/partnerhub/api/pkg/logger"
	"github.com/partnerhub/api/pkg/metrics"
	custommiddleware "github.com/partnerhub/api/pkg/middleware"
	"github.com/partnerhub/api/pkg/payout"
	"github.com/partnerhub/api/pkg/redemption"
	"github.com/partnerhub/api/pkg/referrer"
	"github.com/partnerhub/api/pkg/report"
	"github.com/partnerhub/api/pkg/secrets"
	"github.com/partnerhub/api/pkg/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// accountUpdates forwards Stripe account webhooks to the referrer service,
// which is built after the billing service it depends on.
type accountUpdates struct {
	referrers *referrer.Service
}

func (a *accountUpdates) ApplyAccountUpdate(ctx context.Context, u referrer.AccountUpdate) error {
	return a.referrers.ApplyAccountUpdate(ctx, u)
}

func main() {
	// Load configuration
	cfg := config.Load()
	log.Printf("🔧 Configuration loaded (environment: %s)", cfg.APIEnvironment)

	// Credentials may live in AWS Secrets Manager instead of the environment
	secretsCfg := secrets.ConfigFromEnv()
	if secretsCfg.Backend != secrets.BackendEnv {
		secretManager, err := secrets.NewManager(secretsCfg)
		if err != nil {
			log.Fatalf("❌ Failed to initialize secrets manager: %v", err)
		}
		secretsCtx, cancelSecrets := context.WithTimeout(context.Background(), 15*time.Second)
		err = cfg.ApplySecrets(secretsCtx, secretManager)
		cancelSecrets()
		if err != nil {
			log.Fatalf("❌ Failed to load secrets: %v", err)
		}
		log.Printf("🔐 Secrets loaded from %s", secretsCfg.Backend)
	}

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 0.2,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s)", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Printf("ℹ️  Sentry disabled (no DSN configured)")
	}

	logOpts := logger.Options{
		Level: cfg.LogLevel,
		Text:  !cfg.IsProduction(),
		Attrs: []any{"service", "partnerhub-api", "env", cfg.APIEnvironment},
	}
	if cfg.SentryDSN != "" {
		logOpts.Sentry = sentry.CurrentHub()
	}
	appLog := logger.NewWithOptions(os.Stdout, logOpts)

	// Database
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.Open(startCtx, cfg.DatabaseDriver, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetimeMin) * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}, &database.SSLConfig{
		Mode:         cfg.DBSSLMode,
		CertPath:     cfg.DBSSLCertPath,
		KeyPath:      cfg.DBSSLKeyPath,
		RootCertPath: cfg.DBSSLRootCertPath,
	})
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Redis backs the stats cache and the payout/job locks
	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// Prometheus metrics
	prometheusMetrics := metrics.New(prometheus.DefaultRegisterer)
	log.Printf("✅ Prometheus metrics initialized")

	// Email
	emailService := email.NewService(cfg.EmailFrom, cfg.EmailFromName, cfg.FrontendURL, cfg.SendGridAPIKey)
	if cfg.SendGridAPIKey == "" {
		log.Printf("ℹ️  SendGrid not configured, emails are logged to console")
	}

	// Stripe Connect
	if cfg.StripeSecretKey == "" {
		log.Printf("⚠️  STRIPE_SECRET_KEY not set, payout account linking and transfers will fail")
	}
	updates := &accountUpdates{}
	billingService := billing.NewService(&billing.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Country:       cfg.StripeConnectCountry,
		RefreshURL:    cfg.StripeConnectRefreshURL,
		ReturnURL:     cfg.StripeConnectReturnURL,
		Timeout:       time.Duration(cfg.StripeTimeoutSeconds) * time.Second,
	}, updates)

	// Domain services
	userService := users.NewService(db)
	registry := codes.NewRegistry(db, cfg.Codes(), appLog.With("component", "codes"),
		codes.WithMetrics(prometheusMetrics))
	referrerService := referrer.NewService(db, registry, userService, emailService, cfg.Referrers(),
		appLog.With("component", "referrer"),
		referrer.WithPayees(billingService),
		referrer.WithMetrics(prometheusMetrics))
	updates.referrers = referrerService

	l := ledger.New(db)
	statsService := analytics.NewService(db, l, redisClient, analytics.WithMetrics(prometheusMetrics))
	engine := redemption.NewEngine(db, registry, userService, referrerService, l,
		appLog.With("component", "redemption"),
		redemption.WithInvalidator(statsService),
		redemption.WithMetrics(prometheusMetrics))
	payoutService := payout.NewService(db, referrerService, l, billingService, cfg.PayoutCurrency,
		appLog.With("component", "payout"),
		payout.WithLocker(redisClient),
		payout.WithNotifier(emailService),
		payout.WithInvalidator(statsService),
		payout.WithMetrics(prometheusMetrics))

	// Statements go to S3 when a bucket is configured
	var storage report.Storage
	if cfg.S3Bucket != "" {
		s3Storage, err := report.NewS3Storage(startCtx, report.S3Config{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretKey,
			Region:          cfg.AWSRegion,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
		})
		if err != nil {
			log.Fatalf("❌ Failed to configure S3 storage: %v", err)
		}
		storage = s3Storage
		log.Printf("✅ Statements stored in s3://%s", cfg.S3Bucket)
	} else {
		localStorage, err := report.NewLocalStorage(cfg.ReportsLocalPath)
		if err != nil {
			log.Fatalf("❌ Failed to prepare statement directory: %v", err)
		}
		storage = localStorage
		log.Printf("ℹ️  Statements stored in %s", cfg.ReportsLocalPath)
	}
	cancelStart()
	reportService := report.NewService(engine, payoutService, storage)

	// Scheduled jobs
	cronLogger := log.New(os.Stdout, "[cron] ", log.LstdFlags)
	tasks := jobs.NewTasks(referrerService, registry, payoutService, engine, emailService, jobs.Config{
		AdminEmail: cfg.AdminEmail,
		Currency:   cfg.PayoutCurrency,
	}, cronLogger,
		jobs.WithLocker(redisClient),
		jobs.WithReports(reportService),
		jobs.WithMetrics(prometheusMetrics, db))
	cronManager := jobs.NewCronManager(tasks, cronLogger)
	if cfg.JobsEnabled {
		if err := cronManager.SetupJobs(); err != nil {
			log.Fatalf("❌ Failed to set up cron jobs: %v", err)
		}
		cronManager.Start()
		log.Printf("⏰ Cron jobs started (%d entries)", cronManager.Entries())
	}

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	onReject := custommiddleware.OnReject(prometheusMetrics.RecordRateLimited)
	globalRateLimiter := custommiddleware.NewRateLimiter("global", cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst, onReject)
	defer globalRateLimiter.Stop()
	redeemRateLimiter := custommiddleware.NewRateLimiter("redeem", 20, 5, onReject)
	defer redeemRateLimiter.Stop()
	// Stripe delivers from a pool of addresses; one shared bucket.
	webhookRateLimiter := custommiddleware.NewRateLimiter("webhook", 100, 20, onReject,
		custommiddleware.WithKeyFunc(func(echo.Context) string { return "stripe" }))
	defer webhookRateLimiter.Stop()

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[%s] %s - Status: %d", c.Request().Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true, // let Recover write the response
		}))
	}
	e.Use(prometheusMetrics.Middleware())
	e.Use(middleware.CORSWithConfig(custommiddleware.CORSConfig(cfg.CORSAllowedOrigins)))
	e.Use(middleware.Gzip())
	e.Use(custommiddleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(globalRateLimiter.RateLimitMiddleware())

	e.GET("/health", func(c echo.Context) error {
		if err := db.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}
		if err := redisClient.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"redis":  "down",
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":    "healthy",
			"database":  "up",
			"redis":     "up",
			"timestamp": time.Now().Unix(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	userHandler := handlers.NewUserHandler(userService)
	referrerHandler := handlers.NewReferrerHandler(referrerService, engine, payoutService, statsService)
	codeHandler := handlers.NewCodeHandler(registry, engine)
	payoutHandler := handlers.NewPayoutHandler(payoutService)
	billingHandler := handlers.NewBillingHandler(billingService)
	jobsHandler := handlers.NewJobsHandler(cronManager.GetTasks())
	admin := custommiddleware.RequireAdminKey(cfg.AdminAPIKey)
	if cfg.AdminAPIKey == "" {
		log.Printf("⚠️  ADMIN_API_KEY not set, admin routes are unprotected")
	}

	v1 := e.Group("/api/v1", custommiddleware.NoStore())

	v1.POST("/users", userHandler.Create)
	v1.GET("/users/:id", userHandler.Get)

	v1.POST("/applications", referrerHandler.Apply)

	referrersGroup := v1.Group("/referrers")
	{
		referrersGroup.GET("", referrerHandler.List, admin)
		referrersGroup.GET("/:id", referrerHandler.Get)
		referrersGroup.PATCH("/:id/status", referrerHandler.UpdateStatus, admin)
		referrersGroup.PATCH("/:id/commission", referrerHandler.UpdateCommission, admin)
		referrersGroup.POST("/:id/payout-account", referrerHandler.LinkPayoutAccount)
		referrersGroup.GET("/:id/redemptions", referrerHandler.Redemptions)
		referrersGroup.GET("/:id/payouts", referrerHandler.Payouts)
		referrersGroup.GET("/:id/stats", referrerHandler.Stats)
	}

	codesGroup := v1.Group("/codes")
	{
		codesGroup.GET("/validate", codeHandler.Validate)
		codesGroup.POST("/redeem", codeHandler.Redeem, redeemRateLimiter.RateLimitMiddleware())
		codesGroup.DELETE("/:id", codeHandler.Delete, admin)
		codesGroup.PATCH("/:id/usage-limit", codeHandler.SetUsageLimit, admin)
	}

	payoutsGroup := v1.Group("/payouts")
	{
		payoutsGroup.POST("", payoutHandler.Request)
		payoutsGroup.GET("/pending", payoutHandler.ListPending, admin)
		payoutsGroup.GET("/:id", payoutHandler.Get)
		payoutsGroup.POST("/:id/approve", payoutHandler.Approve, admin)
		payoutsGroup.POST("/:id/cancel", payoutHandler.Cancel, admin)
	}

	v1.GET("/stats", referrerHandler.PlatformStats, admin)
	v1.POST("/admin/jobs/:name", jobsHandler.Trigger, admin)
	v1.POST("/webhook/stripe", billingHandler.HandleWebhook, webhookRateLimiter.RateLimitMiddleware())

	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Printf("🚀 PartnerHub API starting on %s", address)
	log.Printf("🛡️  Rate limiting: %d req/min (burst: %d), redeem 20/min, webhook 100/min", cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)

	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	if cfg.JobsEnabled {
		cronManager.Stop()
		log.Println("✅ Cron jobs stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Printf("❌ Server forced to shutdown: %v", err)
	}

	// flush pending notification emails
	referrerService.Wait()
	payoutService.Wait()

	log.Println("✅ Server gracefully stopped")
}
