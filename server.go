package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/credit_backend/alerts"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/disbursement"
	"github.com/mmdatafocus/credit_backend/dock"
	"github.com/mmdatafocus/credit_backend/exchangelog"
	"github.com/mmdatafocus/credit_backend/followup"
	"github.com/mmdatafocus/credit_backend/handlers"
	"github.com/mmdatafocus/credit_backend/ledger"
	"github.com/mmdatafocus/credit_backend/middlewares"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/providers"
	"github.com/mmdatafocus/credit_backend/reconcile"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// wire builds every collaborator once the database and Redis are connected.
func wire(ctx context.Context, s config.Settings, db *gorm.DB, rdb *redis.Client, logger *logrus.Logger, api *handlers.API) (*tasks.Processor, error) {
	var archive exchangelog.Archive
	if s.ExchangeArchiveBucket != "" {
		gcs, err := config.NewGCSClient(ctx)
		if err != nil {
			// the database keeps the clipped exchange either way
			config.LogError(logger, "server.go", "wire", "gcs client", s.ExchangeArchiveBucket, err)
		} else {
			archive = exchangelog.GCSArchive{Client: gcs, Bucket: s.ExchangeArchiveBucket}
			api.Archive = exchangelog.GCSSigner{Bucket: s.ExchangeArchiveBucket}
		}
	}
	recorder := exchangelog.NewRecorder(db, archive, logger)

	httpClient := &http.Client{Timeout: s.ProviderTimeout + 5*time.Second}
	set, err := providers.NewSet(s, httpClient, rdb, recorder, logger)
	if err != nil {
		return nil, err
	}
	notifier := alerts.New(s.AlertTopic, logger)

	card := dock.NewClient(s.Dock, httpClient)

	engine := ledger.NewEngine(db, logger)
	orchestrator := disbursement.NewOrchestrator(engine, set.Settlement(), card, config.GetRedisLock(), disbursement.OptionsFrom(s), logger)

	processor := tasks.NewProcessor(db, logger)
	applyTaskRetryEnv(processor)
	followups := followup.NewDispatcher(db, card, notifier, logger)
	processor.Handle(models.TaskFinancialFollowUp, followups.HandleTask)

	if _, polls := providers.Poller(set.Settlement()); polls {
		worker, err := reconcile.NewWorker(engine, set.Settlement(), notifier, s.ReconcileMaxRetries, s.ReconcileBackoff, logger)
		if err != nil {
			return nil, err
		}
		processor.Handle(models.TaskSettlementPoll, worker.Poll)
	}

	api.DB = db
	api.Engine = engine
	api.Orchestrator = orchestrator
	if len(s.Agreements) > 0 {
		api.Reserver = disbursement.NewReserver(engine, set, notifier, logger)
	}
	api.Webhooks = reconcile.NewWebhookProcessor(engine, logger)
	api.Tasks = processor
	api.Locker = config.GetRedisLock()
	return processor, nil
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	// In production CORS_ALLOWED_ORIGINS (comma-separated) is the allowlist; unset denies all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		if cfg.AllowOrigins == nil {
			cfg.AllowOrigins = []string{}
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	cfg.AddExposeHeaders("Content-Length", middlewares.CorrelationHeader)
	cfg.AllowCredentials = true
	return cfg
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err.Error())
	}

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen first; app endpoints answer 503 until dependencies are wired.
	var ready atomic.Bool
	api := &handlers.API{Logger: logger}

	r := gin.New()
	r.Use(middlewares.Correlation())
	r.Use(middlewares.Readiness(ready.Load))
	r.Use(cors.New(corsConfig()))
	r.Use(middlewares.ErrorLogger(logger))
	r.Use(gin.Recovery())

	operator := []gin.HandlerFunc{
		middlewares.AuthMiddleware([]byte(settings.JWTSecret)),
		// Redis is connected after the routes are mounted
		func(c *gin.Context) { middlewares.SessionMiddleware(config.GetRedisDB())(c) },
		middlewares.RequireOperator(),
	}
	webhook := []gin.HandlerFunc{middlewares.WebhookAPIKey(settings.WebhookAPIKeyHash, settings.PaymentProvider)}
	if rl := middlewares.RateLimiterFromEnv(config.GetRedisDB); rl != nil {
		webhook = append([]gin.HandlerFunc{rl.Middleware}, webhook...)
	}
	api.Register(r, operator, webhook)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	if err := db.Use(config.NewLedgerGuardPlugin(models.StatusLedgerEntry{})); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal("ledger guard: " + err.Error())
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; run it as a separate job when SKIP_MIGRATIONS=true.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	processor, err := wire(workerCtx, settings, db, config.GetRedisDB(), logger, api)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "wire"}).Fatal(err.Error())
	}
	startTasks(workerCtx, settings, db, processor, logger)
	ready.Store(true)

	logger.WithFields(logrus.Fields{
		"field":            "server",
		"payment_provider": settings.PaymentProvider,
		"task_mode":        settings.TaskMode,
	}).Info("listening on :" + port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// stop background work before draining requests
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
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
